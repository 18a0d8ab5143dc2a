package signer

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// AccountSource describes where a named account's key lives.
type AccountSource struct {
	PrivateKeyEnv        string
	PrivateKeyFile       string
	KeystorePath         string
	KeystorePasswordEnv  string
	KeystorePasswordFile string
}

// Keyring resolves account names to signers, loading each key once.
type Keyring struct {
	mu            sync.Mutex
	sources       map[string]AccountSource
	defaultName   string
	defaultSource string
	loaded        map[string]Signer
}

// NewKeyring resolves named accounts from accounts. defaultName falls back to the environment,
// restricted by keySource, when it has no explicit entry.
func NewKeyring(defaultName, keySource string, accounts map[string]AccountSource) *Keyring {
	sources := make(map[string]AccountSource, len(accounts))
	for name, src := range accounts {
		sources[strings.TrimSpace(name)] = src
	}
	return &Keyring{
		sources:       sources,
		defaultName:   strings.TrimSpace(defaultName),
		defaultSource: keySource,
		loaded:        map[string]Signer{},
	}
}

// Add registers a prebuilt signer under name.
func (k *Keyring) Add(name string, s Signer) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.loaded[strings.TrimSpace(name)] = s
}

func (k *Keyring) Names() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	seen := map[string]struct{}{}
	for name := range k.sources {
		seen[name] = struct{}{}
	}
	for name := range k.loaded {
		seen[name] = struct{}{}
	}
	if k.defaultName != "" {
		seen[k.defaultName] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (k *Keyring) Signer(name string) (Signer, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = k.defaultName
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if s, ok := k.loaded[name]; ok {
		return s, nil
	}

	var cfg LocalSignerConfig
	if src, ok := k.sources[name]; ok {
		cfg = LocalSignerConfig{
			Account:              name,
			PrivateKeyHex:        lookupEnv(src.PrivateKeyEnv),
			PrivateKeyFile:       src.PrivateKeyFile,
			KeystorePath:         src.KeystorePath,
			KeystorePassword:     lookupEnv(src.KeystorePasswordEnv),
			KeystorePasswordFile: src.KeystorePasswordFile,
		}
	} else if name == k.defaultName {
		var err error
		if cfg, err = DefaultAccountConfig(name, k.defaultSource); err != nil {
			return nil, fmt.Errorf("load account %q: %w", name, err)
		}
	} else {
		return nil, fmt.Errorf("unknown account %q", name)
	}
	s, err := NewLocalSigner(cfg)
	if err != nil {
		return nil, fmt.Errorf("load account %q: %w", name, err)
	}
	k.loaded[name] = s
	return s, nil
}

// Address returns the address of the named account, loading its key if needed.
func (k *Keyring) Address(name string) (common.Address, error) {
	s, err := k.Signer(name)
	if err != nil {
		return common.Address{}, err
	}
	return s.Address(), nil
}

func lookupEnv(name string) string {
	if strings.TrimSpace(name) == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(name))
}
