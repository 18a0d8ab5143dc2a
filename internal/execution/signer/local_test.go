package signer

import (
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/google/uuid"
)

const testPrivateKey = "59c6995e998f97a5a0044976f0945388cf9b7e5e5f4f9d2d9d8f1f5b7f6d11d1"

func TestDefaultAccountConfigEnvHex(t *testing.T) {
	t.Setenv(EnvPrivateKey, testPrivateKey)
	t.Setenv(EnvPrivateKeyFile, "/tmp/ignored")
	cfg, err := DefaultAccountConfig("default", KeySourceEnv)
	if err != nil {
		t.Fatalf("DefaultAccountConfig failed: %v", err)
	}
	if cfg.PrivateKeyFile != "" || cfg.KeystorePath != "" {
		t.Fatalf("env source must drop file inputs: %+v", cfg)
	}
	s, err := NewLocalSigner(cfg)
	if err != nil {
		t.Fatalf("NewLocalSigner failed: %v", err)
	}
	if s.Address() == (common.Address{}) {
		t.Fatal("expected non-zero signer address")
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    0,
		To:       ptrAddress(common.HexToAddress("0x0000000000000000000000000000000000000001")),
		Value:    big.NewInt(0),
		Gas:      21_000,
		GasPrice: big.NewInt(1),
	})
	if _, err := s.SignTx(big.NewInt(8453), tx); err != nil {
		t.Fatalf("SignTx failed: %v", err)
	}
	if _, err := s.SignTx(nil, tx); err == nil {
		t.Fatal("expected nil chain id to be rejected")
	}
	if !strings.HasPrefix(s.String(), "default@0x") {
		t.Fatalf("unexpected signer label %q", s.String())
	}
}

func TestDefaultAccountConfigFileSource(t *testing.T) {
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "key.txt")
	if err := os.WriteFile(keyFile, []byte("0x"+testPrivateKey+"\n"), 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}
	t.Setenv(EnvPrivateKey, "ffff")
	t.Setenv(EnvPrivateKeyFile, keyFile)

	cfg, err := DefaultAccountConfig("default", KeySourceFile)
	if err != nil {
		t.Fatalf("DefaultAccountConfig failed: %v", err)
	}
	if cfg.PrivateKeyHex != "" {
		t.Fatal("file source must ignore the env key")
	}
	if _, err := NewLocalSigner(cfg); err != nil {
		t.Fatalf("NewLocalSigner failed: %v", err)
	}
}

func TestDefaultAccountConfigAutoUsesDefaultKeyFile(t *testing.T) {
	cfgDir := t.TempDir()
	keyDir := filepath.Join(cfgDir, "defi-agent")
	if err := os.MkdirAll(keyDir, 0o755); err != nil {
		t.Fatalf("create config dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(keyDir, "key.hex"), []byte(testPrivateKey), 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}
	t.Setenv("XDG_CONFIG_HOME", cfgDir)
	t.Setenv(EnvPrivateKey, "")
	t.Setenv(EnvPrivateKeyFile, "")
	t.Setenv(EnvKeystorePath, "")

	cfg, err := DefaultAccountConfig("default", KeySourceAuto)
	if err != nil {
		t.Fatalf("DefaultAccountConfig failed: %v", err)
	}
	if _, err := NewLocalSigner(cfg); err != nil {
		t.Fatalf("expected auto key-source to use default key path: %v", err)
	}
}

func TestDefaultAccountConfigRejectsUnknownSource(t *testing.T) {
	if _, err := DefaultAccountConfig("default", "ledger"); err == nil {
		t.Fatal("expected unknown key source error")
	}
}

func TestKeystoreDirectoryWithOneKey(t *testing.T) {
	pk, err := crypto.HexToECDSA(testPrivateKey)
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	key := &keystore.Key{Id: uuid.New(), Address: crypto.PubkeyToAddress(pk.PublicKey), PrivateKey: pk}
	blob, err := keystore.EncryptKey(key, "secret", keystore.LightScryptN, keystore.LightScryptP)
	if err != nil {
		t.Fatalf("encrypt key: %v", err)
	}
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "UTC--key"), blob, 0o600); err != nil {
		t.Fatalf("write keystore: %v", err)
	}

	s, err := NewLocalSigner(LocalSignerConfig{Account: "vault", KeystorePath: dir, KeystorePassword: "secret"})
	if err != nil {
		t.Fatalf("NewLocalSigner failed: %v", err)
	}
	if s.Address() != key.Address {
		t.Fatalf("expected %s, got %s", key.Address.Hex(), s.Address().Hex())
	}

	if err := os.WriteFile(filepath.Join(dir, "UTC--other"), blob, 0o600); err != nil {
		t.Fatalf("write second keystore: %v", err)
	}
	if _, err := NewLocalSigner(LocalSignerConfig{KeystorePath: dir, KeystorePassword: "secret"}); err == nil {
		t.Fatal("expected ambiguous keystore directory to fail")
	}
	if _, err := NewLocalSigner(LocalSignerConfig{KeystorePath: filepath.Join(dir, "UTC--key")}); err == nil {
		t.Fatal("expected missing keystore password to fail")
	}
}

func TestDefaultPrivateKeyPathUsesXDGConfigHome(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/defi-config-home")
	got := defaultPrivateKeyPath()
	want := "/tmp/defi-config-home/defi-agent/key.hex"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestMissingKeyErrorsNameTheAccount(t *testing.T) {
	_, err := NewLocalSigner(LocalSignerConfig{Account: "default"})
	if err == nil || !strings.Contains(err.Error(), defaultPrivateKeyHintPath) {
		t.Fatalf("expected default key path hint, got %v", err)
	}
	_, err = NewLocalSigner(LocalSignerConfig{Account: "treasury"})
	if err == nil || !strings.Contains(err.Error(), "accounts.treasury") {
		t.Fatalf("expected named account hint, got %v", err)
	}
}

func ptrAddress(v common.Address) *common.Address { return &v }

func TestSignTypedDataRecoversSigner(t *testing.T) {
	s, err := NewLocalSigner(LocalSignerConfig{PrivateKeyHex: testPrivateKey})
	if err != nil {
		t.Fatalf("NewLocalSigner failed: %v", err)
	}
	typed := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {{Name: "name", Type: "string"}, {Name: "chainId", Type: "uint256"}},
			"Mail":         {{Name: "contents", Type: "string"}},
		},
		PrimaryType: "Mail",
		Domain:      apitypes.TypedDataDomain{Name: "Test", ChainId: math.NewHexOrDecimal256(1)},
		Message:     apitypes.TypedDataMessage{"contents": "hello"},
	}
	sig, err := s.SignTypedData(typed)
	if err != nil {
		t.Fatalf("SignTypedData failed: %v", err)
	}
	if len(sig) != 65 || (sig[64] != 27 && sig[64] != 28) {
		t.Fatalf("unexpected signature shape: len=%d v=%d", len(sig), sig[64])
	}
	digest, _, err := apitypes.TypedDataAndHash(typed)
	if err != nil {
		t.Fatalf("hash typed data: %v", err)
	}
	recoverable := append([]byte{}, sig...)
	recoverable[64] -= 27
	pub, err := crypto.SigToPub(digest, recoverable)
	if err != nil {
		t.Fatalf("recover signer: %v", err)
	}
	if crypto.PubkeyToAddress(*pub) != s.Address() {
		t.Fatal("recovered address does not match signer")
	}
}

func TestKeyringLoadsNamedAccountsOnce(t *testing.T) {
	t.Setenv("TEST_TRADER_KEY", testPrivateKey)
	ring := NewKeyring("default", KeySourceEnv, map[string]AccountSource{
		"trader": {PrivateKeyEnv: "TEST_TRADER_KEY"},
	})
	first, err := ring.Signer("trader")
	if err != nil {
		t.Fatalf("Signer(trader) failed: %v", err)
	}
	second, err := ring.Signer("trader")
	if err != nil {
		t.Fatalf("Signer(trader) second call failed: %v", err)
	}
	if first != second {
		t.Fatal("expected cached signer instance")
	}
	if _, err := ring.Signer("ghost"); err == nil {
		t.Fatal("expected unknown account error")
	}
	addr, err := ring.Address("trader")
	if err != nil || addr != first.Address() {
		t.Fatalf("unexpected Address(trader): %s %v", addr.Hex(), err)
	}
	names := ring.Names()
	if len(names) != 2 || names[0] != "default" || names[1] != "trader" {
		t.Fatalf("unexpected account names: %v", names)
	}
}
