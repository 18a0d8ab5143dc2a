package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultAccount = "default"

	defaultWalletTTL      = 60 * time.Second
	defaultTokenTTL       = 5 * time.Minute
	defaultConfirmTimeout = 20 * time.Second
	defaultPollInterval   = 2 * time.Second
	defaultApprovalSettle = 3 * time.Second
	defaultSlippageBps    = 50
	defaultGasMultiplier  = 1.2
)

type GlobalFlags struct {
	ConfigPath     string
	JSON           bool
	Plain          bool
	Select         string
	ResultsOnly    bool
	EnableCommands string
	Strict         bool
	Timeout        string
	Retries        int
	NoCache        bool
	LogLevel       string
}

// Account names a signing key source.
type Account struct {
	PrivateKeyEnv        string `yaml:"private_key_env"`
	PrivateKeyFile       string `yaml:"private_key_file"`
	KeystorePath         string `yaml:"keystore_path"`
	KeystorePasswordEnv  string `yaml:"keystore_password_env"`
	KeystorePasswordFile string `yaml:"keystore_password_file"`
}

type Settings struct {
	OutputMode      string
	SelectFields    []string
	ResultsOnly     bool
	EnableCommands  []string
	Strict          bool
	Timeout         time.Duration
	Retries         int
	LogLevel        string
	LogFormat       string
	CacheEnabled    bool
	CachePath       string
	CacheLockPath   string
	ActionStorePath string
	ActionLockPath  string

	WalletTTL          time.Duration
	TokenTTL           time.Duration
	ConfirmTimeout     time.Duration
	PollInterval       time.Duration
	ApprovalSettle     time.Duration
	DefaultSlippageBps int
	GasMultiplier      float64
	MetadataRPS        float64
	RPCURLs            map[string]string
	Accounts           map[string]Account
	// KeySource limits where the default account's key is read from: auto, env, file or keystore.
	KeySource    string
	WalletChains []string

	AlchemyAPIKey   string
	CoinGeckoAPIKey string
	CoinGeckoPro    bool
	ZeroExAPIKey    string
	OneInchAPIKey   string
	UniswapAPIKey   string
	// Aggregator picks the second swap route: "0x" or "1inch".
	Aggregator string

	ListenAddr  string
	CORSOrigins []string
}

type apiKeyConfig struct {
	APIKey    string `yaml:"api_key"`
	APIKeyEnv string `yaml:"api_key_env"`
}

type fileConfig struct {
	Output  string `yaml:"output"`
	Strict  *bool  `yaml:"strict"`
	Timeout string `yaml:"timeout"`
	Retries *int   `yaml:"retries"`
	Log     struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Cache struct {
		Enabled   *bool  `yaml:"enabled"`
		Path      string `yaml:"path"`
		LockPath  string `yaml:"lock_path"`
		WalletTTL string `yaml:"wallet_ttl"`
		TokenTTL  string `yaml:"token_ttl"`
	} `yaml:"cache"`
	Execution struct {
		ActionsPath        string  `yaml:"actions_path"`
		ActionsLockPath    string  `yaml:"actions_lock_path"`
		ConfirmTimeout     string  `yaml:"confirm_timeout"`
		PollInterval       string  `yaml:"poll_interval"`
		ApprovalSettle     string  `yaml:"approval_settle"`
		DefaultSlippageBps *int    `yaml:"default_slippage_bps"`
		GasMultiplier      float64 `yaml:"gas_multiplier"`
	} `yaml:"execution"`
	RPCURLs  map[string]string  `yaml:"rpc_urls"`
	Accounts map[string]Account `yaml:"accounts"`
	Signer   struct {
		KeySource string `yaml:"key_source"`
	} `yaml:"signer"`
	Providers struct {
		Alchemy   apiKeyConfig `yaml:"alchemy"`
		CoinGecko struct {
			apiKeyConfig `yaml:",inline"`
			Pro          *bool   `yaml:"pro"`
			RPS          float64 `yaml:"rps"`
		} `yaml:"coingecko"`
		ZeroEx     apiKeyConfig `yaml:"zeroex"`
		OneInch    apiKeyConfig `yaml:"oneinch"`
		Uniswap    apiKeyConfig `yaml:"uniswap"`
		Aggregator string       `yaml:"aggregator"`
	} `yaml:"providers"`
	Wallet struct {
		Chains []string `yaml:"chains"`
	} `yaml:"wallet"`
	Server struct {
		Listen      string   `yaml:"listen"`
		CORSOrigins []string `yaml:"cors_origins"`
	} `yaml:"server"`
}

func Load(flags GlobalFlags) (Settings, error) {
	settings, err := defaultSettings()
	if err != nil {
		return Settings{}, err
	}

	cfgPath, err := resolveConfigPath(flags.ConfigPath)
	if err != nil {
		return Settings{}, err
	}

	if err := applyFileConfig(cfgPath, &settings); err != nil {
		return Settings{}, err
	}

	applyEnv(&settings)

	if err := applyFlags(flags, &settings); err != nil {
		return Settings{}, err
	}

	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 10 * time.Second
	}
	if settings.Retries < 0 {
		settings.Retries = 0
	}
	if settings.WalletTTL <= 0 {
		settings.WalletTTL = defaultWalletTTL
	}
	if settings.TokenTTL <= 0 {
		settings.TokenTTL = defaultTokenTTL
	}
	if settings.ConfirmTimeout <= 0 {
		settings.ConfirmTimeout = defaultConfirmTimeout
	}
	if settings.PollInterval <= 0 {
		settings.PollInterval = defaultPollInterval
	}
	if settings.ApprovalSettle < 0 {
		settings.ApprovalSettle = 0
	}
	if settings.DefaultSlippageBps < 0 || settings.DefaultSlippageBps > 10_000 {
		return Settings{}, fmt.Errorf("default slippage must be between 0 and 10000 bps")
	}
	if settings.Aggregator != "0x" && settings.Aggregator != "1inch" {
		return Settings{}, fmt.Errorf("providers.aggregator must be 0x or 1inch")
	}
	switch settings.KeySource {
	case "auto", "env", "file", "keystore":
	default:
		return Settings{}, fmt.Errorf("signer.key_source must be auto, env, file or keystore")
	}
	if settings.GasMultiplier <= 1 {
		settings.GasMultiplier = defaultGasMultiplier
	}

	return settings, nil
}

func defaultSettings() (Settings, error) {
	cachePath, lockPath, err := defaultCachePaths()
	if err != nil {
		return Settings{}, err
	}
	cacheDir := filepath.Dir(cachePath)
	return Settings{
		OutputMode:         "json",
		Timeout:            10 * time.Second,
		Retries:            2,
		LogLevel:           "info",
		LogFormat:          "json",
		CacheEnabled:       true,
		CachePath:          cachePath,
		CacheLockPath:      lockPath,
		ActionStorePath:    filepath.Join(cacheDir, "actions.db"),
		ActionLockPath:     filepath.Join(cacheDir, "actions.lock"),
		WalletTTL:          defaultWalletTTL,
		TokenTTL:           defaultTokenTTL,
		ConfirmTimeout:     defaultConfirmTimeout,
		PollInterval:       defaultPollInterval,
		ApprovalSettle:     defaultApprovalSettle,
		DefaultSlippageBps: defaultSlippageBps,
		GasMultiplier:      defaultGasMultiplier,
		MetadataRPS:        0.5,
		RPCURLs:            map[string]string{},
		Accounts:           map[string]Account{},
		Aggregator:         "0x",
		KeySource:          "auto",
		ListenAddr:         "127.0.0.1:8080",
	}, nil
}

func resolveConfigPath(input string) (string, error) {
	if strings.TrimSpace(input) != "" {
		return input, nil
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "defi-agent", "config.yaml"), nil
}

func defaultCachePaths() (string, string, error) {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", "", err
		}
		base = filepath.Join(home, ".cache")
	}
	dir := filepath.Join(base, "defi-agent")
	return filepath.Join(dir, "cache.db"), filepath.Join(dir, "cache.lock"), nil
}

func parseDurationField(name, raw string, dst *time.Duration) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config %s: %w", name, err)
	}
	*dst = d
	return nil
}

func resolveAPIKey(cfg apiKeyConfig, dst *string) {
	if cfg.APIKey != "" {
		*dst = cfg.APIKey
	}
	if cfg.APIKeyEnv != "" {
		*dst = os.Getenv(cfg.APIKeyEnv)
	}
}

func applyFileConfig(path string, settings *Settings) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}

	if cfg.Output != "" {
		settings.OutputMode = strings.ToLower(cfg.Output)
	}
	if cfg.Strict != nil {
		settings.Strict = *cfg.Strict
	}
	if err := parseDurationField("timeout", cfg.Timeout, &settings.Timeout); err != nil {
		return err
	}
	if cfg.Retries != nil {
		settings.Retries = *cfg.Retries
	}
	if cfg.Log.Level != "" {
		settings.LogLevel = strings.ToLower(cfg.Log.Level)
	}
	if cfg.Log.Format != "" {
		settings.LogFormat = strings.ToLower(cfg.Log.Format)
	}
	if cfg.Cache.Enabled != nil {
		settings.CacheEnabled = *cfg.Cache.Enabled
	}
	if cfg.Cache.Path != "" {
		settings.CachePath = cfg.Cache.Path
	}
	if cfg.Cache.LockPath != "" {
		settings.CacheLockPath = cfg.Cache.LockPath
	}
	if err := parseDurationField("cache.wallet_ttl", cfg.Cache.WalletTTL, &settings.WalletTTL); err != nil {
		return err
	}
	if err := parseDurationField("cache.token_ttl", cfg.Cache.TokenTTL, &settings.TokenTTL); err != nil {
		return err
	}
	if cfg.Execution.ActionsPath != "" {
		settings.ActionStorePath = cfg.Execution.ActionsPath
	}
	if cfg.Execution.ActionsLockPath != "" {
		settings.ActionLockPath = cfg.Execution.ActionsLockPath
	}
	if err := parseDurationField("execution.confirm_timeout", cfg.Execution.ConfirmTimeout, &settings.ConfirmTimeout); err != nil {
		return err
	}
	if err := parseDurationField("execution.poll_interval", cfg.Execution.PollInterval, &settings.PollInterval); err != nil {
		return err
	}
	if err := parseDurationField("execution.approval_settle", cfg.Execution.ApprovalSettle, &settings.ApprovalSettle); err != nil {
		return err
	}
	if cfg.Execution.DefaultSlippageBps != nil {
		settings.DefaultSlippageBps = *cfg.Execution.DefaultSlippageBps
	}
	if cfg.Execution.GasMultiplier > 0 {
		settings.GasMultiplier = cfg.Execution.GasMultiplier
	}
	for chain, url := range cfg.RPCURLs {
		settings.RPCURLs[strings.ToLower(strings.TrimSpace(chain))] = strings.TrimSpace(url)
	}
	for name, account := range cfg.Accounts {
		settings.Accounts[strings.TrimSpace(name)] = account
	}
	resolveAPIKey(cfg.Providers.Alchemy, &settings.AlchemyAPIKey)
	resolveAPIKey(cfg.Providers.CoinGecko.apiKeyConfig, &settings.CoinGeckoAPIKey)
	if cfg.Providers.CoinGecko.Pro != nil {
		settings.CoinGeckoPro = *cfg.Providers.CoinGecko.Pro
	}
	if cfg.Providers.CoinGecko.RPS > 0 {
		settings.MetadataRPS = cfg.Providers.CoinGecko.RPS
	}
	resolveAPIKey(cfg.Providers.ZeroEx, &settings.ZeroExAPIKey)
	resolveAPIKey(cfg.Providers.OneInch, &settings.OneInchAPIKey)
	resolveAPIKey(cfg.Providers.Uniswap, &settings.UniswapAPIKey)
	if cfg.Providers.Aggregator != "" {
		settings.Aggregator = strings.ToLower(strings.TrimSpace(cfg.Providers.Aggregator))
	}
	if cfg.Signer.KeySource != "" {
		settings.KeySource = strings.ToLower(strings.TrimSpace(cfg.Signer.KeySource))
	}
	for _, chain := range cfg.Wallet.Chains {
		if v := strings.ToLower(strings.TrimSpace(chain)); v != "" {
			settings.WalletChains = append(settings.WalletChains, v)
		}
	}
	if cfg.Server.Listen != "" {
		settings.ListenAddr = cfg.Server.Listen
	}
	if len(cfg.Server.CORSOrigins) > 0 {
		settings.CORSOrigins = cfg.Server.CORSOrigins
	}

	return nil
}

func applyEnv(settings *Settings) {
	if v := os.Getenv("DEFI_AGENT_OUTPUT"); v != "" {
		settings.OutputMode = strings.ToLower(v)
	}
	if v := os.Getenv("DEFI_AGENT_STRICT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.Strict = b
		}
	}
	if v := os.Getenv("DEFI_AGENT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.Timeout = d
		}
	}
	if v := os.Getenv("DEFI_AGENT_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.Retries = n
		}
	}
	if v := os.Getenv("DEFI_AGENT_LOG_LEVEL"); v != "" {
		settings.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("DEFI_AGENT_LOG_FORMAT"); v != "" {
		settings.LogFormat = strings.ToLower(v)
	}
	if v := os.Getenv("DEFI_AGENT_NO_CACHE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.CacheEnabled = !b
		}
	}
	if v := os.Getenv("DEFI_AGENT_CACHE_PATH"); v != "" {
		settings.CachePath = v
	}
	if v := os.Getenv("DEFI_AGENT_CACHE_LOCK_PATH"); v != "" {
		settings.CacheLockPath = v
	}
	if v := os.Getenv("DEFI_AGENT_ACTIONS_PATH"); v != "" {
		settings.ActionStorePath = v
	}
	if v := os.Getenv("DEFI_AGENT_ACTIONS_LOCK_PATH"); v != "" {
		settings.ActionLockPath = v
	}
	if v := os.Getenv("DEFI_AGENT_WALLET_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.WalletTTL = d
		}
	}
	if v := os.Getenv("DEFI_AGENT_CONFIRM_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.ConfirmTimeout = d
		}
	}
	if v := os.Getenv("DEFI_AGENT_ALCHEMY_API_KEY"); v != "" {
		settings.AlchemyAPIKey = v
	}
	if v := os.Getenv("DEFI_AGENT_COINGECKO_API_KEY"); v != "" {
		settings.CoinGeckoAPIKey = v
	}
	if v := os.Getenv("DEFI_AGENT_ZEROEX_API_KEY"); v != "" {
		settings.ZeroExAPIKey = v
	}
	if v := os.Getenv("DEFI_AGENT_1INCH_API_KEY"); v != "" {
		settings.OneInchAPIKey = v
	}
	if v := os.Getenv("DEFI_AGENT_AGGREGATOR"); v != "" {
		settings.Aggregator = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("DEFI_AGENT_KEY_SOURCE"); v != "" {
		settings.KeySource = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("DEFI_AGENT_UNISWAP_API_KEY"); v != "" {
		settings.UniswapAPIKey = v
	}
	if v := os.Getenv("DEFI_AGENT_WALLET_CHAINS"); v != "" {
		settings.WalletChains = splitList(strings.ToLower(v))
	}
	if v := os.Getenv("DEFI_AGENT_LISTEN"); v != "" {
		settings.ListenAddr = v
	}
}

func applyFlags(flags GlobalFlags, settings *Settings) error {
	if flags.JSON && flags.Plain {
		return fmt.Errorf("cannot use --json and --plain together")
	}
	if flags.JSON {
		settings.OutputMode = "json"
	}
	if flags.Plain {
		settings.OutputMode = "plain"
	}
	if strings.TrimSpace(flags.Select) != "" {
		settings.SelectFields = splitList(flags.Select)
	}
	settings.ResultsOnly = flags.ResultsOnly

	if strings.TrimSpace(flags.EnableCommands) != "" {
		settings.EnableCommands = splitList(flags.EnableCommands)
	}

	if flags.Strict {
		settings.Strict = true
	}
	if flags.Timeout != "" {
		d, err := time.ParseDuration(flags.Timeout)
		if err != nil {
			return fmt.Errorf("parse --timeout: %w", err)
		}
		settings.Timeout = d
	}
	if flags.Retries >= 0 {
		settings.Retries = flags.Retries
	}
	if flags.NoCache {
		settings.CacheEnabled = false
	}
	if flags.LogLevel != "" {
		settings.LogLevel = strings.ToLower(flags.LogLevel)
	}

	if settings.OutputMode != "json" && settings.OutputMode != "plain" {
		return fmt.Errorf("output must be json or plain")
	}

	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		v := strings.TrimSpace(part)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
