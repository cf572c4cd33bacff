package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
)

// WalletKeyEnv names the environment variable holding the XMTP wallet key.
const WalletKeyEnv = "EVM_PRIVATE_KEY"

// ErrMissingWalletKey is returned when EVM_PRIVATE_KEY is unset or empty.
var ErrMissingWalletKey = errors.New("EVM_PRIVATE_KEY is not set")

// Config is the root configuration for xmtprelay.
type Config struct {
	General    GeneralConfig             `json:"general"`
	Agent      AgentConfig               `json:"agent"`
	XMTP       XMTPConfig                `json:"xmtp"`
	Providers  map[string]ProviderConfig `json:"providers"`
	Generation GenerationConfig          `json:"generation"`
	Memory     MemoryConfig              `json:"memory"`
	Metrics    MetricsConfig             `json:"metrics"`
}

type GeneralConfig struct {
	DataDir  string `json:"dataDir"`
	LogLevel string `json:"logLevel"`
	LogFile  string `json:"logFile,omitempty"` // optional log file path
}

// AgentConfig points at the character the relay speaks as.
type AgentConfig struct {
	CharacterPath string `json:"characterPath,omitempty"` // empty = embedded default
}

// XMTPConfig configures the connection to the XMTP gateway.
type XMTPConfig struct {
	GatewayURL              string `json:"gatewayUrl"`
	Env                     string `json:"env"` // "production" | "dev" | "local"
	HandshakeTimeoutSeconds int    `json:"handshakeTimeoutSeconds"`
}

type ProviderConfig struct {
	Enabled           bool              `json:"enabled"`
	APIBase           string            `json:"apiBase,omitempty"`
	APIKey            string            `json:"apiKey,omitempty"`
	DefaultModel      string            `json:"defaultModel,omitempty"`
	Models            map[string]string `json:"models,omitempty"` // model class (small|medium|large) -> model
	TimeoutSeconds    int               `json:"timeoutSeconds,omitempty"`
	RequestsPerMinute float64           `json:"requestsPerMinute,omitempty"` // 0 = unlimited
	Burst             int               `json:"burst,omitempty"`
}

// ModelFor returns the model configured for class, falling back to DefaultModel.
func (pc ProviderConfig) ModelFor(class string) string {
	if m := pc.Models[class]; m != "" {
		return m
	}
	return pc.DefaultModel
}

type GenerationConfig struct {
	DefaultProvider string   `json:"defaultProvider"`
	FailoverChain   []string `json:"failoverChain,omitempty"` // provider failover order
	Temperature     float64  `json:"temperature"`
	MaxTokens       int      `json:"maxTokens"`
	MaxAttempts     int      `json:"maxAttempts"`
}

type MemoryConfig struct {
	DBPath         string `json:"dbPath"`
	RecentMessages int    `json:"recentMessages"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr"`
	Endpoint string `json:"endpoint"`
}

// DefaultConfigDir returns the default config directory (~/.xmtprelay).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".xmtprelay"
	}
	return filepath.Join(home, ".xmtprelay")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// LoadDotEnv loads .env files into the process environment. Variables that
// are already set win. A missing file is not an error.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// WalletKeyFromEnv reads and normalizes the wallet key. It accepts 64 hex
// characters with an optional 0x prefix and always returns the 0x form.
func WalletKeyFromEnv() (string, error) {
	raw := strings.TrimSpace(os.Getenv(WalletKeyEnv))
	if raw == "" {
		return "", ErrMissingWalletKey
	}
	return NormalizeWalletKey(raw)
}

var walletKeyPattern = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

func NormalizeWalletKey(raw string) (string, error) {
	hex := strings.TrimPrefix(strings.TrimPrefix(raw, "0x"), "0X")
	if !walletKeyPattern.MatchString(hex) {
		return "", fmt.Errorf("%s must be 32 bytes of hex (64 characters, optional 0x prefix)", WalletKeyEnv)
	}
	return "0x" + strings.ToLower(hex), nil
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}
	return Parse(data, path)
}

// Parse decodes a JSON-with-comments document layered over Defaults.
func Parse(data []byte, source string) (*Config, error) {
	data = jsonc.ToJSON(data)

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", source, err)
	}

	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Memory.DBPath = ExpandPath(cfg.Memory.DBPath)
	cfg.Agent.CharacterPath = ExpandPath(cfg.Agent.CharacterPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty. Unknown
// variables without a default are left as written.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values and reports every
// problem at once.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if !strings.HasPrefix(cfg.XMTP.GatewayURL, "ws://") && !strings.HasPrefix(cfg.XMTP.GatewayURL, "wss://") {
		errs = append(errs, "xmtp.gatewayUrl must be a ws:// or wss:// URL")
	}
	switch cfg.XMTP.Env {
	case "production", "dev", "local":
	default:
		errs = append(errs, "xmtp.env must be one of: production, dev, local")
	}
	if cfg.XMTP.HandshakeTimeoutSeconds < 1 {
		errs = append(errs, "xmtp.handshakeTimeoutSeconds must be >= 1")
	}

	if cfg.Generation.DefaultProvider == "" {
		errs = append(errs, "generation.defaultProvider is required")
	} else if _, ok := cfg.Providers[cfg.Generation.DefaultProvider]; !ok {
		errs = append(errs, fmt.Sprintf("generation.defaultProvider references unknown provider: %s", cfg.Generation.DefaultProvider))
	}
	for _, name := range cfg.Generation.FailoverChain {
		if _, ok := cfg.Providers[name]; !ok {
			errs = append(errs, fmt.Sprintf("generation.failoverChain references unknown provider: %s", name))
		}
	}
	if cfg.Generation.Temperature < 0 || cfg.Generation.Temperature > 2 {
		errs = append(errs, "generation.temperature must be between 0 and 2")
	}
	if cfg.Generation.MaxTokens < 1 {
		errs = append(errs, "generation.maxTokens must be >= 1")
	}
	if cfg.Generation.MaxAttempts < 1 || cfg.Generation.MaxAttempts > 10 {
		errs = append(errs, "generation.maxAttempts must be between 1 and 10")
	}

	for name, pc := range cfg.Providers {
		if !pc.Enabled {
			continue
		}
		for class := range pc.Models {
			switch class {
			case "small", "medium", "large":
			default:
				errs = append(errs, fmt.Sprintf("providers.%s.models: unknown model class %q", name, class))
			}
		}
		if pc.RequestsPerMinute < 0 || pc.Burst < 0 {
			errs = append(errs, fmt.Sprintf("providers.%s: requestsPerMinute and burst must be >= 0", name))
		}
		if name != "ollama" && name != "anthropic" && pc.APIBase == "" {
			errs = append(errs, fmt.Sprintf("providers.%s: apiBase is required", name))
		}
	}

	if cfg.Memory.DBPath == "" {
		errs = append(errs, "memory.dbPath is required")
	}
	if cfg.Memory.RecentMessages < 1 {
		errs = append(errs, "memory.recentMessages must be >= 1")
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		errs = append(errs, "metrics.addr is required when metrics are enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
