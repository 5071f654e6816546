package mintd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"spatters/core/session"
	"spatters/core/types"
	"spatters/observability/logging"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for mintd.
type Config struct {
	ListenAddress string        `yaml:"listen"`
	Environment   string        `yaml:"env"`
	Chain         ChainConfig   `yaml:"chain"`
	Wallet        WalletConfig  `yaml:"wallet"`
	Session       SessionConfig `yaml:"session"`
	Preview       PreviewConfig `yaml:"preview"`
	Gateway       GatewayConfig `yaml:"gateway"`
	Price         PriceConfig   `yaml:"price"`
	Auth          AuthConfig    `yaml:"auth"`
	CORSOrigins   []string      `yaml:"cors_origins"`
	Log           LogConfig     `yaml:"log"`
}

// ChainConfig locates the contract and tunes confirmation waiting.
type ChainConfig struct {
	RPCURL        string   `yaml:"rpc_url"`
	Contract      string   `yaml:"contract"`
	Confirmations uint64   `yaml:"confirmations"`
	PollInterval  Duration `yaml:"poll_interval"`
	GasHeadroom   uint64   `yaml:"gas_headroom_percent"`
}

// WalletConfig selects the signing key. Keystore takes precedence over a raw
// hex key taken from the environment.
type WalletConfig struct {
	Keystore       string `yaml:"keystore"`
	PassphraseFile string `yaml:"passphrase_file"`
	PassphraseEnv  string `yaml:"passphrase_env"`
	PrivateKeyEnv  string `yaml:"private_key_env"`
}

// SessionConfig tunes the state machine.
type SessionConfig struct {
	Variant         string   `yaml:"variant"`
	SettleDelay     Duration `yaml:"settle_delay"`
	SelectionWindow Duration `yaml:"selection_window"`
	PublicCooldown  Duration `yaml:"public_cooldown"`
	PollInterval    Duration `yaml:"poll_interval"`
	WritesPerMinute float64  `yaml:"writes_per_minute"`
}

// PreviewConfig locates the renderer.
type PreviewConfig struct {
	RendererURL string   `yaml:"renderer_url"`
	Timeout     Duration `yaml:"timeout"`
}

// GatewayConfig locates the consent and generation collaborators.
type GatewayConfig struct {
	URL           string   `yaml:"url"`
	Timeout       Duration `yaml:"timeout"`
	EffectTimeout Duration `yaml:"effect_timeout"`
	// LedgerPath keeps the set of notified completions across restarts.
	LedgerPath string `yaml:"ledger_path"`
}

// PriceConfig controls the ETH/USD quote shown next to the mint price.
type PriceConfig struct {
	Disabled bool     `yaml:"disabled"`
	URL      string   `yaml:"url"`
	Refresh  Duration `yaml:"refresh"`
}

// AuthConfig secures the local API.
type AuthConfig struct {
	Disabled       bool     `yaml:"disabled"`
	HMACSecret     string   `yaml:"hmac_secret"`
	HMACSecretFile string   `yaml:"hmac_secret_file"`
	HMACSecretEnv  string   `yaml:"hmac_secret_env"`
	Issuer         string   `yaml:"issuer"`
	Audience       string   `yaml:"audience"`
	ClockSkew      Duration `yaml:"clock_skew"`
}

// LogConfig enables rotating file output alongside stdout.
type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// LogAttrs summarises the configuration for the startup log with every
// secret masked.
func (c Config) LogAttrs() []any {
	return []any{
		slog.String("listen", c.ListenAddress),
		slog.String("variant", c.Variant().String()),
		logging.MaskURL("rpc_url", c.Chain.RPCURL),
		slog.String("contract", c.Chain.Contract),
		slog.Uint64("confirmations", c.Chain.Confirmations),
		logging.MaskField("keystore", c.Wallet.Keystore),
		logging.MaskField("hmac_secret", c.Auth.HMACSecret),
		slog.Bool("auth_disabled", c.Auth.Disabled),
		logging.MaskURL("gateway_url", c.Gateway.URL),
		slog.String("renderer_url", c.Preview.RendererURL),
		slog.String("ledger", c.Gateway.LedgerPath),
	}
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Auth.normalise(); err != nil {
		return cfg, fmt.Errorf("auth: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = "127.0.0.1:7090"
	}
	if cfg.Chain.Confirmations == 0 {
		cfg.Chain.Confirmations = 1
	}
	if cfg.Chain.PollInterval.Duration == 0 {
		cfg.Chain.PollInterval.Duration = 2 * time.Second
	}
	if cfg.Chain.GasHeadroom == 0 {
		cfg.Chain.GasHeadroom = 20
	}
	if cfg.Session.Variant == "" {
		cfg.Session.Variant = types.VariantPublic.String()
	}
	defaults := session.DefaultWindows()
	if cfg.Session.SettleDelay.Duration == 0 {
		cfg.Session.SettleDelay.Duration = defaults.Settle
	}
	if cfg.Session.SelectionWindow.Duration == 0 {
		cfg.Session.SelectionWindow.Duration = defaults.Selection
	}
	if cfg.Session.PublicCooldown.Duration == 0 {
		cfg.Session.PublicCooldown.Duration = defaults.Cooldown
	}
	if cfg.Session.PollInterval.Duration == 0 {
		cfg.Session.PollInterval.Duration = 10 * time.Second
	}
	if cfg.Session.WritesPerMinute == 0 {
		cfg.Session.WritesPerMinute = 30
	}
	if cfg.Preview.RendererURL == "" {
		cfg.Preview.RendererURL = "https://spatters.art"
	}
	if cfg.Preview.Timeout.Duration == 0 {
		cfg.Preview.Timeout.Duration = 30 * time.Second
	}
	if cfg.Gateway.Timeout.Duration == 0 {
		cfg.Gateway.Timeout.Duration = 10 * time.Second
	}
	if cfg.Gateway.EffectTimeout.Duration == 0 {
		cfg.Gateway.EffectTimeout.Duration = 15 * time.Second
	}
	if cfg.Price.URL == "" {
		cfg.Price.URL = DefaultPriceURL
	}
	if cfg.Price.Refresh.Duration == 0 {
		cfg.Price.Refresh.Duration = 2 * time.Minute
	}
	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = "mintd"
	}
	if cfg.Auth.ClockSkew.Duration == 0 {
		cfg.Auth.ClockSkew.Duration = 2 * time.Minute
	}
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Chain.RPCURL) == "" {
		return fmt.Errorf("chain rpc_url must be configured")
	}
	if !common.IsHexAddress(cfg.Chain.Contract) {
		return fmt.Errorf("chain contract %q is not an address", cfg.Chain.Contract)
	}
	if _, ok := types.ParseVariant(cfg.Session.Variant); !ok {
		return fmt.Errorf("session variant %q must be public or owner", cfg.Session.Variant)
	}
	if strings.TrimSpace(cfg.Wallet.Keystore) == "" && strings.TrimSpace(cfg.Wallet.PrivateKeyEnv) == "" {
		return fmt.Errorf("configure wallet keystore or private_key_env")
	}
	if !cfg.Auth.Disabled && cfg.Auth.HMACSecret == "" {
		return fmt.Errorf("auth hmac_secret must be configured unless auth is disabled")
	}
	if cfg.Session.SelectionWindow.Duration < cfg.Session.SettleDelay.Duration {
		return fmt.Errorf("selection_window must exceed settle_delay")
	}
	return nil
}

func (a *AuthConfig) normalise() error {
	if a == nil {
		return fmt.Errorf("auth configuration missing")
	}
	secret := strings.TrimSpace(a.HMACSecret)
	switch {
	case secret != "":
	case strings.TrimSpace(a.HMACSecretEnv) != "":
		secret = strings.TrimSpace(os.Getenv(strings.TrimSpace(a.HMACSecretEnv)))
		if secret == "" {
			return fmt.Errorf("hmac_secret_env %s is empty", a.HMACSecretEnv)
		}
	case strings.TrimSpace(a.HMACSecretFile) != "":
		contents, err := os.ReadFile(strings.TrimSpace(a.HMACSecretFile))
		if err != nil {
			return fmt.Errorf("read hmac_secret_file: %w", err)
		}
		secret = strings.TrimSpace(string(contents))
	}
	a.HMACSecret = secret
	return nil
}

// Variant returns the parsed session variant.
func (c Config) Variant() types.Variant {
	v, _ := types.ParseVariant(c.Session.Variant)
	return v
}

// Windows returns the configured protocol durations.
func (c Config) Windows() session.Windows {
	return session.Windows{
		Settle:    c.Session.SettleDelay.Duration,
		Selection: c.Session.SelectionWindow.Duration,
		Cooldown:  c.Session.PublicCooldown.Duration,
	}
}
