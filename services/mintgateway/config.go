package mintgateway

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"spatters/observability/logging"
)

// Config captures runtime configuration for the mint gateway.
type Config struct {
	ListenAddress string          `toml:"ListenAddress"`
	Environment   string          `toml:"Environment"`
	DatabaseURL   string          `toml:"DatabaseURL"`
	RedisURL      string          `toml:"RedisURL"`
	CORSOrigins   []string        `toml:"CORSOrigins"`
	RateLimit     RateLimitConfig `toml:"RateLimit"`
	Dispatch      DispatchConfig  `toml:"Dispatch"`
	RPC           RPCConfig       `toml:"RPC"`
	Log           LogConfig       `toml:"Log"`
}

// RateLimitConfig bounds generation triggers per client.
type RateLimitConfig struct {
	Requests int           `toml:"Requests"`
	Window   time.Duration `toml:"Window"`
}

// DispatchConfig targets the repository_dispatch endpoint that kicks off
// artwork generation.
type DispatchConfig struct {
	URL      string        `toml:"URL"`
	Token    string        `toml:"Token"`
	TokenEnv string        `toml:"TokenEnv"`
	Timeout  time.Duration `toml:"Timeout"`
}

// RPCConfig lists the upstream JSON-RPC endpoints per network.
type RPCConfig struct {
	MainnetURL string        `toml:"MainnetURL"`
	SepoliaURL string        `toml:"SepoliaURL"`
	Timeout    time.Duration `toml:"Timeout"`
}

// LogConfig enables rotating file output.
type LogConfig struct {
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

// LogAttrs summarises the configuration for the startup log with every
// credential masked.
func (c Config) LogAttrs() []any {
	return []any{
		slog.String("listen", c.ListenAddress),
		logging.MaskURL("database_url", c.DatabaseURL),
		logging.MaskURL("redis_url", c.RedisURL),
		slog.Int("rate_limit_requests", c.RateLimit.Requests),
		slog.Duration("rate_limit_window", c.RateLimit.Window),
		slog.String("dispatch_url", c.Dispatch.URL),
		logging.MaskField("dispatch_token", c.Dispatch.Token),
		logging.MaskURL("mainnet_rpc", c.RPC.MainnetURL),
		logging.MaskURL("sepolia_rpc", c.RPC.SepoliaURL),
	}
}

// LoadConfig decodes the TOML file at path, when given, and layers the
// environment on top.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	if strings.TrimSpace(path) != "" {
		meta, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return cfg, fmt.Errorf("config %s: unknown key %s", path, undecoded[0])
		}
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	override := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	override(&cfg.ListenAddress, "MINT_GATEWAY_LISTEN")
	override(&cfg.Environment, "SPATTERS_ENV")
	override(&cfg.DatabaseURL, "MINT_GATEWAY_DATABASE_URL")
	override(&cfg.RedisURL, "MINT_GATEWAY_REDIS_URL")
	override(&cfg.Dispatch.URL, "MINT_GATEWAY_DISPATCH_URL")
	override(&cfg.RPC.MainnetURL, "MAINNET_RPC_URL")
	override(&cfg.RPC.SepoliaURL, "SEPOLIA_RPC_URL")
	if cfg.Dispatch.Token == "" && strings.TrimSpace(cfg.Dispatch.TokenEnv) != "" {
		cfg.Dispatch.Token = strings.TrimSpace(os.Getenv(strings.TrimSpace(cfg.Dispatch.TokenEnv)))
	}
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8088"
	}
	if cfg.RateLimit.Requests <= 0 {
		cfg.RateLimit.Requests = 5
	}
	if cfg.RateLimit.Window <= 0 {
		cfg.RateLimit.Window = time.Minute
	}
	if cfg.Dispatch.Timeout <= 0 {
		cfg.Dispatch.Timeout = 10 * time.Second
	}
	if cfg.RPC.Timeout <= 0 {
		cfg.RPC.Timeout = 15 * time.Second
	}
}

func validateConfig(cfg Config) error {
	if dsn := strings.TrimSpace(cfg.DatabaseURL); dsn != "" {
		if _, err := dialectorFor(dsn); err != nil {
			return err
		}
	}
	for name, raw := range map[string]string{
		"Dispatch.URL":   cfg.Dispatch.URL,
		"RPC.MainnetURL": cfg.RPC.MainnetURL,
		"RPC.SepoliaURL": cfg.RPC.SepoliaURL,
	} {
		if raw == "" {
			continue
		}
		parsed, err := url.Parse(raw)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("%s %q is not an absolute url", name, raw)
		}
	}
	if cfg.Dispatch.URL != "" && cfg.Dispatch.Token == "" {
		return fmt.Errorf("dispatch token must be set when a dispatch url is configured")
	}
	return nil
}
