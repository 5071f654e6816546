package mintd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"spatters/chain"
	"spatters/core/effects"
	"spatters/core/preview"
	"spatters/core/session"
	"spatters/core/types"
	"spatters/crypto"
	"spatters/gateway/middleware"
	"spatters/observability"
	"spatters/observability/logging"
	telemetry "spatters/observability/otel"
)

// WalletLoader resolves the signing key described by the wallet section.
type WalletLoader func(WalletConfig) (*crypto.PrivateKey, error)

// Main initialises and runs the mint session daemon.
func Main(loadWallet WalletLoader) error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/mintd/config.yaml", "path to mintd configuration")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	env := cfg.Environment
	if env == "" {
		env = strings.TrimSpace(os.Getenv("SPATTERS_ENV"))
	}
	var fileOpts *logging.FileOptions
	if cfg.Log.File != "" {
		fileOpts = &logging.FileOptions{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
		}
	}
	logger := logging.SetupWithFile(serviceName, env, fileOpts)
	logger.Info("mintd configuration loaded", cfg.LogAttrs()...)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.FromEnv(serviceName, env))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	if loadWallet == nil {
		loadWallet = EnvWallet
	}
	key, err := loadWallet(cfg.Wallet)
	if err != nil {
		return fmt.Errorf("load wallet: %w", err)
	}
	rpcClient, err := chain.Dial(cfg.Chain.RPCURL)
	if err != nil {
		return fmt.Errorf("dial rpc: %w", err)
	}
	defer rpcClient.Close()

	contract := chain.New(rpcClient, common.HexToAddress(cfg.Chain.Contract),
		chain.WithSigner(key),
		chain.WithConfirmations(cfg.Chain.Confirmations),
		chain.WithPollInterval(cfg.Chain.PollInterval.Duration),
		chain.WithGasHeadroom(cfg.Chain.GasHeadroom),
	)

	metrics := observability.Mint()
	hub := NewPreviewHub(32, logger)

	effectOpts := []effects.Option{
		effects.WithLogger(logger),
		effects.WithMetrics(metrics),
		effects.WithTimeout(cfg.Gateway.EffectTimeout.Duration),
	}
	if cfg.Gateway.URL != "" {
		effectOpts = append(effectOpts,
			effects.WithGenerationTrigger(NewGenerationClient(cfg.Gateway.URL, cfg.Gateway.Timeout.Duration)),
			effects.WithConsentRecorder(NewConsentClient(cfg.Gateway.URL, cfg.Gateway.Timeout.Duration)),
		)
	} else {
		logger.Warn("gateway url not configured; post-mint notifications disabled")
	}
	if cfg.Gateway.LedgerPath != "" {
		ledger, err := NewBoltLedger(cfg.Gateway.LedgerPath, nil)
		if err != nil {
			return fmt.Errorf("open effects ledger: %w", err)
		}
		defer ledger.Close()
		effectOpts = append(effectOpts, effects.WithLedger(ledger))
	}
	coordinator := effects.NewCoordinator(effectOpts...)

	var oracle *PriceOracle
	sessionOpts := []session.Option{
		session.WithVariant(cfg.Variant()),
		session.WithWindows(cfg.Windows()),
		session.WithEffects(coordinator),
		session.WithLogger(logger),
		session.WithMetrics(metrics),
		session.WithPreviewFactory(func(seeds [types.CandidateCount]types.Seed, palette types.Palette) *preview.Orchestrator {
			return preview.New(seeds, palette,
				preview.WithRenderer(cfg.Preview.RendererURL),
				preview.WithTimeout(cfg.Preview.Timeout.Duration),
				preview.WithLoader(hub),
				preview.WithLogger(logger),
				preview.WithMetrics(metrics),
			)
		}),
	}
	if !cfg.Price.Disabled && cfg.Variant() == types.VariantPublic {
		oracle = NewPriceOracle(cfg.Price.URL, cfg.Price.Refresh.Duration, logger)
		sessionOpts = append(sessionOpts, session.WithPriceQuote(oracle.Quote))
	}
	sess := session.New(contract, key.Address(), sessionOpts...)
	defer sess.Close()
	unsubscribe := sess.Subscribe(hub.Publish)
	defer unsubscribe()

	poller := NewPoller(sess, cfg.Windows(), cfg.Session.PollInterval.Duration, logger)

	auth := middleware.NewAuthenticator(middleware.AuthConfig{
		Enabled:       !cfg.Auth.Disabled,
		HMACSecret:    cfg.Auth.HMACSecret,
		Issuer:        cfg.Auth.Issuer,
		Audience:      cfg.Auth.Audience,
		OptionalPaths: []string{"/healthz", "/metrics"},
		ClockSkew:     cfg.Auth.ClockSkew.Duration,
	}, logger)
	limiter := middleware.NewRateLimiter(serviceName, map[string]middleware.RateLimit{
		"writes": {RequestsPerMinute: cfg.Session.WritesPerMinute, Burst: 5},
	}, logger)

	server := NewServer(ServerConfig{
		Session:     sess,
		Hub:         hub,
		Poller:      poller,
		Auth:        auth,
		Limiter:     limiter,
		Signer:      key,
		CORSOrigins: cfg.CORSOrigins,
		Logger:      logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go poller.Run(stopCtx)
	if oracle != nil {
		go oracle.Run(stopCtx)
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("mintd listening",
			slog.String("addr", cfg.ListenAddress),
			slog.String("wallet", logging.ShortAddress(key.Address().Hex())),
			slog.String("variant", cfg.Variant().String()),
		)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		coordinator.Wait()
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// EnvWallet loads a hex private key from the configured environment variable.
func EnvWallet(cfg WalletConfig) (*crypto.PrivateKey, error) {
	name := strings.TrimSpace(cfg.PrivateKeyEnv)
	if name == "" {
		return nil, fmt.Errorf("wallet private_key_env not configured")
	}
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, fmt.Errorf("%s is empty", name)
	}
	return crypto.PrivateKeyFromHex(raw)
}
