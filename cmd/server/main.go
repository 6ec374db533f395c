package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/oarkflow/kiosklicense/pkg/config"
	"github.com/oarkflow/kiosklicense/pkg/licensing"
	"github.com/oarkflow/kiosklicense/pkg/protocol"
	"github.com/oarkflow/kiosklicense/pkg/utils"
)

// ==================== Main ====================

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg, err := config.LoadServer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	flag.StringVar(&cfg.Addr, "http-addr", cfg.Addr, "HTTP server address")
	flag.BoolVar(&cfg.AllowInsecureHTTP, "allow-insecure-http", cfg.AllowInsecureHTTP, "Allow HTTP without TLS (development only)")
	flag.BoolVar(&cfg.BootstrapDemo, "demo", cfg.BootstrapDemo, "Create demo kiosk accounts on startup")
	flag.Parse()

	logger := config.NewLogger(os.Stderr, cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)
	if err := run(cfg, logger); err != nil {
		logger.Error("licensing server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	fmt.Println("╔═══════════════════════════════════════════╗")
	fmt.Println("║    Kiosk Licensing Server                 ║")
	fmt.Println("║    Device-Bound Subscription Licensing    ║")
	fmt.Println("╚═══════════════════════════════════════════╝")
	fmt.Println()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	storage, storageMode, err := licensing.BuildStorage(licensing.StorageOptions{
		Mode:       cfg.Storage,
		SQLitePath: cfg.SQLitePath,
		FilePath:   cfg.StateFile,
	})
	if err != nil {
		return fmt.Errorf("failed to configure storage: %w", err)
	}
	defer func() {
		if err := storage.Close(); err != nil {
			logger.Error("error closing storage", "error", err)
		}
	}()
	logger.Info("📦 storage backend ready", "backend", storageMode)

	keys, err := licensing.LoadCipherKeys(licensing.CipherKeyOptions{
		Mode:     cfg.KeyProvider,
		KeyHex:   cfg.CipherKey,
		NonceHex: cfg.CipherNonce,
		File:     cfg.KeyFile,
	})
	if err != nil {
		return fmt.Errorf("failed to load token cipher keys: %w", err)
	}
	if keys.Source == "ephemeral" {
		logger.Warn("⚠️ ephemeral cipher keys in use; license tokens will not survive a restart")
	}
	cipher, err := licensing.NewTokenCipher(keys.Key, keys.Nonce)
	if err != nil {
		return err
	}
	logger.Info("🔑 token cipher initialised", "source", keys.Source)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	lm, err := licensing.NewLicenseManager(storage, cipher, cfg.JWTSecret,
		licensing.WithLogger(logger),
		licensing.WithMetrics(licensing.NewMetrics(registry)),
		licensing.WithSessionTTL(cfg.SessionTTL),
		licensing.WithDefaultModels(cfg.DefaultModels),
		licensing.WithDefaultDurationDays(cfg.DefaultDurationDays),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize license manager: %w", err)
	}

	root, generated, err := lm.EnsureSuperadmin(ctx, cfg.SuperadminEmail, cfg.SuperadminPassword)
	if err != nil {
		return fmt.Errorf("failed to initialize superadmin: %w", err)
	}
	if root != nil {
		logger.Info("🆕 superadmin created", "email", root.Email)
		if generated != "" {
			fmt.Printf("   Temporary password: %s\n", generated)
			fmt.Println("   Rotate this credential immediately.")
		}
	}
	if cfg.BootstrapDemo {
		if err := createDemoData(ctx, lm, logger); err != nil {
			logger.Warn("⚠️ failed to bootstrap demo data", "error", err)
		}
	}

	opts := licensing.ServerOptions{
		Addr:              cfg.Addr,
		RateLimiter:       utils.NewRateLimiter(cfg.RateLimit, cfg.RateWindow),
		TLSCertPath:       cfg.TLSCert,
		TLSKeyPath:        cfg.TLSKey,
		ClientCAPath:      cfg.ClientCA,
		AllowInsecureHTTP: cfg.AllowInsecureHTTP,
		TrustProxyHeaders: cfg.TrustProxyHeaders,
		Logger:            logger,
	}
	if cfg.MetricsEnabled {
		opts.Gatherer = registry
	}
	server, err := licensing.NewServer(lm, opts)
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}
	switch {
	case cfg.TLSCert == "" || cfg.TLSKey == "":
		logger.Warn("⚠️ TLS disabled; set LICENSE_SERVER_TLS_CERT and LICENSE_SERVER_TLS_KEY to enable HTTPS")
	case cfg.ClientCA != "":
		logger.Info("🔒 mTLS enabled", "client_ca", cfg.ClientCA)
	default:
		logger.Info("🔒 TLS certificate configured (server-only mode)")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("🚀 licensing server listening", "addr", cfg.Addr)
		return server.Start(gctx)
	})
	g.Go(func() error {
		return licensing.NewExpiryWatchdog(lm, cfg.SweepInterval).Run(gctx)
	})
	return g.Wait()
}

func createDemoData(ctx context.Context, lm *licensing.LicenseManager, logger *slog.Logger) error {
	logger.Info("📋 creating demo kiosk accounts")
	seeds := []protocol.CreateAccountRequest{
		{Email: "kiosk-rental@example.com", Password: "demo-password", Type: "rental", DurationDays: 30, Models: []string{"predefined"}},
		{Email: "kiosk-trial@example.com", Password: "demo-password", Type: "rental", DurationDays: 7},
		{Email: "kiosk-owned@example.com", Password: "demo-password", Type: "permanent", Models: []string{"predefined", "gemma"}},
	}
	for _, seed := range seeds {
		account, sub, err := lm.CreateAccount(ctx, nil, seed)
		if err != nil {
			if protocol.AsError(err).Reason == protocol.ReasonAccountExists {
				continue
			}
			return fmt.Errorf("create %s: %w", seed.Email, err)
		}
		fmt.Printf("   ✓ %s | %s until %s\n", account.Email, sub.Kind, sub.ExpiresAt.Format("2006-01-02"))
	}
	return nil
}
