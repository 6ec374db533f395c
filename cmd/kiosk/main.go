package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/oarkflow/kiosklicense/pkg/activation"
	"github.com/oarkflow/kiosklicense/pkg/bridge"
	"github.com/oarkflow/kiosklicense/pkg/client"
	"github.com/oarkflow/kiosklicense/pkg/config"
	"github.com/oarkflow/kiosklicense/pkg/protocol"
	"github.com/oarkflow/kiosklicense/pkg/runner"
	"github.com/oarkflow/kiosklicense/pkg/utils"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg, err := config.LoadKiosk()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	mode := flag.String("login", "auto", "Login mode: auto, env, prompt or verify")
	logout := flag.Bool("logout", false, "Forget the stored session and exit")
	flag.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "Licensing server URL")
	flag.BoolVar(&cfg.BridgeEnabled, "bridge", cfg.BridgeEnabled, "Serve the handset login bridge")
	flag.Parse()

	logger := config.NewLogger(os.Stderr, cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)
	if err := run(cfg, *mode, *logout, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("kiosk stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.KioskConfig, mode string, logout bool, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api, err := client.New(client.Config{
		ConfigDir:          cfg.ConfigDir,
		SessionFile:        cfg.SessionFile,
		ServerURL:          cfg.ServerURL,
		AppName:            cfg.AppName,
		AppVersion:         cfg.AppVersion,
		HTTPTimeout:        cfg.HTTPTimeout,
		CACertPath:         cfg.CACert,
		AllowInsecureHTTP:  cfg.AllowInsecureHTTP,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	})
	if err != nil {
		return err
	}
	fingerprint, err := client.DeviceFingerprint()
	if err != nil {
		return fmt.Errorf("failed to fingerprint device: %w", err)
	}
	blobs, err := client.NewFileBlobStore(api.SessionPath(), fingerprint)
	if err != nil {
		return err
	}

	b := bridge.New()
	store := client.NewSessionStore(api, blobs,
		client.WithStoreLogger(logger),
		client.WithPublisher(b),
	)
	if logout {
		store.Logout()
		fmt.Println("🔒 Session cleared")
		return nil
	}
	if restored, err := store.Restore(ctx); err != nil {
		logger.Warn("could not restore previous session", "error", err)
	} else if restored {
		logger.Info("restored previous session", "path", blobs.Path())
	}

	kiosk := activation.NewKiosk(store, api.ServerURL(), fingerprint)
	r, err := runner.NewRunner(runner.Config[*client.Session]{
		ClientFactory: func() (runner.Client[*client.Session], error) { return kiosk, nil },
		Activation: activation.ForMode(mode,
			activation.Credentials{Email: cfg.Email, Password: cfg.Password},
			activation.PromptIO{In: os.Stdin, Out: os.Stdout},
		),
		Watch: activation.Watch(store,
			client.WithRevalidateInterval(cfg.RevalidateInterval),
			client.WithExpiryCheck(cfg.ExpiryCheck),
			client.WithWatchdogLogger(logger),
		),
		Logger: logger,
	})
	if err != nil {
		return err
	}

	return r.Run(ctx, func(ctx context.Context, session *client.Session) error {
		fmt.Printf("✅ Licensed to %s (%s)\n", session.Account.Email, session.Account.Role)
		if session.Account.Role != protocol.RoleSuperadmin {
			fmt.Printf("   Subscription valid until %s\n", session.ExpiresAt.Local().Format("2006-01-02 15:04"))
		}
		fmt.Printf("   Models: %v\n", session.Account.Models)

		g, gctx := errgroup.WithContext(ctx)
		if cfg.BridgeEnabled {
			srv, err := bridge.NewServer(b, bridge.ServerOptions{
				Addr:        cfg.BridgeAddr,
				RateLimiter: utils.NewRateLimiter(30, 0),
				Logger:      logger,
			})
			if err != nil {
				return err
			}
			g.Go(func() error { return srv.Start(gctx) })
		}
		g.Go(func() error {
			<-gctx.Done()
			if !store.IsLocallyValid() {
				fmt.Println("🔒 Session ended; the kiosk is locked until the next login")
			}
			return nil
		})
		return g.Wait()
	})
}
