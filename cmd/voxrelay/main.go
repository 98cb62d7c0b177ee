package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/harunnryd/voxrelay/pkg/config"
	"github.com/harunnryd/voxrelay/pkg/logging"
	"github.com/harunnryd/voxrelay/pkg/redact"
	"github.com/harunnryd/voxrelay/pkg/runner"
)

func main() {
	configPath := flag.String("config", os.Getenv("VOXRELAY_CONFIG"), "optional config file (yaml, json or toml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxrelay: %v\n", err)
		os.Exit(1)
	}

	logger := logging.InitLogger(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	redact.SetEnabled(cfg.Privacy.RedactSecrets)

	if cfg.Observability.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.Observability.SentryDSN,
			Environment:      cfg.Environment,
			Release:          "voxrelay@" + runner.Version,
			EnableTracing:    true,
			TracesSampleRate: 0.2,
		})
		if err != nil {
			logger.Warn("sentry init failed", slog.String("error", err.Error()))
		} else {
			logger.Info("sentry initialized")
			defer sentry.Flush(2 * time.Second)
		}
	}

	app := newApp(cfg, logger)
	defer app.Close()

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           app.Handler,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout(),
	}

	var lc *runner.LifecycleRunner
	lc = runner.NewLifecycleRunner(
		runner.DrainFunc(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
			defer cancel()
			return app.Sessions.Drain(ctx)
		}),
		runner.Hooks{
			OnStart: func() error {
				go func() {
					logger.Info("voxrelay listening",
						slog.String("addr", srv.Addr),
						slog.String("ws_path", cfg.Server.WSPath),
						slog.String("environment", cfg.Environment))
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						lc.Fail(fmt.Errorf("http server: %w", err))
					}
				}()
				return nil
			},
			OnStop: func(ctx context.Context) error {
				return srv.Shutdown(ctx)
			},
		},
		cfg.Server.ShutdownTimeout(),
	).WithBanner(os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := lc.Run(ctx); err != nil {
		logger.Error("voxrelay stopped with error", slog.String("error", err.Error()))
		sentry.CaptureException(err)
		sentry.Flush(2 * time.Second)
		os.Exit(1)
	}
	logger.Info("voxrelay stopped")
}
