// Command screentrail-backend serves an in-memory remote backend for
// development and end-to-end testing of submit and sync.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"screentrail/internal/cli"
	"screentrail/internal/health"
	"screentrail/internal/logging"
	"screentrail/internal/metrics"
	"screentrail/internal/remote"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	addr := flag.String("addr", envOr("SCREENTRAIL_BACKEND_ADDR", "127.0.0.1:8080"), "listen address")
	token := flag.String("token", os.Getenv("SCREENTRAIL_BACKEND_TOKEN"), "bearer token required from clients")
	rate := flag.Float64("rate", envFloat("SCREENTRAIL_BACKEND_RATE", 20), "requests per second per client (0 disables)")
	burst := flag.Int("burst", 40, "rate limit burst")
	level := flag.String("log-level", envOr("SCREENTRAIL_BACKEND_LOG_LEVEL", "info"), "log level")
	flag.Parse()

	lvl, err := logging.ParseLevel(*level)
	if err != nil {
		return err
	}
	logCfg := logging.DefaultConfig()
	logCfg.Level = lvl
	logCfg.Format = logging.FormatJSON
	logCfg.Output = "stdout"
	logCfg.Component = "backend"
	logger, err := logging.New(logCfg)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logger.Close()
	logging.SetDefault(logger)

	backend := remote.NewMemory()
	stats := metrics.NewBackendMetrics(nil)
	stats.ObserveStore(backend.SessionCount, backend.ObjectCount)

	checker := health.NewChecker()
	checker.RegisterFunc("store", true, func(ctx context.Context) health.CheckResult {
		return health.CheckResult{
			Status:  health.StatusHealthy,
			Message: "in-memory store ready",
			Details: map[string]any{
				"sessions": backend.SessionCount(),
				"objects":  backend.ObjectCount(),
			},
		}
	})

	srv := &http.Server{
		Addr: *addr,
		Handler: remote.NewHandler(backend, remote.HandlerOptions{
			Token:     *token,
			RateLimit: *rate,
			Burst:     *burst,
			Logger:    logger.Logger,
			Health:    checker.Handler(),
			Metrics:   stats,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("backend listening", "addr", *addr, "protected", *token != "", "version", cli.Version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return def
}
