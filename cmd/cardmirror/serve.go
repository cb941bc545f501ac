package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/cardmirror/internal/config"
	"github.com/agentworkforce/cardmirror/internal/dedup"
	"github.com/agentworkforce/cardmirror/internal/httpapi"
	"github.com/agentworkforce/cardmirror/internal/mirror"
	"github.com/agentworkforce/cardmirror/internal/schedule"
)

const reconfigureTimeout = time.Minute

func newServeCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Receive webhooks, run the periodic sweep and follow config changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}
	cmd.Flags().DurationVar(&opts.shutdownTimeout, "shutdown-timeout", durationEnv("CARDMIRROR_SHUTDOWN_TIMEOUT", 20*time.Second), "time to drain background work on shutdown")
	cmd.Flags().IntVar(&opts.maxBodyBytes, "max-body-bytes", intEnv("CARDMIRROR_MAX_BODY_BYTES", 1<<20), "largest accepted webhook body")
	return cmd
}

func runServe(ctx context.Context, opts *rootOptions) error {
	logger := opts.logger
	provider, flush := newTracerProvider(logger, opts.trace)
	defer func() { _ = flush(context.Background()) }()

	a, err := newApp(ctx, opts, provider)
	if err != nil {
		return err
	}
	cfg := a.cfg
	deduper, err := dedup.BuildFromDSN(cfg.Webhook.DedupDSN, cfg.Webhook.DedupTTL)
	if err != nil {
		return fmt.Errorf("dedup backend: %w", err)
	}
	defer deduper.Close()

	processor, err := mirror.NewProcessor(a.engine, deduper, logger)
	if err != nil {
		return err
	}
	server := httpapi.NewServer(processor, a.engine, httpapi.ServerConfig{
		WebhookSecret:  cfg.Webhook.Secret,
		CallbackURL:    cfg.Webhook.CallbackURL,
		TriggerToken:   cfg.Server.TriggerToken,
		WebhookTimeout: cfg.Webhook.Timeout,
		MaxBodyBytes:   int64(opts.maxBodyBytes),
		CORSOrigins:    cfg.Server.CORSOrigins,
	}, logger)
	if cfg.Webhook.Secret == "" {
		logger.Warn("TRELLO_WEBHOOK_SECRET not set, webhook deliveries will be rejected")
	}
	runner := schedule.NewRunner(a.engine, schedule.Options{Config: a.engine.Config, Logger: logger})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = runner.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		err := watchConfig(ctx, opts.configPath, logger, func(next *config.Config) {
			rctx, rcancel := context.WithTimeout(ctx, reconfigureTimeout)
			defer rcancel()
			if err := a.engine.Reconfigure(rctx, next); err != nil {
				logger.WithError(err).Error("config reload failed")
				return
			}
			logger.WithField("path", opts.configPath).Info("engine reconfigured")
		})
		if err != nil {
			logger.WithError(err).Warn("config watch stopped")
		}
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(cfg.Server.ListenAddr) }()
	logger.WithField("addr", cfg.Server.ListenAddr).Info("cardmirror listening")

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("server failed: %w", err)
		}
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), opts.shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil && serveErr == nil && !errors.Is(err, http.ErrServerClosed) {
		serveErr = fmt.Errorf("shutdown: %w", err)
	}
	wg.Wait()
	return serveErr
}

// watchConfig follows the config file until ctx is done. Without a file
// there is nothing to watch and it returns at once.
func watchConfig(ctx context.Context, path string, logger *log.Logger, apply func(*config.Config)) error {
	if strings.TrimSpace(path) == "" {
		logger.Info("no config file, live reload disabled")
		return nil
	}
	return config.Watch(ctx, path, logger, apply)
}
