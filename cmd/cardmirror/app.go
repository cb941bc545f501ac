package main

import (
	"context"
	"fmt"

	"github.com/agentworkforce/cardmirror/internal/config"
	"github.com/agentworkforce/cardmirror/internal/mirror"
	"github.com/agentworkforce/cardmirror/internal/trello"
	"go.opentelemetry.io/otel/trace"
)

type app struct {
	cfg    *config.Config
	client *trello.Client
	engine *mirror.Engine
}

func newTrelloClient(cfg *config.Config, opts *rootOptions) *trello.Client {
	return trello.NewClient(trello.ClientOptions{
		BaseURL:    cfg.Trello.BaseURL,
		APIKey:     cfg.Trello.APIKey,
		Token:      cfg.Trello.Token,
		RateLimit:  cfg.Trello.RateLimit,
		RateWindow: cfg.Trello.RateWindow,
		Logger:     opts.logger,
	})
}

// newApp loads configuration and builds an initialized engine.
func newApp(ctx context.Context, opts *rootOptions, provider trace.TracerProvider) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Trello.APIKey == "" || cfg.Trello.Token == "" {
		return nil, fmt.Errorf("%w: TRELLO_API_KEY and TRELLO_TOKEN are required", config.ErrInvalidConfig)
	}
	client := newTrelloClient(cfg, opts)
	engine, err := mirror.NewEngine(mirror.Options{
		Config:         cfg,
		Client:         client,
		Logger:         opts.logger,
		TracerProvider: provider,
	})
	if err != nil {
		return nil, err
	}
	if err := engine.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize engine: %w", err)
	}
	return &app{cfg: cfg, client: client, engine: engine}, nil
}
