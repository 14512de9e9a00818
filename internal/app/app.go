// Package app holds the bootstrap sequence shared by all four cmd/
// entry points: load config, open the store, build the secrets client,
// connect the broker, build the quota selector. Each process entry point
// differs only in which runners it hands to internal/supervisor, so this
// package factors out the otherwise-identical setup the way the teacher
// factors repeated CLI-command setup into internal/cli/helpers.go.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/taskops/engine/internal/broker"
	"github.com/taskops/engine/internal/config"
	"github.com/taskops/engine/internal/quota"
	"github.com/taskops/engine/internal/secrets"
	"github.com/taskops/engine/internal/store"
)

// App holds every shared collaborator a process entry point's runners are
// built from.
type App struct {
	Config  *config.Config
	Store   *store.Store
	Secrets *secrets.LocalClient
	Broker  *broker.Broker
	Quota   *quota.Selector
	Log     *slog.Logger
}

// Open loads configuration and connects every shared collaborator in the
// order they depend on each other (store before secrets, both before
// quota, broker independently). Callers must defer Close.
func Open(ctx context.Context, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("app: load config: %w", err)
	}
	if err := cfg.RequireEncryptionKey(); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	st, err := store.Open(ctx, cfg.Dialect(), cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("app: open store: %w", err)
	}

	secretsClient, err := secrets.NewLocalClient(st, cfg.EncryptionKey)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("app: build secrets client: %w", err)
	}

	br, err := broker.Connect(ctx, cfg.NATSURL, broker.WithLogger(log))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("app: connect broker: %w", err)
	}

	selector := quota.New(st, secretsClient, cfg)

	return &App{
		Config:  cfg,
		Store:   st,
		Secrets: secretsClient,
		Broker:  br,
		Quota:   selector,
		Log:     log,
	}, nil
}

// Close tears down the broker and the database, in that order — the
// reverse of Open, matching §4.13's "closes the broker channel and the
// database" shutdown sequence.
func (a *App) Close() {
	if err := a.Broker.Close(); err != nil {
		a.Log.Error("app: close broker", "error", err)
	}
	if err := a.Store.Close(); err != nil {
		a.Log.Error("app: close store", "error", err)
	}
}
