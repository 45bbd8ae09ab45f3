// Package app assembles the service: configuration, logging, database pool,
// Genkit, stores, pipeline, delivery, reconciler, and the HTTP server. All
// wiring lives here so the command layer stays thin.
package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/parleyhq/parley/internal/api"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/delivery"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/pipeline"
	"github.com/parleyhq/parley/internal/reconcile"
)

// App holds every long-lived component plus the cleanups to run on
// shutdown, in reverse construction order.
type App struct {
	Config     *config.Config
	Logger     *slog.Logger
	Metrics    *observability.Metrics
	Pipeline   *pipeline.Pipeline
	Scheduler  *delivery.Scheduler
	Reconciler *reconcile.Reconciler
	Cron       *cron.Cron
	Server     *api.Server

	cleanups []func()
}

// Options tweaks Setup. The zero value is the full production assembly.
type Options struct {
	// SkipCron leaves the reconciler unscheduled; the reconcile command
	// runs single passes instead.
	SkipCron bool
}

// Setup constructs the whole application. On error, everything already
// constructed is torn down before returning.
func Setup(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	a := &App{Config: cfg}

	if err := a.wire(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) onClose(fn func()) {
	a.cleanups = append(a.cleanups, fn)
}

// Close tears the application down in reverse construction order.
func (a *App) Close() {
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		a.cleanups[i]()
	}
	a.cleanups = nil
}
