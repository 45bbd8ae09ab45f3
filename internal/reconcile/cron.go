package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const passTimeout = 5 * time.Minute

// Schedule runs the reconciler on a cron schedule (standard cron syntax or
// descriptors like "@every 1m"). The returned cron is already started; the
// caller stops it on shutdown via its Stop method.
func Schedule(r *Reconciler, spec string, logger *slog.Logger) (*cron.Cron, error) {
	if logger == nil {
		logger = slog.Default()
	}

	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), passTimeout)
		defer cancel()
		if _, err := r.Run(ctx); err != nil {
			logger.Error("scheduled reconciliation failed", "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("add reconcile schedule %q: %w", spec, err)
	}

	c.Start()
	return c, nil
}
