package connectivity

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hyperengineering/pantry/internal/types"
)

// Replicator is the part of replication.Engine the Controller drives.
type Replicator interface {
	Start(ctx context.Context) error
	Stop()
	SetOnline(online bool)
}

// Controller starts replication when the monitor goes online and stops it
// when it goes offline. Writers consult the same monitor to choose between
// the remote and the local outbox.
type Controller struct {
	monitor    Monitor
	engine     Replicator
	retryDelay time.Duration
}

// NewController creates a controller. A failed start is retried after
// retryDelay while still online; zero means 30s.
func NewController(m Monitor, engine Replicator, retryDelay time.Duration) *Controller {
	if retryDelay <= 0 {
		retryDelay = 30 * time.Second
	}
	return &Controller{monitor: m, engine: engine, retryDelay: retryDelay}
}

// Run applies the current state and then every edge until ctx is cancelled.
// Replication is stopped on return.
func (c *Controller) Run(ctx context.Context) {
	edges := make(chan bool, 1)
	unsubscribe := c.monitor.Subscribe(func(online bool) {
		// Keep only the latest edge.
		select {
		case <-edges:
		default:
		}
		edges <- online
	})
	defer unsubscribe()
	defer c.engine.Stop()

	var retry <-chan time.Time
	if !c.apply(ctx, c.monitor.Online()) {
		retry = time.After(c.retryDelay)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case online := <-edges:
			retry = nil
			if !c.apply(ctx, online) {
				retry = time.After(c.retryDelay)
			}
		case <-retry:
			retry = nil
			if c.monitor.Online() && !c.apply(ctx, true) {
				retry = time.After(c.retryDelay)
			}
		}
	}
}

// apply moves replication to match online. It returns false when a start
// failed with something worth retrying.
func (c *Controller) apply(ctx context.Context, online bool) bool {
	if !online {
		c.engine.Stop()
		c.engine.SetOnline(false)
		slog.Info("offline: writes queue locally",
			"component", "connectivity",
			"action", "offline",
		)
		return true
	}

	c.engine.SetOnline(true)
	err := c.engine.Start(ctx)
	switch {
	case err == nil:
		slog.Info("online: replication resumed",
			"component", "connectivity",
			"action", "online",
		)
		return true
	case errors.Is(err, types.ErrAuth), ctx.Err() != nil:
		slog.Warn("replication not started",
			"component", "connectivity",
			"action", "start_failed",
			"error", err,
		)
		return true
	default:
		slog.Warn("replication start failed, will retry",
			"component", "connectivity",
			"action", "start_failed",
			"retry_in", c.retryDelay.String(),
			"error", err,
		)
		return false
	}
}
