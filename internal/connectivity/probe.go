package connectivity

import (
	"context"
	"log/slog"
	"time"

	"github.com/hyperengineering/pantry/internal/types"
)

// Pinger is the health check a Probe runs. remote.Client implements it.
type Pinger interface {
	Ping(ctx context.Context) (*types.HealthResponse, error)
}

// ProbeConfig configures a Probe.
type ProbeConfig struct {
	// Interval between checks. Defaults to 15s.
	Interval time.Duration
	// Timeout bounds a single check. Defaults to 5s.
	Timeout time.Duration
	// Threshold is how many consecutive disagreeing results flip the state.
	// Defaults to 2.
	Threshold int
	// Online is the state assumed before the first flip.
	Online bool
}

// Probe is a Monitor that periodically checks the remote.
type Probe struct {
	*notifier
	pinger Pinger
	cfg    ProbeConfig
	streak int
}

// NewProbe creates a probe. Call Run to start checking.
func NewProbe(p Pinger, cfg ProbeConfig) *Probe {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 2
	}
	return &Probe{notifier: newNotifier(cfg.Online), pinger: p, cfg: cfg}
}

// Run checks immediately and then every interval until ctx is cancelled.
func (p *Probe) Run(ctx context.Context) {
	slog.Debug("connectivity probe started",
		"component", "connectivity",
		"interval", p.cfg.Interval.String(),
		"threshold", p.cfg.Threshold,
	)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}

// Check runs one health check and folds it into the debounced state. It
// returns the state after the check. Checks must not run concurrently.
func (p *Probe) Check(ctx context.Context) bool {
	cctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	_, err := p.pinger.Ping(cctx)
	cancel()
	if ctx.Err() != nil {
		return p.Online()
	}

	reachable := err == nil
	if reachable == p.Online() {
		p.streak = 0
		return reachable
	}

	p.streak++
	if p.streak < p.cfg.Threshold {
		return !reachable
	}
	p.streak = 0

	if p.set(reachable) {
		slog.Info("connectivity changed",
			"component", "connectivity",
			"action", "edge",
			"online", reachable,
			"error", err,
		)
	}
	return reachable
}
