// Package replication keeps the local store and the remote document service
// converged: pulls remote changes in revision order and pushes the outbox.
package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hyperengineering/pantry/internal/remote"
	"github.com/hyperengineering/pantry/internal/store"
	"github.com/hyperengineering/pantry/internal/types"
)

// Config configures an Engine.
type Config struct {
	Database string
	// Collections maps local collection names to remote collection ids.
	Collections map[string]string

	Live              bool
	PullBatchSize     int
	PushBatchSize     int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	PullInterval      time.Duration
	SweepInterval     time.Duration
	DegradedThreshold int

	Resolver ConflictResolver
	Now      func() time.Time
}

func (c *Config) applyDefaults() {
	if len(c.Collections) == 0 {
		c.Collections = make(map[string]string, len(types.Collections))
		for _, col := range types.Collections {
			c.Collections[col] = col
		}
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 5 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 5 * time.Minute
	}
	if c.PullInterval <= 0 {
		c.PullInterval = 30 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = c.RetryBaseDelay
	}
	if c.DegradedThreshold <= 0 {
		c.DegradedThreshold = 3
	}
	if c.Resolver == nil {
		c.Resolver = LastWriterWins{}
	}
}

// Engine runs replication for every configured collection.
type Engine struct {
	store store.Store
	cfg   Config
	repls []*Replicator

	mu      sync.Mutex
	status  Status
	offline bool
	cancel  context.CancelFunc
	done    chan struct{}
	subs    map[int]chan Status
	nextSub int
}

// NewEngine creates a stopped engine.
func NewEngine(st store.Store, gw remote.Gateway, cfg Config) *Engine {
	cfg.applyDefaults()

	e := &Engine{
		store: st,
		cfg:   cfg,
		status: Status{
			Mode:        ModeStopped,
			Health:      HealthOK,
			Collections: make(map[string]CollectionStatus),
		},
		subs: make(map[int]chan Status),
	}

	for _, col := range types.Collections {
		remoteID, ok := cfg.Collections[col]
		if !ok {
			continue
		}
		e.repls = append(e.repls, NewReplicator(st, gw, ReplicatorConfig{
			Collection: col,
			Database:   cfg.Database,
			RemoteID:   remoteID,
			Resolver:   cfg.Resolver,
			Schedule:   Schedule{Base: cfg.RetryBaseDelay, Max: cfg.RetryMaxDelay},
			PullBatch:  cfg.PullBatchSize,
			PushBatch:  cfg.PushBatchSize,
			Now:        cfg.Now,
		}))
		e.status.Collections[col] = CollectionStatus{}
	}
	return e
}

// Resolver returns the conflict resolver every replicator applies.
func (e *Engine) Resolver() ConflictResolver {
	return e.cfg.Resolver
}

// Status returns a snapshot of the engine state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status.clone()
}

// Subscribe streams status changes. Slow subscribers miss intermediate
// states. The returned function cancels the subscription.
func (e *Engine) Subscribe() (<-chan Status, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextSub
	e.nextSub++
	ch := make(chan Status, 8)
	e.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			delete(e.subs, id)
			close(ch)
		})
	}
}

// publishLocked notifies subscribers. e.mu must be held.
func (e *Engine) publishLocked() {
	snap := e.status.clone()
	for _, ch := range e.subs {
		select {
		case ch <- snap:
		default:
		}
	}
}

func (e *Engine) setMode(m Mode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status.Mode == m {
		return
	}
	slog.Info("replication mode changed",
		"component", "replication",
		"action", "mode_change",
		"from", e.status.Mode,
		"to", m,
	)
	e.status.Mode = m
	e.publishLocked()
}

// SetOnline records connectivity. Offline overrides other health states
// except auth_required.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.offline = !online
	e.refreshHealthLocked()
	e.publishLocked()
}

func (e *Engine) refreshHealthLocked() {
	switch {
	case e.status.Health == HealthAuthRequired:
	case e.offline:
		e.status.Health = HealthOffline
	case e.status.Failures >= e.cfg.DegradedThreshold:
		e.status.Health = HealthDegraded
	default:
		e.status.Health = HealthOK
	}
}

// ClearAuth lifts auth_required after a successful login.
func (e *Engine) ClearAuth() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status.Health != HealthAuthRequired {
		return
	}
	e.status.Health = HealthOK
	e.status.Failures = 0
	e.refreshHealthLocked()
	e.publishLocked()
}

// Start runs initial sync for collections that are not yet warmed, then
// enters live mode when enabled. An initial sync failure leaves the engine
// stopped and is returned. Starting a running engine is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.status.Mode != ModeStopped {
		e.mu.Unlock()
		return nil
	}
	if e.status.Health == HealthAuthRequired {
		e.mu.Unlock()
		return fmt.Errorf("start replication: %w", types.ErrAuth)
	}
	prev := e.done
	e.mu.Unlock()

	// A loop halted by an auth failure may still be unwinding.
	if prev != nil {
		<-prev
	}

	var cold []*Replicator
	for _, r := range e.repls {
		cp, err := e.store.Checkpoint(ctx, r.Collection())
		if err != nil {
			return err
		}
		if !cp.Warmed {
			cold = append(cold, r)
		}
	}

	if len(cold) > 0 {
		e.setMode(ModeInitial)
		g, gctx := errgroup.WithContext(ctx)
		for _, r := range cold {
			g.Go(func() error {
				res, err := r.InitialSync(gctx)
				e.recordPull(r.Collection(), res, err)
				return err
			})
		}
		if err := g.Wait(); err != nil {
			e.setMode(ModeStopped)
			return fmt.Errorf("initial sync: %w", err)
		}
	}

	if !e.cfg.Live {
		e.setMode(ModeStopped)
		return nil
	}

	e.mu.Lock()
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	e.cancel = cancel
	e.done = done
	e.mu.Unlock()
	e.setMode(ModeLive)

	events, unsubscribe := e.store.Subscribe()
	triggers := make(map[string]chan struct{}, len(e.repls))
	for _, r := range e.repls {
		triggers[r.Collection()] = make(chan struct{}, 1)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer unsubscribe()
		dispatch(loopCtx, events, triggers)
	}()
	for _, r := range e.repls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.loop(loopCtx, r, triggers[r.Collection()])
		}()
	}
	go func() {
		wg.Wait()
		close(done)
	}()
	return nil
}

// dispatch wakes the push side of a collection for every local mutation.
func dispatch(ctx context.Context, events <-chan types.ChangeEvent, triggers map[string]chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Origin != types.OriginLocal {
				continue
			}
			if t, ok := triggers[ev.Collection]; ok {
				select {
				case t <- struct{}{}:
				default:
				}
			}
		}
	}
}

// loop is the single goroutine driving one collection in live mode. Cycles
// run on a context detached from ctx so Stop never interrupts a write.
func (e *Engine) loop(ctx context.Context, r *Replicator, trigger <-chan struct{}) {
	cycleCtx := context.WithoutCancel(ctx)

	pullTicker := time.NewTicker(e.cfg.PullInterval)
	defer pullTicker.Stop()
	sweepTicker := time.NewTicker(e.cfg.SweepInterval)
	defer sweepTicker.Stop()

	e.push(cycleCtx, r)
	e.pull(cycleCtx, r)

	for {
		select {
		case <-ctx.Done():
			return
		case <-trigger:
			e.push(cycleCtx, r)
		case <-sweepTicker.C:
			e.push(cycleCtx, r)
		case <-pullTicker.C:
			e.pull(cycleCtx, r)
		}
	}
}

func (e *Engine) push(ctx context.Context, r *Replicator) error {
	res, err := r.Push(ctx)
	e.recordPush(r.Collection(), res, err)
	return err
}

func (e *Engine) pull(ctx context.Context, r *Replicator) error {
	res, err := r.Pull(ctx)
	e.recordPull(r.Collection(), res, err)
	return err
}

func (e *Engine) syncPull(ctx context.Context, r *Replicator) error {
	cp, err := e.store.Checkpoint(ctx, r.Collection())
	if err != nil {
		return err
	}
	if cp.Warmed {
		return e.pull(ctx, r)
	}
	res, err := r.InitialSync(ctx)
	e.recordPull(r.Collection(), res, err)
	return err
}

// Stop halts live replication and waits for in-flight cycles to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	e.setMode(ModeStopped)
}

// SyncNow runs one push and one pull for every collection. A collection that
// was never warmed gets its initial sync instead of a plain pull. Cycles are
// serialised with the live loops per collection.
func (e *Engine) SyncNow(ctx context.Context) error {
	e.mu.Lock()
	if e.status.Health == HealthAuthRequired {
		e.mu.Unlock()
		return fmt.Errorf("sync: %w", types.ErrAuth)
	}
	e.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range e.repls {
		g.Go(func() error {
			pushErr := e.push(gctx, r)
			if errors.Is(pushErr, types.ErrAuth) {
				return pushErr
			}
			return errors.Join(pushErr, e.syncPull(gctx, r))
		})
	}
	return g.Wait()
}

func (e *Engine) recordPull(collection string, res PullResult, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cs := e.status.Collections[collection]
	cs.Cursor = res.Cursor
	if err == nil {
		cs.LastPull = e.now()
	}
	e.finishCycleLocked(collection, &cs, err, true)
}

func (e *Engine) recordPush(collection string, res PushResult, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cs := e.status.Collections[collection]
	if res.Pushed > 0 || res.Dropped > 0 {
		cs.LastPush = e.now()
	}
	e.finishCycleLocked(collection, &cs, err, res.Pushed+res.Failed+res.Dropped > 0)
}

// finishCycleLocked folds a cycle outcome into health. Only cycles that
// reached the remote reset the failure count. e.mu must be held.
func (e *Engine) finishCycleLocked(collection string, cs *CollectionStatus, err error, didWork bool) {
	if pending, perr := e.store.PendingOutbox(context.Background(), collection); perr == nil {
		cs.Pending = len(pending)
	}

	before := e.status.Health
	switch {
	case err == nil:
		cs.LastError = ""
		if didWork {
			e.status.Failures = 0
		}
	case errors.Is(err, types.ErrAuth):
		cs.LastError = err.Error()
		e.status.LastError = err.Error()
		e.status.Health = HealthAuthRequired
		if e.cancel != nil {
			// Halt the loops; Stop would deadlock from inside one.
			e.cancel()
			e.cancel = nil
			e.status.Mode = ModeStopped
		}
		slog.Error("replication halted: authentication required",
			"component", "replication",
			"action", "auth_required",
			"collection", collection,
			"error", err,
		)
	default:
		cs.LastError = err.Error()
		e.status.LastError = err.Error()
		e.status.Failures++
	}
	e.status.Collections[collection] = *cs

	e.refreshHealthLocked()
	if e.status.Health != before {
		slog.Info("replication health changed",
			"component", "replication",
			"action", "health_change",
			"from", before,
			"to", e.status.Health,
			"failures", e.status.Failures,
		)
	}
	e.publishLocked()
}

func (e *Engine) now() time.Time {
	if e.cfg.Now != nil {
		return e.cfg.Now()
	}
	return time.Now().UTC()
}
