package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hyperengineering/pantry/internal/connectivity"
	"github.com/hyperengineering/pantry/internal/remote"
	"github.com/hyperengineering/pantry/internal/replication"
	"github.com/hyperengineering/pantry/internal/store"
	"github.com/hyperengineering/pantry/internal/types"
)

// Client is the remote surface a Session needs. remote.Client implements it.
type Client interface {
	remote.Gateway
	remote.Identity
	SetToken(token string)
}

// Config configures a Session.
type Config struct {
	Database string
	// Collections maps local collection names to remote collection ids.
	Collections map[string]string
	// Replication tunes the engine. Its Database and Collections are taken
	// from the fields above.
	Replication replication.Config
	Probe       connectivity.ProbeConfig
	// Offline pins the client offline; no probe runs.
	Offline bool
	// Monitor, when set, replaces the probe.
	Monitor connectivity.Monitor
	// RetryDelay spaces retries of a failed replication start.
	RetryDelay time.Duration
}

// Session binds the local store, the remote and replication to one user.
// Construct it explicitly; nothing is global.
type Session struct {
	store   store.Store
	client  Client
	engine  *replication.Engine
	monitor connectivity.Monitor
	probe   *connectivity.Probe
	ctrl    *connectivity.Controller
	facade  *Facade

	mu      sync.Mutex
	current types.Session
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSession wires a session. It does no I/O; call Restore, Login or
// Register next.
func NewSession(st store.Store, client Client, cfg Config) *Session {
	collections := make(map[string]string, len(types.Collections))
	for _, col := range types.Collections {
		collections[col] = col
		if id, ok := cfg.Collections[col]; ok && id != "" {
			collections[col] = id
		}
	}

	rc := cfg.Replication
	rc.Database = cfg.Database
	rc.Collections = collections
	engine := replication.NewEngine(st, client, rc)

	s := &Session{store: st, client: client, engine: engine}
	switch {
	case cfg.Monitor != nil:
		s.monitor = cfg.Monitor
	case cfg.Offline:
		s.monitor = connectivity.NewManual(false)
	default:
		// Reachable until the probe says otherwise.
		cfg.Probe.Online = true
		s.probe = connectivity.NewProbe(client, cfg.Probe)
		s.monitor = s.probe
	}
	s.ctrl = connectivity.NewController(s.monitor, engine, cfg.RetryDelay)
	s.facade = NewFacade(st, client, s.monitor, engine, FacadeConfig{
		Database:    cfg.Database,
		Collections: collections,
		Now:         rc.Now,
	})
	return s
}

// Facade returns the data surface of the session.
func (s *Session) Facade() *Facade { return s.facade }

// Engine returns the replication engine.
func (s *Session) Engine() *replication.Engine { return s.engine }

// Monitor returns the connectivity monitor.
func (s *Session) Monitor() connectivity.Monitor { return s.monitor }

// Current returns the active identity.
func (s *Session) Current() types.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Restore resumes the cached session without contacting the remote, so it
// works offline. It fails with ErrAuth when nobody is logged in.
func (s *Session) Restore(ctx context.Context) (types.Session, error) {
	sess, err := s.store.Session(ctx)
	if err != nil {
		return types.Session{}, err
	}
	if !sess.IsLoggedIn || sess.Token == "" {
		return types.Session{}, fmt.Errorf("restore session: not logged in: %w", types.ErrAuth)
	}

	s.client.SetToken(sess.Token)
	s.mu.Lock()
	s.current = sess
	s.mu.Unlock()
	return sess, nil
}

// Login authenticates against the remote and caches the session locally.
func (s *Session) Login(ctx context.Context, email, password string) (types.Session, error) {
	sess, err := s.client.Login(ctx, remote.Credentials{Email: email, Password: password})
	if err != nil {
		return types.Session{}, err
	}
	return s.adopt(ctx, *sess)
}

// Register creates an account, logs it in and caches the session.
func (s *Session) Register(ctx context.Context, email, password, name string) (types.Session, error) {
	sess, err := s.client.Register(ctx, remote.Registration{Email: email, Password: password, Name: name})
	if err != nil {
		return types.Session{}, err
	}
	return s.adopt(ctx, *sess)
}

// adopt makes sess current. Local data belonging to a different user is
// discarded first.
func (s *Session) adopt(ctx context.Context, sess types.Session) (types.Session, error) {
	prev, err := s.store.Session(ctx)
	if err != nil {
		return types.Session{}, err
	}
	if prev.UserID != "" && prev.UserID != sess.UserID {
		s.Stop()
		slog.Info("different user logged in, resetting local store",
			"component", "app",
			"action", "reset_store",
			"previous_user", prev.UserID,
			"user", sess.UserID,
		)
		if err := s.store.Reset(ctx); err != nil {
			return types.Session{}, err
		}
	}

	if err := s.store.SaveSession(ctx, sess); err != nil {
		return types.Session{}, err
	}
	s.engine.ClearAuth()

	s.mu.Lock()
	s.current = sess
	s.mu.Unlock()

	slog.Info("logged in",
		"component", "app",
		"action", "login",
		"user", sess.UserID,
	)
	return sess, nil
}

// Logout stops replication, revokes the remote session and forgets the
// token. An unreachable remote does not prevent a local logout. Pending
// local writes stay queued for the next login of the same user.
func (s *Session) Logout(ctx context.Context) error {
	s.Stop()

	err := s.client.Logout(ctx)
	if err != nil && !errors.Is(err, types.ErrNetwork) {
		return err
	}
	if err != nil {
		slog.Warn("remote logout failed, logging out locally",
			"component", "app",
			"action", "logout",
			"error", err,
		)
	}

	if err := s.store.ClearSession(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.current = types.Session{}
	s.mu.Unlock()
	return nil
}

// Run probes connectivity and keeps replication in step with it until ctx
// is cancelled or Stop is called.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if !s.current.IsLoggedIn {
		s.mu.Unlock()
		return fmt.Errorf("run session: %w", types.ErrAuth)
	}
	if s.cancel != nil {
		s.mu.Unlock()
		return errors.New("run session: already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.cancel = nil
		s.done = nil
		s.mu.Unlock()
		close(done)
	}()

	var wg sync.WaitGroup
	if s.probe != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.probe.Run(runCtx)
		}()
	}
	s.ctrl.Run(runCtx)
	cancel()
	wg.Wait()
	return nil
}

// Stop ends Run and waits for replication to halt.
func (s *Session) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	s.engine.Stop()
}

// Close stops the session and closes the local store.
func (s *Session) Close() error {
	s.Stop()
	return s.store.Close()
}
