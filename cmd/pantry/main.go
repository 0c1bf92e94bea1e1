package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/pantry/internal/app"
	"github.com/hyperengineering/pantry/internal/config"
	"github.com/hyperengineering/pantry/internal/connectivity"
	"github.com/hyperengineering/pantry/internal/logging"
	"github.com/hyperengineering/pantry/internal/remote"
	"github.com/hyperengineering/pantry/internal/replication"
	"github.com/hyperengineering/pantry/internal/store"
	"github.com/hyperengineering/pantry/internal/types"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var (
	configPath string
	offline    bool
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:           "pantry",
	Short:         "pantry - offline-first recipes and shopping lists",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Config file (overrides PANTRY_CONFIG_PATH)")
	rootCmd.PersistentFlags().BoolVar(&offline, "offline", false,
		"Work against the local store only")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output in JSON format")

	rootCmd.AddCommand(recipeCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(whoamiCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "pantry:", err)
		os.Exit(1)
	}
}

// env is everything a command needs, opened from config.
type env struct {
	cfg      *config.Config
	session  *app.Session
	facade   *app.Facade
	closeLog func() error
}

// openEnv loads config and wires a session. Unless live is set, the remote
// is pinged once and an unreachable remote pins the session offline.
func openEnv(ctx context.Context, cmd *cobra.Command, live bool) (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	closeLog, err := logging.Setup(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Local.Path), 0o755); err != nil {
		closeLog()
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewSQLiteStore(cfg.Local.Path)
	if err != nil {
		closeLog()
		return nil, err
	}

	client, err := remote.NewClient(remote.ClientConfig{
		Endpoint: cfg.Remote.Endpoint,
		Project:  cfg.Remote.ProjectID,
		Timeout:  time.Duration(cfg.Remote.RequestTimeout),
	})
	if err != nil {
		st.Close()
		closeLog()
		return nil, err
	}

	pinned := offline
	if !pinned && !live {
		pctx, cancel := context.WithTimeout(ctx, time.Duration(cfg.Replication.ProbeTimeout))
		_, err := client.Ping(pctx)
		cancel()
		if err != nil {
			slog.Warn("remote unreachable, working offline",
				"component", "cli",
				"endpoint", cfg.Remote.Endpoint,
				"error", err,
			)
			pinned = true
		}
	}

	rc := cfg.Replication
	sess := app.NewSession(st, client, app.Config{
		Database:    cfg.Remote.DatabaseID,
		Collections: cfg.Collections(),
		Replication: replication.Config{
			Live:              rc.Live,
			PullBatchSize:     rc.PullBatchSize,
			PushBatchSize:     rc.PushBatchSize,
			RetryBaseDelay:    time.Duration(rc.RetryBaseDelay),
			RetryMaxDelay:     time.Duration(rc.RetryMaxDelay),
			PullInterval:      time.Duration(rc.PullInterval),
			DegradedThreshold: rc.DegradedThreshold,
		},
		Probe: connectivity.ProbeConfig{
			Interval: time.Duration(rc.ProbeInterval),
			Timeout:  time.Duration(rc.ProbeTimeout),
		},
		Offline:    pinned,
		RetryDelay: time.Duration(rc.RetryBaseDelay),
	})

	return &env{cfg: cfg, session: sess, facade: sess.Facade(), closeLog: closeLog}, nil
}

// openLoggedIn opens an env and restores the cached session.
func openLoggedIn(ctx context.Context, cmd *cobra.Command, live bool) (*env, error) {
	e, err := openEnv(ctx, cmd, live)
	if err != nil {
		return nil, err
	}
	if _, err := e.session.Restore(ctx); err != nil {
		e.Close()
		if errors.Is(err, types.ErrAuth) {
			return nil, fmt.Errorf("not logged in, run 'pantry login' first: %w", err)
		}
		return nil, err
	}
	return e, nil
}

func (e *env) Close() {
	if err := e.session.Close(); err != nil {
		slog.Warn("closing local store failed", "component", "cli", "error", err)
	}
	e.closeLog()
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}
