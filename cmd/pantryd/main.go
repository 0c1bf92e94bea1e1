package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"

	"github.com/hyperengineering/pantry/internal/config"
	"github.com/hyperengineering/pantry/internal/docserver"
	"github.com/hyperengineering/pantry/internal/logging"
	"github.com/hyperengineering/pantry/internal/snapshot"
	"github.com/hyperengineering/pantry/internal/types"
	"github.com/hyperengineering/pantry/internal/worker"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "pantryd",
	Short:         "pantryd - document service for pantry clients",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "",
		"Config file (overrides PANTRY_CONFIG_PATH)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "pantryd:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.ValidateServer(); err != nil {
		return err
	}

	closeLog, err := logging.Setup(cfg.Log, os.Stdout)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer closeLog()
	slog.Info("logger initialized", "level", cfg.Log.Level)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
	if err != nil {
		return err
	}
	return serve(ctx, cfg, ln)
}

// serve runs the document service on ln until ctx is cancelled, then shuts
// down gracefully.
func serve(ctx context.Context, cfg *config.Config, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// 1. Open the backend database (migrations applied)
	if err := os.MkdirAll(filepath.Dir(cfg.Server.DatabasePath), 0o755); err != nil {
		return fmt.Errorf("create database dir: %w", err)
	}
	db, err := docserver.OpenDB(cfg.Server.DatabasePath)
	if err != nil {
		return err
	}
	slog.Info("database initialized", "path", cfg.Server.DatabasePath)

	// 2. Build the HTTP handler
	secret := cfg.Server.JWTSecret
	if secret == "" {
		secret = ulid.Make().String()
		slog.Warn("no JWT secret configured, using an ephemeral one; sessions end on restart",
			"component", "pantryd",
		)
	}
	handler, err := docserver.New(db, docserver.Config{
		Project: cfg.Server.ProjectID,
		Version: Version,
		Collections: map[string]string{
			cfg.Remote.RecipesCollection: types.CollectionRecipes,
			cfg.Remote.ListsCollection:   types.CollectionShoppingLists,
		},
		JWTSecret:  secret,
		SessionTTL: time.Duration(cfg.Server.SessionTTL),
	})
	if err != nil {
		db.Close()
		return err
	}

	srv := &http.Server{
		Handler:      handler,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	// 3. Background workers
	uploader, err := snapshot.NewUploader(cfg.SnapshotStorage)
	if err != nil {
		db.Close()
		return err
	}
	snapshots := worker.NewSnapshotWorker(db, uploader, worker.SnapshotConfig{
		Dir:      cfg.Snapshot.Path,
		Project:  cfg.Server.ProjectID,
		Interval: time.Duration(cfg.Snapshot.Interval),
	})

	var wg sync.WaitGroup
	startWorker(ctx, &wg, "snapshot", snapshots.Run)

	// 4. Serve until cancelled or the listener fails
	go func() {
		slog.Info("server starting", "address", ln.Addr().String())
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	wg.Wait()
	if err := db.Close(); err != nil {
		slog.Error("database close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

// startWorker launches a background worker goroutine tracked by wg.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		fn(ctx)
		slog.Debug("worker exited", "worker", name)
	}()
}
