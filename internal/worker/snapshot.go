// Package worker runs pantryd's background jobs.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hyperengineering/pantry/internal/snapshot"
)

// latestFile is the local name of the newest snapshot.
const latestFile = "latest.db"

// Snapshotter is the database surface the snapshot worker needs.
// docserver.DB implements it.
type Snapshotter interface {
	// Snapshot writes a consistent copy of the database to dest, which must
	// not exist.
	Snapshot(ctx context.Context, dest string) error
	Revision(ctx context.Context) (int64, error)
}

// SnapshotWorker periodically snapshots the backend database into Dir and
// ships each snapshot through the uploader.
type SnapshotWorker struct {
	db       Snapshotter
	uploader snapshot.Uploader
	dir      string
	project  string
	interval time.Duration
	now      func() time.Time
}

// SnapshotConfig configures a SnapshotWorker.
type SnapshotConfig struct {
	Dir      string
	Project  string
	Interval time.Duration
	Now      func() time.Time
}

// NewSnapshotWorker creates a snapshot worker. A nil uploader keeps
// snapshots local.
func NewSnapshotWorker(db Snapshotter, uploader snapshot.Uploader, cfg SnapshotConfig) *SnapshotWorker {
	if uploader == nil {
		uploader = snapshot.NoopUploader{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Project == "" {
		cfg.Project = "pantry"
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &SnapshotWorker{
		db:       db,
		uploader: uploader,
		dir:      cfg.Dir,
		project:  cfg.Project,
		interval: cfg.Interval,
		now:      cfg.Now,
	}
}

// Run takes a snapshot immediately, then on each interval, until ctx is
// cancelled.
func (w *SnapshotWorker) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "snapshot",
		"action", "worker_started",
		"interval", w.interval.String(),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "snapshot",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

func (w *SnapshotWorker) runOnce(ctx context.Context) {
	path, err := w.Take(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Warn("snapshot failed",
			"component", "worker",
			"worker", "snapshot",
			"action", "snapshot_failed",
			"error", err,
		)
		return
	}
	w.upload(ctx, path)
}

// Take writes a snapshot to Dir/latest.db, replacing the previous one only
// once the new copy is complete, and returns its path.
func (w *SnapshotWorker) Take(ctx context.Context) (string, error) {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}

	tmp := filepath.Join(w.dir, fmt.Sprintf(".snapshot-%d.db", w.now().UnixNano()))
	if err := w.db.Snapshot(ctx, tmp); err != nil {
		os.Remove(tmp)
		return "", err
	}

	path := filepath.Join(w.dir, latestFile)
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("replace snapshot: %w", err)
	}

	rev, _ := w.db.Revision(ctx)
	slog.Info("snapshot written",
		"component", "worker",
		"worker", "snapshot",
		"action", "snapshot_written",
		"path", path,
		"revision", rev,
	)
	return path, nil
}

// upload ships path under a timestamped key and the latest key. Failures
// are logged; the local snapshot stays valid.
func (w *SnapshotWorker) upload(ctx context.Context, path string) {
	keys := []string{snapshot.ObjectKey(w.project, w.now()), snapshot.LatestKey(w.project)}
	for _, key := range keys {
		if err := w.uploader.Upload(ctx, key, path); err != nil {
			slog.Warn("snapshot upload failed",
				"component", "worker",
				"worker", "snapshot",
				"action", "snapshot_upload_failed",
				"key", key,
				"error", err,
			)
			return
		}
	}

	if _, ok := w.uploader.(snapshot.NoopUploader); ok {
		return
	}
	slog.Info("snapshot uploaded",
		"component", "worker",
		"worker", "snapshot",
		"action", "snapshot_uploaded",
		"keys", keys,
	)
}
