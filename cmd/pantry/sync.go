package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/pantry/internal/types"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push pending local changes and pull remote ones once",
	Args:  cobra.NoArgs,
	RunE:  runSync,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connectivity, replication and local store state",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Replicate continuously until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runWatch,
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	e, err := openLoggedIn(ctx, cmd, false)
	if err != nil {
		return err
	}
	defer e.Close()

	if err := e.facade.SyncNow(ctx); err != nil {
		if errors.Is(err, types.ErrOffline) {
			return fmt.Errorf("cannot sync while offline: %w", err)
		}
		return fmt.Errorf("sync: %w", err)
	}
	return printStatus(ctx, cmd, e)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	e, err := openEnv(ctx, cmd, false)
	if err != nil {
		return err
	}
	defer e.Close()
	return printStatus(ctx, cmd, e)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	e, err := openLoggedIn(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer e.Close()

	statuses, unsubscribe := e.session.Engine().Subscribe()
	defer unsubscribe()
	go func() {
		for s := range statuses {
			slog.Info("replication status",
				"component", "cli",
				"mode", s.Mode,
				"health", s.Health,
				"failures", s.Failures,
			)
		}
	}()

	fmt.Fprintln(cmd.OutOrStdout(), "Watching for changes, press Ctrl-C to stop.")
	if err := e.session.Run(ctx); err != nil {
		return err
	}
	return printStatus(context.WithoutCancel(ctx), cmd, e)
}

func printStatus(ctx context.Context, cmd *cobra.Command, e *env) error {
	st, err := e.facade.Status(ctx)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), st)
	}

	out := cmd.OutOrStdout()
	online := "offline"
	if st.Online {
		online = "online"
	}
	fmt.Fprintf(out, "Remote:       %s (%s)\n", e.cfg.Remote.Endpoint, online)
	fmt.Fprintf(out, "Replication:  %s, %s\n", st.Replication.Mode, st.Replication.Health)
	if st.Replication.LastError != "" {
		fmt.Fprintf(out, "Last error:   %s\n", st.Replication.LastError)
	}
	fmt.Fprintf(out, "Pending:      %d\n", st.Store.PendingOutbox)
	if st.Store.OldestPending != nil {
		fmt.Fprintf(out, "Oldest:       %s\n", st.Store.OldestPending.Format("2006-01-02 15:04:05"))
	}

	w := newTabWriter(out)
	fmt.Fprintln(w, "\nCOLLECTION\tDOCUMENTS\tCHECKPOINT")
	for _, col := range types.Collections {
		fmt.Fprintf(w, "%s\t%d\t%d\n", col, st.Store.Documents[col], st.Store.Checkpoints[col])
	}
	return w.Flush()
}
