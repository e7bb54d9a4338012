package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/lughah/pkg/lughah"
)

var (
	syncWatch bool
	syncPull  bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay queued progress against the backend",
	Long: "Run one sync pass over the offline queue, word progress and pending XP.\n" +
		"With --watch, keep syncing on the configured interval until interrupted.",
	Args: cobra.NoArgs,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().BoolVar(&syncWatch, "watch", false, "Keep syncing until interrupted")
	syncCmd.Flags().BoolVar(&syncPull, "pull", false, "Pull remote word progress before syncing")
}

func runSync(cmd *cobra.Command, args []string) error {
	if syncWatch {
		return runSyncWatch(cmd)
	}

	s, err := openClient(cmd, false)
	if err != nil {
		return err
	}
	defer s.close(cmd)

	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	result := map[string]any{}

	if syncPull {
		pulled, err := s.client.PullWordProgress(ctx)
		if err != nil {
			return offlineHint(err)
		}
		result["pull"] = pulled
		if !jsonOutput {
			fmt.Fprintf(out, "Pulled word progress: %d updated, %d kept local\n", pulled.Updated, pulled.Kept)
		}
	}

	pass, err := s.client.ProcessPending(ctx)
	if errors.Is(err, lughah.ErrOffline) {
		return offlineHint(err)
	}
	result["pass"] = pass
	if err != nil {
		result["error"] = err.Error()
	}

	if jsonOutput {
		if perr := printJSON(out, result); perr != nil {
			return perr
		}
		return err
	}

	fmt.Fprintf(out, "Queue:         %d synced, %d failed, %d dead-lettered\n",
		pass.Queue.Synced, pass.Queue.Failed, pass.Queue.DeadLettered)
	fmt.Fprintf(out, "Word progress: %d synced, %d failed\n", pass.Words.Synced, pass.Words.Failed)
	if pass.XPFlushed {
		fmt.Fprintln(out, "Pending XP:    flushed")
	} else if pass.XPPending > 0 {
		fmt.Fprintf(out, "Pending XP:    %d still pending\n", pass.XPPending)
	}
	return err
}

// runSyncWatch runs the client's background sync loop until a signal arrives.
func runSyncWatch(cmd *cobra.Command) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	s, err := openClient(cmd, true)
	if err != nil {
		return err
	}
	defer s.close(cmd)

	if !s.client.Online() {
		return offlineHint(lughah.ErrOffline)
	}
	if err := s.client.Initialize(ctx); err != nil {
		return err
	}
	slog.Info("watching for changes", "user_id", s.client.UserID(), "interval", time.Duration(s.cfg.Sync.Interval).String())

	<-ctx.Done()
	slog.Info("shutdown initiated")
	return nil
}

func offlineHint(err error) error {
	if errors.Is(err, lughah.ErrOffline) {
		return fmt.Errorf("%w: set remote.url or LUGHAH_REMOTE_URL", err)
	}
	return err
}
