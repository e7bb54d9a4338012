package main

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/hyperengineering/lughah/internal/syncqueue"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the offline sync queues",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending items",
	Args:  cobra.NoArgs,
	RunE:  runQueueList,
}

var queueFailedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List dead-lettered items",
	Args:  cobra.NoArgs,
	RunE:  runQueueFailed,
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop pending items (word progress is kept)",
	Args:  cobra.NoArgs,
	RunE:  runQueueClear,
}

var queueClearFailedCmd = &cobra.Command{
	Use:   "clear-failed",
	Short: "Drop dead-lettered items",
	Args:  cobra.NoArgs,
	RunE:  runQueueClearFailed,
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Move a dead-lettered item back onto the pending queue",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueRetry,
}

func init() {
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueFailedCmd)
	queueCmd.AddCommand(queueClearCmd)
	queueCmd.AddCommand(queueClearFailedCmd)
	queueCmd.AddCommand(queueRetryCmd)
}

func runQueueList(cmd *cobra.Command, args []string) error {
	s, err := openClient(cmd, false)
	if err != nil {
		return err
	}
	defer s.close(cmd)

	items, err := s.client.Queue(cmd.Context())
	if err != nil {
		return err
	}
	return printItems(cmd, items, "Queue is empty.")
}

func runQueueFailed(cmd *cobra.Command, args []string) error {
	s, err := openClient(cmd, false)
	if err != nil {
		return err
	}
	defer s.close(cmd)

	items, err := s.client.FailedQueue(cmd.Context())
	if err != nil {
		return err
	}
	return printItems(cmd, items, "No failed items.")
}

func runQueueClear(cmd *cobra.Command, args []string) error {
	s, err := openClient(cmd, false)
	if err != nil {
		return err
	}
	defer s.close(cmd)

	if err := s.client.ClearQueue(cmd.Context()); err != nil {
		return err
	}
	return printCleared(cmd, "queue")
}

func runQueueClearFailed(cmd *cobra.Command, args []string) error {
	s, err := openClient(cmd, false)
	if err != nil {
		return err
	}
	defer s.close(cmd)

	if err := s.client.ClearFailedQueue(cmd.Context()); err != nil {
		return err
	}
	return printCleared(cmd, "failed queue")
}

func runQueueRetry(cmd *cobra.Command, args []string) error {
	s, err := openClient(cmd, false)
	if err != nil {
		return err
	}
	defer s.close(cmd)

	item, err := s.client.RetryFailed(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, item)
	}
	fmt.Fprintf(out, "Requeued %s (%s).\n", item.ID, item.Type)
	return nil
}

func printItems(cmd *cobra.Command, items []syncqueue.Item, empty string) error {
	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, map[string]any{
			"items": items,
			"total": len(items),
		})
	}
	if len(items) == 0 {
		fmt.Fprintln(out, empty)
		return nil
	}

	t := newTable(out)
	t.AppendHeader(table.Row{"ID", "Type", "Created", "Retries"})
	for _, it := range items {
		t.AppendRow(table.Row{
			it.ID,
			it.Type,
			it.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			it.RetryCount,
		})
	}
	t.Render()
	return nil
}

func printCleared(cmd *cobra.Command, what string) error {
	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, map[string]any{"cleared": what})
	}
	fmt.Fprintf(out, "Cleared %s.\n", what)
	return nil
}
