package main

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/hyperengineering/lughah/internal/srs"
	"github.com/hyperengineering/lughah/internal/types"
)

var dueLimit int

var reviewCmd = &cobra.Command{
	Use:   "review <word-id> <again|hard|good|easy>",
	Short: "Rate a word review and schedule the next one",
	Args:  cobra.ExactArgs(2),
	RunE:  runReview,
}

var dueCmd = &cobra.Command{
	Use:   "due",
	Short: "List words due for review",
	Args:  cobra.NoArgs,
	RunE:  runDue,
}

func init() {
	dueCmd.Flags().IntVar(&dueLimit, "limit", 20, "Maximum number of words to list (0 for all)")
}

func runReview(cmd *cobra.Command, args []string) error {
	rating, err := srs.ParseRating(args[1])
	if err != nil {
		return err
	}

	s, err := openClient(cmd, false)
	if err != nil {
		return err
	}
	defer s.close(cmd)

	res, err := s.client.Review(cmd.Context(), args[0], rating)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, res)
	}
	fmt.Fprintf(out, "%s rated %s: next review in %d day(s) on %s (%s)\n",
		res.Progress.WordID,
		rating,
		res.Progress.Interval,
		res.Progress.NextReview.Local().Format("2006-01-02"),
		res.Progress.Status,
	)
	if res.RatingQueued {
		fmt.Fprintln(out, "Rating queued for sync.")
	}
	return nil
}

func runDue(cmd *cobra.Command, args []string) error {
	s, err := openClient(cmd, false)
	if err != nil {
		return err
	}
	defer s.close(cmd)

	words, err := s.client.DueWords(cmd.Context(), dueLimit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, map[string]any{
			"words": words,
			"total": len(words),
		})
	}
	if len(words) == 0 {
		fmt.Fprintln(out, "No words due.")
		return nil
	}
	printWords(cmd, words)
	return nil
}

func printWords(cmd *cobra.Command, words []types.WordProgressRecord) {
	t := newTable(cmd.OutOrStdout())
	t.AppendHeader(table.Row{"Word", "Status", "Ease", "Interval", "Reps", "Next Review", "Synced"})
	for _, w := range words {
		t.AppendRow(table.Row{
			w.WordID,
			w.Status,
			fmt.Sprintf("%.2f", w.EaseFactor),
			w.Interval,
			w.Repetitions,
			w.NextReview.Local().Format("2006-01-02 15:04"),
			w.IsSynced,
		})
	}
	t.Render()
}
