package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/lughah/internal/streak"
	"github.com/hyperengineering/lughah/internal/types"
	"github.com/hyperengineering/lughah/pkg/lughah"
)

var streakCmd = &cobra.Command{
	Use:   "streak",
	Short: "Show the daily streak",
	Args:  cobra.NoArgs,
	RunE:  runStreakShow,
}

var streakRecordCmd = &cobra.Command{
	Use:   "record",
	Short: "Count today's activity toward the streak",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStreakWrite(cmd, (*lughah.Client).RecordActivity)
	},
}

var streakFreezeCmd = &cobra.Command{
	Use:   "freeze",
	Short: "Spend this week's streak freeze",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStreakWrite(cmd, (*lughah.Client).UseFreeze)
	},
}

func init() {
	streakCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the daily streak",
		Args:  cobra.NoArgs,
		RunE:  runStreakShow,
	})
	streakCmd.AddCommand(streakRecordCmd)
	streakCmd.AddCommand(streakFreezeCmd)
}

func runStreakShow(cmd *cobra.Command, args []string) error {
	s, err := openClient(cmd, false)
	if err != nil {
		return err
	}
	defer s.close(cmd)

	summary, err := s.client.Streak(cmd.Context())
	if err != nil {
		return err
	}
	return printStreak(cmd, summary)
}

func runStreakWrite(cmd *cobra.Command, write func(*lughah.Client, context.Context) (types.StreakRecord, error)) error {
	s, err := openClient(cmd, false)
	if err != nil {
		return err
	}
	defer s.close(cmd)

	if _, err := write(s.client, cmd.Context()); err != nil {
		return err
	}
	summary, err := s.client.Streak(cmd.Context())
	if err != nil {
		return err
	}
	return printStreak(cmd, summary)
}

func printStreak(cmd *cobra.Command, summary streak.Summary) error {
	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, summary)
	}

	fmt.Fprintf(out, "Learner:        %s\n", summary.UserID)
	fmt.Fprintf(out, "Status:         %s\n", summary.Status)
	fmt.Fprintf(out, "Current streak: %d\n", summary.CurrentStreak)
	fmt.Fprintf(out, "Longest streak: %d\n", summary.LongestStreak)
	fmt.Fprintf(out, "Last activity:  %s\n", orDash(summary.LastActivityDate))
	if summary.FreezeAvailable {
		fmt.Fprintln(out, "Freeze:         available")
	} else {
		fmt.Fprintf(out, "Freeze:         used %s, next on %s\n", summary.FreezeUsedAt, summary.NextFreezeDate)
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
