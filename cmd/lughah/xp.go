package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/lughah/internal/types"
)

var xpCmd = &cobra.Command{
	Use:   "xp",
	Short: "Show experience points",
	Args:  cobra.NoArgs,
	RunE:  runXPShow,
}

var xpAwardCmd = &cobra.Command{
	Use:   "award <amount>",
	Short: "Award experience points",
	Args:  cobra.ExactArgs(1),
	RunE:  runXPAward,
}

var xpSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Flush XP earned offline to the backend",
	Args:  cobra.NoArgs,
	RunE:  runXPSync,
}

func init() {
	xpCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show experience points",
		Args:  cobra.NoArgs,
		RunE:  runXPShow,
	})
	xpCmd.AddCommand(xpAwardCmd)
	xpCmd.AddCommand(xpSyncCmd)
}

func runXPShow(cmd *cobra.Command, args []string) error {
	s, err := openClient(cmd, false)
	if err != nil {
		return err
	}
	defer s.close(cmd)

	rec, err := s.client.XP(cmd.Context())
	if err != nil {
		return err
	}
	return printXP(cmd, rec)
}

func runXPAward(cmd *cobra.Command, args []string) error {
	amount, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", args[0], err)
	}

	s, err := openClient(cmd, false)
	if err != nil {
		return err
	}
	defer s.close(cmd)

	rec, err := s.client.AwardXP(cmd.Context(), amount)
	if err != nil {
		return err
	}
	return printXP(cmd, rec)
}

func runXPSync(cmd *cobra.Command, args []string) error {
	s, err := openClient(cmd, false)
	if err != nil {
		return err
	}
	defer s.close(cmd)

	rec, flushed, err := s.client.SyncPendingXP(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, map[string]any{
			"flushed":  flushed,
			"total_xp": rec.TotalXP,
		})
	}
	if !flushed {
		fmt.Fprintln(out, "Nothing flushed.")
		return nil
	}
	fmt.Fprintf(out, "Flushed pending XP. Total: %d\n", rec.TotalXP)
	return nil
}

func printXP(cmd *cobra.Command, rec types.XPRecord) error {
	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, rec)
	}
	fmt.Fprintf(out, "%s: %d XP\n", rec.UserID, rec.TotalXP)
	return nil
}
