package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/lughah/pkg/lughah"
)

var (
	lessonScore int
	lessonXP    int64
	lessonWords []string
)

var lessonCmd = &cobra.Command{
	Use:   "lesson",
	Short: "Record lesson progress",
}

var lessonCompleteCmd = &cobra.Command{
	Use:   "complete <lesson-id>",
	Short: "Record a finished lesson",
	Long: "Record a finished lesson: the completion, progress for the lesson's words,\n" +
		"the XP earned and today's streak activity.",
	Args: cobra.ExactArgs(1),
	RunE: runLessonComplete,
}

func init() {
	lessonCompleteCmd.Flags().IntVar(&lessonScore, "score", 100, "Lesson score (0-100)")
	lessonCompleteCmd.Flags().Int64Var(&lessonXP, "xp", 10, "XP earned")
	lessonCompleteCmd.Flags().StringSliceVar(&lessonWords, "words", nil, "Comma-separated ids of the words taught")

	lessonCmd.AddCommand(lessonCompleteCmd)
}

func runLessonComplete(cmd *cobra.Command, args []string) error {
	s, err := openClient(cmd, false)
	if err != nil {
		return err
	}
	defer s.close(cmd)

	res, err := s.client.CompleteLesson(cmd.Context(), lughah.LessonResult{
		LessonID: args[0],
		Score:    lessonScore,
		XP:       lessonXP,
		WordIDs:  lessonWords,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, res)
	}
	fmt.Fprintf(out, "Lesson %s complete.\n", args[0])
	fmt.Fprintf(out, "New words:  %d\n", len(res.NewWords))
	fmt.Fprintf(out, "Total XP:   %d\n", res.XP.TotalXP)
	fmt.Fprintf(out, "Streak:     %d\n", res.Streak.CurrentStreak)
	if res.Queued {
		fmt.Fprintln(out, "Completion queued for sync.")
	}
	return nil
}
