package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Manage learner settings",
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <key=value>...",
	Short: "Update learner settings",
	Long: "Update learner settings. Values are read as JSON when they parse\n" +
		"(numbers, true/false, null) and as strings otherwise.\n\n" +
		"Keys: daily_goal, reminder_time, prayer_context, sound_enabled, theme",
	Args: cobra.MinimumNArgs(1),
	RunE: runSettingsSet,
}

func init() {
	settingsCmd.AddCommand(settingsSetCmd)
}

func runSettingsSet(cmd *cobra.Command, args []string) error {
	settings, err := parseSettings(args)
	if err != nil {
		return err
	}

	s, err := openClient(cmd, false)
	if err != nil {
		return err
	}
	defer s.close(cmd)

	queued, err := s.client.UpdateSettings(cmd.Context(), settings)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, map[string]any{
			"settings": settings,
			"queued":   queued,
		})
	}
	if queued {
		fmt.Fprintln(out, "Settings queued for sync.")
		return nil
	}
	fmt.Fprintln(out, "Settings updated.")
	return nil
}

// parseSettings turns key=value arguments into a settings map.
func parseSettings(args []string) (map[string]any, error) {
	settings := make(map[string]any, len(args))
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid setting %q: expected key=value", arg)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		settings[key] = value
	}
	return settings, nil
}
