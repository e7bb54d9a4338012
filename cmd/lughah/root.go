package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/hyperengineering/lughah/internal/config"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var (
	userOverride string
	jsonOutput   bool
)

var rootCmd = &cobra.Command{
	Use:          "lughah",
	Short:        "Lughah - offline-first progress sync",
	Long:         "Track streaks, XP and word reviews locally and keep them in sync with the progress backend.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&userOverride, "user", "",
		"Learner id (overrides config and LUGHAH_USER_ID)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output in JSON format")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(streakCmd)
	rootCmd.AddCommand(xpCmd)
	rootCmd.AddCommand(reviewCmd)
	rootCmd.AddCommand(dueCmd)
	rootCmd.AddCommand(lessonCmd)
	rootCmd.AddCommand(settingsCmd)
	rootCmd.AddCommand(queueCmd)
}

// loadConfig loads configuration and installs the configured logger as the
// slog default.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if userOverride != "" {
		cfg.User.ID = userOverride
	}
	slog.SetDefault(newLogger(cmd.ErrOrStderr(), cfg.Log))
	return cfg, nil
}

// newLogger builds the process logger. Logs go to w so command output on
// stdout stays machine-readable.
func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTable returns a table writer rendering to w.
func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	return t
}
