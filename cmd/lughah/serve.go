package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/lughah/internal/api"
	"github.com/hyperengineering/lughah/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reference progress backend",
	Long:  "Serve the row-level progress API over a local SQLite database.",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(cmd.Context(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Load configuration and logger
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.ValidateServer(); err != nil {
		return err
	}
	slog.Info("configuration loaded", "level", cfg.Log.Level)

	// 3. Initialize store (migrations, WAL mode)
	db, err := store.NewSQLiteStore(cfg.Server.DatabasePath)
	if err != nil {
		return err
	}
	slog.Info("store initialized", "path", cfg.Server.DatabasePath)

	// 4. Initialize HTTP router
	handler := api.NewHandler(db, cfg.Auth.APIKey, Version)
	limiter := api.NewWriteRateLimiter(cfg.Server.WriteRateLimit, cfg.Server.WriteBurst)
	router := api.NewRouter(handler, limiter)
	slog.Info("router initialized",
		"write_rate_limit", cfg.Server.WriteRateLimit,
		"write_burst", cfg.Server.WriteBurst,
	)

	// 5. Configure HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	// 6. Start HTTP server in goroutine
	go func() {
		slog.Info("server starting", "address", addr)
		// Any error other than ErrServerClosed triggers shutdown.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	// 7. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	// 8. Graceful shutdown sequence
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	// 8a. Stop HTTP server (drains in-flight requests)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// 8b. Close store
	if err := db.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}
