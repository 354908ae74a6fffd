package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"platesolver/internal/cli"
	"platesolver/internal/config"
	"platesolver/internal/logging"
	"platesolver/internal/prompt"
	"platesolver/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "platesolver: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.Setup(cfg, os.Stderr)
	if err != nil {
		logger = logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
		logger.Warn("file logging disabled", "log_dir", cfg.Logging.LogDir, "error", err)
	}

	// History is optional; the solver works without it.
	var store *storage.Store
	if err := os.MkdirAll(filepath.Dir(cfg.Paths.DatabasePath), 0o755); err != nil {
		logger.Warn("history disabled", "path", cfg.Paths.DatabasePath, "error", err)
	} else if store, err = storage.New(cfg.Paths.DatabasePath); err != nil {
		logger.Warn("history disabled", "path", cfg.Paths.DatabasePath, "error", err)
		store = nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = cli.NewRootCmd(cli.NewRoot(cfg, logger, store)).ExecuteContext(ctx)
	stop()
	if store != nil {
		_ = store.Close()
	}

	switch {
	case err == nil:
	case errors.Is(err, prompt.ErrInputClosed), errors.Is(err, context.Canceled):
		fmt.Fprintln(os.Stderr)
	default:
		fmt.Fprintf(os.Stderr, "platesolver: %v\n", err)
		os.Exit(1)
	}
}
