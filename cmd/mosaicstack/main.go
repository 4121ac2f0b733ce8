package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"mosaicstack/internal/cli"
	"mosaicstack/internal/config"
	"mosaicstack/internal/imageio"
	"mosaicstack/internal/logging"
	"mosaicstack/internal/storage"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", config.Path(), err)
		return 1
	}

	logger, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		return 1
	}

	// The ledger is optional: runs still work without it, status does not.
	var store *storage.Store
	if dbPath, err := config.ExpandUser(cfg.Paths.DatabasePath); err == nil {
		store, err = storage.New(dbPath)
		if err != nil {
			logger.Warn("run ledger unavailable", "path", dbPath, "error", err)
			store = nil
		}
	}
	defer store.Close()
	defer imageio.Terminate()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCmd(cfg, logger, store).ExecuteContext(ctx); err != nil {
		logger.Error("command failed", "error", err)
		return 1
	}
	return 0
}
