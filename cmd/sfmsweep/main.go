package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"sfmsweep/internal/cli"
	"sfmsweep/internal/config"
	"sfmsweep/internal/dataset"
	"sfmsweep/internal/engine"
	"sfmsweep/internal/logging"
	"sfmsweep/internal/pipeline"
	"sfmsweep/internal/raster"
	"sfmsweep/internal/storage"
)

const queueDepth = 16

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, err := logging.Setup(cfg)
	if err != nil {
		return err
	}

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		return fmt.Errorf("open run history: %w", err)
	}
	defer store.Close()

	magick := raster.NewMagick()
	defer magick.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := pipeline.NewRunner(engine.NewCOLMAP(cfg.Engine, log), store, log, cfg,
		pipeline.WithProber(magick),
		pipeline.WithWriter(&dataset.Writer{
			Exporter:     magick,
			ExportImages: cfg.Dataset.ExportImages,
			Logger:       log,
		}),
	)
	defer runner.Close()

	pipe := pipeline.New(ctx, runner, log, queueDepth)
	defer pipe.Stop()

	return cli.NewRootCmd(cfg, log, store, pipe).ExecuteContext(ctx)
}
