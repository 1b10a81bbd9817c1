package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lontar-ai/lontar/pkg/config"
	"github.com/lontar-ai/lontar/pkg/runtime"
)

type ServeCmd struct {
	Watch bool `help:"Watch the config file and restart components on change."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := config.LoadEnvFiles(); err != nil {
		return err
	}

	reload := make(chan *config.Config, 1)
	loader, err := config.NewLoader(cli.Config, config.WithOnChange(func(cfg *config.Config) {
		select {
		case reload <- cfg:
		default:
		}
	}))
	if err != nil {
		return err
	}
	defer loader.Close()

	cfg, err := loader.Load(ctx)
	if err != nil {
		return err
	}

	if c.Watch {
		go func() {
			if err := loader.Watch(ctx); err != nil && ctx.Err() == nil {
				slog.Error("config watcher stopped", "error", err)
			}
		}()
	}

	// Each pass builds a fresh runtime; a config reload tears the old
	// one down and starts over with the new settings.
	for {
		cli.initLogging(cfg.Logging.Level, cfg.Logging.Format)

		rt, err := runtime.New(ctx, cfg)
		if err != nil {
			return fmt.Errorf("startup failed: %w", err)
		}

		runCtx, cancelRun := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- rt.Run(runCtx) }()

		select {
		case next := <-reload:
			slog.Info("config changed, restarting components")
			cancelRun()
			if err := <-done; err != nil {
				return err
			}
			cfg = next
			continue

		case err := <-done:
			cancelRun()
			return err
		}
	}
}
