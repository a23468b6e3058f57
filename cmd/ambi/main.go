package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"github.com/kazuki-shin/ambi/internal/app"
	"github.com/kazuki-shin/ambi/internal/config"
	"github.com/kazuki-shin/ambi/internal/logging"
)

var version = "dev"

func main() {
	if err := newCommand().Run(context.Background(), os.Args); err != nil {
		slog.Error("ambi failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:    "ambi",
		Usage:   "conversational memory service",
		Version: version,
		Commands: []*cli.Command{
			cmdServe(),
			cmdClearLongTerm(),
		},
	}
}

func cmdServe() *cli.Command {
	var addr string
	return &cli.Command{
		Name:  "serve",
		Usage: "run the memory HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address (overrides APP_BIND_ADDR)",
				Destination: &addr,
			},
		},
		Action: func(ctx context.Context, _ *cli.Command) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.BindAddr = addr
			}
			return serve(ctx, cfg, logger)
		},
	}
}

func cmdClearLongTerm() *cli.Command {
	var yes bool
	return &cli.Command{
		Name:  "clear-long-term",
		Usage: "delete every long-term record in the configured namespace",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "yes",
				Usage:       "confirm the deletion",
				Destination: &yes,
			},
		},
		Action: func(ctx context.Context, _ *cli.Command) error {
			if !yes {
				return goerr.New("refusing to clear long-term memory without --yes")
			}
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			built, err := app.Build(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := built.Cleanup(); err != nil {
					logger.Warn("cleanup failed", slog.Any("error", err))
				}
			}()
			return built.LongTerm.Clear(ctx)
		},
	}
}

func loadConfig() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, goerr.Wrap(err, "config error")
	}
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	built, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := built.Cleanup(); err != nil {
			logger.Warn("cleanup failed", slog.Any("error", err))
		}
	}()

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: built.API.Router(),
	}

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	built.Start(runCtx)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", slog.String("addr", cfg.BindAddr), slog.String("version", version))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-sigCh:
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return goerr.Wrap(err, "listen", goerr.V("addr", cfg.BindAddr))
		}
	}

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", slog.Any("error", err))
		_ = httpServer.Close()
	}

	logger.Info("shutdown complete")
	return nil
}
