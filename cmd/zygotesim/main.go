// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rmnscnce/zygisk-go/pkg/config"
	"github.com/rmnscnce/zygisk-go/pkg/daemon"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

const shutdownGrace = 30 * time.Second

type options struct {
	configPath string
	configDir  string
	logLevel   string
}

func main() {
	var (
		opts        options
		showVersion bool
	)
	flag.StringVar(&opts.configPath, "config", "", "path to configuration file")
	flag.StringVar(&opts.configDir, "config-dir", "", "config directory (multi-file mode with auto-reload)")
	flag.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("zygotesim %s (commit: %s, built: %s)\n", version, commit, buildDate)
		return
	}

	if err := run(opts); err != nil {
		fmt.Fprintln(os.Stderr, "zygotesim:", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting zygote simulator",
		zap.String("version", version),
		zap.String("commit", commit),
	)

	d, err := daemon.New(cfg, version, logger)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	var watcher *config.Watcher
	if opts.configDir != "" {
		watcher = config.NewWatcher(opts.configDir, func(newCfg *config.Config, changedFile string) {
			if err := d.Reload(newCfg); err != nil {
				logger.Error("reloaded config rejected",
					zap.String("file", changedFile),
					zap.Error(err),
				)
			}
		}, logger)
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("start config watcher: %w", err)
		}
	}

	// SIGHUP reloads from the same source the daemon booted with.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-hup:
			logger.Info("received SIGHUP, reloading configuration")
			newCfg, err := loadConfig(opts)
			if err != nil {
				logger.Error("failed to reload config", zap.Error(err))
				continue
			}
			if err := d.Reload(newCfg); err != nil {
				logger.Error("failed to apply new config", zap.Error(err))
			}
		case <-ctx.Done():
			stop()
			logger.Info("shutdown signal received")
			if watcher != nil {
				watcher.Stop()
			}
			return shutdown(d, logger)
		}
	}
}

// shutdown stops the daemon, giving up after shutdownGrace so a stuck
// exporter cannot hold the process open.
func shutdown(d *daemon.Daemon, logger *zap.Logger) error {
	done := make(chan error, 1)
	go func() { done <- d.Stop() }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		logger.Info("zygote simulator stopped")
		return nil
	case <-time.After(shutdownGrace):
		return fmt.Errorf("shutdown timed out after %s", shutdownGrace)
	}
}

func loadConfig(opts options) (*config.Config, error) {
	switch {
	case opts.configDir != "":
		return config.LoadDir(opts.configDir)
	case opts.configPath != "":
		return config.Load(opts.configPath)
	}

	for _, p := range []string{
		"configs/zygotesim.yaml",
		"/etc/zygotesim/zygotesim.yaml",
		"/etc/zygotesim.yaml",
	} {
		if _, err := os.Stat(p); err == nil {
			return config.Load(p)
		}
	}
	return config.DefaultConfig(), nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	enc := zap.NewProductionEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeLevel = zapcore.CapitalColorLevelEncoder

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(lvl),
		Encoding:         "console",
		EncoderConfig:    enc,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	return cfg.Build()
}
