package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/plughost/internal/api"
	"github.com/mattjoyce/plughost/internal/config"
	"github.com/mattjoyce/plughost/internal/lifecycle"
	"github.com/mattjoyce/plughost/internal/lock"
	"github.com/mattjoyce/plughost/internal/log"
)

// shutdownSlack is added to the host shutdown deadline so journal and
// queue teardown still get a chance to finish.
const shutdownSlack = 5 * time.Second

func newStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the plugin host in the foreground",
		Long: `Start discovers plugins, connects the auto_connect ones, and serves the
HTTP API until SIGINT or SIGTERM. Only one instance may use a given state
path at a time.`,
		Args: cobra.NoArgs,
		RunE: runStart,
	}
	addConfigFlags(cmd.Flags())
	return cmd
}

func runStart(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return err
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	info := currentVersionInfo()
	logger.Info("plughost starting",
		"version", info.Version,
		"commit", info.Commit,
		"config", cfg.SourcePath,
		"plugins_roots", cfg.Plugins.Roots)

	if cfg.State.Path != ":memory:" {
		lockPath := lock.PathFor(cfg.State.Path)
		pidLock, err := lock.Acquire(lockPath)
		if err != nil {
			return fmt.Errorf("acquire lock: %w", err)
		}
		defer func() {
			if err := pidLock.Release(); err != nil {
				logger.Warn("failed to release PID lock", "error", err)
			}
		}()
		logger.Debug("acquired PID lock", "path", lockPath)
	}

	rt, err := lifecycle.New(cfg, lifecycle.Options{})
	if err != nil {
		return err
	}

	shutdown := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Hosts.ShutdownDeadline+shutdownSlack)
		defer cancel()
		return rt.Shutdown(ctx)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if err := rt.Startup(ctx); err != nil {
		if serr := shutdown(); serr != nil {
			logger.Error("shutdown after failed startup", "error", serr)
		}
		return fmt.Errorf("startup: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	apiDone := make(chan struct{})
	if cfg.API.Enabled {
		srv := api.New(api.Config{Listen: cfg.API.Listen}, rt.Tracker, rt.Registry, rt, rt.Hub, log.WithComponent("api"))
		go func() {
			defer close(apiDone)
			if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
	} else {
		close(apiDone)
		logger.Info("API disabled; running headless")
	}

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		runErr = err
	case <-ctx.Done():
	}

	cancel()
	<-apiDone
	if err := shutdown(); err != nil {
		logger.Error("shutdown incomplete", "error", err)
		runErr = errors.Join(runErr, err)
	}
	logger.Info("plughost stopped")
	return runErr
}
