// Texforge - Sandboxed LaTeX Compile Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/texforge

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tomtom215/texforge/internal/api"
	"github.com/tomtom215/texforge/internal/compile"
	"github.com/tomtom215/texforge/internal/config"
	"github.com/tomtom215/texforge/internal/contentcache"
	"github.com/tomtom215/texforge/internal/logging"
	"github.com/tomtom215/texforge/internal/outputcache"
	"github.com/tomtom215/texforge/internal/resources"
	"github.com/tomtom215/texforge/internal/runner"
	"github.com/tomtom215/texforge/internal/supervisor"
	"github.com/tomtom215/texforge/internal/supervisor/services"
	"github.com/tomtom215/texforge/internal/validation"
)

func main() {
	if err := run(); err != nil {
		logging.Fatal().Err(err).Msg("Texforge failed to start")
	}
}

//nolint:gocyclo // sequential wiring of every component
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Caller:    cfg.Logging.Caller,
		Timestamp: true,
		Output:    os.Stderr,
	})
	logging.Info().
		Str("runner", cfg.Runner.Type).
		Str("compiles_dir", cfg.Paths.CompilesDir).
		Str("output_dir", cfg.Paths.OutputDir).
		Dur("max_timeout", cfg.Compile.MaxTimeout).
		Msg("Starting Texforge")

	if err := createDirs(cfg); err != nil {
		return err
	}

	urlDB, err := resources.OpenURLCacheDB(cfg.Paths.URLCacheDir)
	if err != nil {
		return fmt.Errorf("open url cache index: %w", err)
	}
	defer func() {
		if err := urlDB.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing url cache index")
		}
	}()
	urlCache := resources.NewURLCache(cfg.Paths.URLCacheDir, urlDB, resources.URLCacheOptionsFromConfig(cfg))

	sandbox, err := runner.New(cfg)
	if err != nil {
		return fmt.Errorf("create runner: %w", err)
	}
	syncer := resources.NewSynchronizer(urlCache, cfg.Compile.SyncParallelism)

	outputs := outputcache.NewStore(outputcache.OptionsFromConfig(cfg))
	if err := outputs.Init(); err != nil {
		return fmt.Errorf("scan output cache: %w", err)
	}
	content := contentcache.NewPool(cfg)

	manager := compile.NewManager(compile.OptionsFromConfig(cfg), sandbox, syncer, outputs, content, urlCache)
	expirer := compile.NewExpirer(manager, cfg.Compile.StagingExpiry, cfg.Compile.LowDiskThreshold)

	handler := api.NewHandler(manager, outputs, api.HandlerOptions{
		Policy:          validation.PolicyFromConfig(cfg),
		MaxRequestBytes: cfg.Server.MaxRequestBytes,
		RunnerType:      cfg.Runner.Type,
	})
	router := api.NewRouter(handler, api.ChiMiddlewareConfigFromServer(cfg.Server))

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router.SetupChi(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       2 * time.Minute,
	}

	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger("info"), supervisor.DefaultTreeConfig())
	if err != nil {
		return fmt.Errorf("create supervisor tree: %w", err)
	}

	if docker, ok := sandbox.(*runner.DockerRunner); ok {
		tree.AddJanitorService(services.NewContainerMonitorService(docker, cfg.Runner.MonitorInterval, cfg.Runner.MonitorJitter))
	}
	tree.AddJanitorService(services.NewOutputCleanupService(outputs, cfg.OutputCache.CleanupInterval, cfg.OutputCache.CleanupJitter))
	tree.AddJanitorService(services.NewStagingExpiryService(expirer, cfg.Compile.ExpiryCheckInterval))

	// Shutdown drains in-flight compiles, so it waits as long as the
	// longest one may run.
	tree.AddAPIService(services.NewHTTPServerService(server, server.Addr, cfg.Compile.MaxTimeout+10*time.Second))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Info().Msg("Starting supervisor tree")
	if err := waitForTree(ctx, tree.ServeBackground(ctx)); err != nil {
		logging.Error().Err(err).Msg("Supervisor tree error")
	}
	stop()

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("Texforge stopped")
	return nil
}

// waitForTree blocks until the tree stops. ServeBackground sends exactly one
// value and never closes the channel, so it is received once.
func waitForTree(ctx context.Context, errCh <-chan error) error {
	select {
	case <-ctx.Done():
		logging.Info().Msg("Shutdown signal received, waiting for services to stop")
	case err := <-errCh:
		return treeError(err)
	}
	return treeError(<-errCh)
}

func treeError(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// createDirs makes every configured directory that does not exist yet.
func createDirs(cfg *config.Config) error {
	for _, dir := range []string{
		cfg.Paths.CompilesDir,
		cfg.Paths.OutputDir,
		cfg.Paths.ArchiveDir,
		cfg.Paths.ClsiCacheDir,
		cfg.Paths.URLCacheDir,
	} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
