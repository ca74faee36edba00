// Command kilnd is the kiln daemon: it owns the job queue, the preset
// cache, the virtual display pool, and the slicing/packing pipeline, and
// serves the HTTP API the kiln CLI talks to.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"kiln/internal/cmdrun"
	"kiln/internal/config"
	"kiln/internal/daemon"
	"kiln/internal/display"
	"kiln/internal/logging"
	"kiln/internal/observability"
	"kiln/internal/packing"
	"kiln/internal/pipeline"
	"kiln/internal/preflight"
	"kiln/internal/presetcache"
	"kiln/internal/queue"
	"kiln/internal/slicing"
	"kiln/internal/stage"
)

func main() {
	configPath := flag.String("config", "", "configuration file path")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, _, _, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		log.Fatalf("prepare directories: %v", err)
	}

	logger, err := logging.New(logging.Options{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: []string{"stdout", filepath.Join(cfg.Paths.LogDir, "kilnd.log")},
	})
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}

	for _, result := range preflight.RunAll(ctx, cfg) {
		if result.Passed {
			continue
		}
		logger.Warn("preflight check failed",
			logging.String("check", result.Name),
			logging.String("detail", result.Detail))
	}

	store, err := queue.Open(cfg)
	if err != nil {
		logger.Error("open job store", logging.Error(err))
		return
	}

	observability.SetBuildInfo(version)
	presetcache.SetMetrics(observability.Sink{})
	display.SetGauge(observability.Sink{})

	fetcher := presetcache.NewHTTPFetcher(
		cfg.PresetStore.BaseURL,
		time.Duration(cfg.PresetStore.RequestTimeout)*time.Second,
		cfg.PresetStore.MaxRetries,
	)
	presets := presetcache.New(cfg.PresetCache.Dir, int64(cfg.PresetCache.MaxMiB)<<20, fetcher, logger)

	displays, err := display.NewManager(
		cfg.DisplayDir(),
		cfg.Display.MaxSessions,
		cfg.Display.BaseNumber,
		time.Duration(cfg.Display.AcquireTimeout)*time.Second,
		logger,
	)
	if err != nil {
		logger.Error("init display pool", logging.Error(err))
		return
	}

	runner := &cmdrun.ProcessRunner{}
	engine := slicing.NewEngine(cfg.Slicer, cfg.Display.ScreenGeometry, runner, logger)
	slicer := slicing.NewHandler(cfg, engine, displays, logger)
	packer := packing.NewHandler(cfg, runner, logger)

	pm := pipeline.NewManager(cfg, store, presets, slicer, packer, logger)

	d, err := daemon.New(cfg, store, presets, pm, []stage.Handler{slicer, packer}, logger)
	if err != nil {
		logger.Error("create daemon", logging.Error(err))
		return
	}
	defer d.Close()

	if err := d.Start(ctx); err != nil {
		logger.Error("start daemon", logging.Error(err))
		return
	}

	<-ctx.Done()
	logger.Info("kilnd shutting down")
}
