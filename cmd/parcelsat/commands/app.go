package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/parcelsat/parcelsat/pkg/catalog"
	"github.com/parcelsat/parcelsat/pkg/config"
	"github.com/parcelsat/parcelsat/pkg/geometry"
	"github.com/parcelsat/parcelsat/pkg/offload"
	"github.com/parcelsat/parcelsat/pkg/parser"
	"github.com/parcelsat/parcelsat/pkg/pipeline"
	"github.com/parcelsat/parcelsat/pkg/providers"
	"github.com/parcelsat/parcelsat/pkg/providers/earthcache"
	"github.com/parcelsat/parcelsat/pkg/providers/stac"
	"github.com/parcelsat/parcelsat/pkg/raster"
	"github.com/parcelsat/parcelsat/pkg/storage"
	"github.com/parcelsat/parcelsat/pkg/stores"
	"github.com/parcelsat/parcelsat/pkg/telemetry"
)

// uploadPrefix is where triggering boundary files land in the artifact
// store before processing.
const uploadPrefix = "uploads"

// app wires the pipeline components from a loaded configuration. It is the
// composition root shared by every subcommand.
type app struct {
	cfg       *config.Config
	log       *telemetry.Logger
	metrics   *telemetry.Metrics
	artifacts storage.Store
	store     *stores.SQLiteStore
	registry  *providers.Registry
	orch      *pipeline.Orchestrator
}

func loadApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	log, err := telemetry.NewLogger(cfg.Telemetry.Logging)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}

	metrics, err := telemetry.NewMetrics(cfg.Telemetry.Metrics)
	if err != nil {
		return nil, fmt.Errorf("initialize metrics: %w", err)
	}

	artifacts := storage.NewOSStore(cfg.Storage.Root)

	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Store.Path})
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}

	registry := providers.NewRegistry()
	if err := registry.Register(stac.ProviderName, func() (pipeline.ImageryProvider, error) {
		return stac.New(stac.Options{
			BaseURL:     cfg.Provider.BaseURL,
			Collections: cfg.Provider.Collections,
		}), nil
	}); err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := registry.Register(earthcache.ProviderName, func() (pipeline.ImageryProvider, error) {
		return earthcache.New(earthcache.Options{
			BaseURL: cfg.Provider.BaseURL,
			APIKey:  cfg.Provider.APIKey,
		})
	}); err != nil {
		_ = store.Close()
		return nil, err
	}

	processor := raster.NewProcessor(artifacts, log)
	writer := catalog.NewWriter(artifacts)
	writer.Steps = processor

	payloads := offload.NewManager(artifacts, cfg.Pipeline.OffloadThresholdBytes)
	payloads.OnOffload = metrics.PayloadOffloaded

	orch := pipeline.NewOrchestrator(
		pipeline.OrchestratorConfig{
			Project:  cfg.Project,
			Provider: cfg.Provider.Name,
			Filters: pipeline.SceneFilters{
				MaxCloudCoverPct: cfg.Imagery.MaxCloudCoverPct,
				MaxOffNadirDeg:   cfg.Imagery.MaxOffNadirDeg,
				MinResolutionM:   cfg.Imagery.MinResolutionM,
				MaxResolutionM:   cfg.Imagery.MaxResolutionM,
			},
			Lookback:               time.Duration(cfg.Imagery.LookbackDays) * 24 * time.Hour,
			AcquisitionConcurrency: cfg.Pipeline.AcquisitionConcurrency,
			FulfillmentConcurrency: cfg.Pipeline.FulfillmentConcurrency,
			Retry: pipeline.RetryPolicy{
				MaxAttempts: cfg.Pipeline.MaxAttempts,
				BaseDelay:   cfg.Pipeline.RetryBase,
				MaxDelay:    time.Minute,
			},
			PollInterval: cfg.Pipeline.PollInterval,
			PollTimeout:  cfg.Pipeline.PollTimeout,
			RunTimeout:   cfg.Pipeline.RunTimeout,
		},
		store,
		artifacts,
		parser.NewKMLParser(artifacts),
		geometry.NewPreparer(cfg.AOI.BufferMeters, cfg.AOI.MaxAreaHectares, log),
		registry,
		processor,
		writer,
		payloads,
		log,
		metrics,
	)

	return &app{
		cfg:       cfg,
		log:       log,
		metrics:   metrics,
		artifacts: artifacts,
		store:     store,
		registry:  registry,
		orch:      orch,
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// processFile ingests a local KML file: it is copied into the artifact
// store under uploads/ and a trigger event is derived from it. The event
// time is the file's modification time, so re-processing the same file
// lands on the same output paths.
func (a *app) processFile(ctx context.Context, path, routingKey string) (*pipeline.ProcessingRun, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat boundary file: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open boundary file: %w", err)
	}
	sourceRef := uploadPrefix + "/" + filepath.Base(path)
	_, err = a.artifacts.Write(ctx, sourceRef, f, "application/vnd.google-earth.kml+xml")
	_ = f.Close()
	if err != nil {
		return nil, fmt.Errorf("stage boundary file: %w", err)
	}

	return a.orch.Start(ctx, pipeline.TriggerEvent{
		RoutingKey: routingKey,
		SourceRef:  sourceRef,
		Project:    a.cfg.Project,
		OccurredAt: info.ModTime().UTC(),
	})
}

// serveMetrics exposes the Prometheus endpoint for long-running commands.
// It returns immediately when metrics are disabled.
func (a *app) serveMetrics(ctx context.Context) {
	if !a.cfg.Telemetry.Metrics.Enabled {
		return
	}

	mux := http.NewServeMux()
	mux.Handle(a.cfg.Telemetry.Metrics.Path, a.metrics.Handler())
	srv := &http.Server{Addr: a.cfg.Telemetry.Metrics.ListenAddress, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		a.log.Infof("metrics listening on %s%s", a.cfg.Telemetry.Metrics.ListenAddress, a.cfg.Telemetry.Metrics.Path)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.log.WithError(err).Error("metrics server failed")
		}
	}()
}
