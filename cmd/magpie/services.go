package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/magpielab/magpie/internal/augment"
	"github.com/magpielab/magpie/internal/cache"
	"github.com/magpielab/magpie/internal/config"
	"github.com/magpielab/magpie/internal/events"
	"github.com/magpielab/magpie/internal/extract"
	"github.com/magpielab/magpie/internal/pipeline"
	"github.com/magpielab/magpie/internal/providers"
	"github.com/magpielab/magpie/internal/query"
	"github.com/magpielab/magpie/internal/queue"
	"github.com/magpielab/magpie/internal/storage"
	"github.com/magpielab/magpie/internal/storage/factory"
	"github.com/magpielab/magpie/internal/telemetry"
)

// services bundles everything a command needs to run the pipeline
// in-process: storage, queue, caches, the metered provider adapters,
// and the pipeline itself with its version persisted.
type services struct {
	store   storage.Storage
	queue   *queue.Queue
	cache   *cache.Client
	bus     *events.Bus
	pipe    *pipeline.Pipeline
	bundle  *config.Bundle
	runtime *providers.Runtime
}

// openServices wires the full stack from the loaded config. Optional
// pieces (Redis, model credentials, PDF service) degrade to nil with a
// warning rather than failing startup.
func openServices(ctx context.Context) (*services, error) {
	store, err := factory.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	store = telemetry.WrapStorage(store)
	svc := &services{store: store}

	svc.queue = queue.New(store, logger, queue.Options{LeaseFor: cfg.Worker.Lease})

	bundle, err := config.LoadBundle(cfg.BundleDir, extract.ExtractorVersion)
	if err != nil {
		svc.Close()
		return nil, fmt.Errorf("load rule bundle: %w", err)
	}
	svc.bundle = bundle

	if cfg.RedisURL != "" {
		c, err := cache.New(cfg.RedisURL)
		if err != nil {
			logger.Warn("redis cache unavailable, continuing without it", zap.Error(err))
		} else {
			svc.cache = c
		}
	}

	configs := providers.WithPubMedKey(providers.DefaultConfigs(), cfg.Providers.PubMedAPIKey)
	runtime, err := providers.NewRuntime(cfg.RedisURL, logger, configs)
	if err != nil {
		svc.Close()
		return nil, fmt.Errorf("provider runtime: %w", err)
	}
	svc.runtime = runtime
	fetcher := providers.NewFetcher(runtime, logger)

	openalex := providers.NewOpenAlex(fetcher)
	openalex.Mailto = cfg.Providers.OpenAlexMailto
	s2 := providers.NewSemanticScholar(fetcher)
	s2.APIKey = cfg.Providers.SemanticScholarAPIKey
	pubmed := providers.NewPubMed(fetcher)
	pubmed.APIKey = cfg.Providers.PubMedAPIKey
	arxiv := providers.NewArxiv(fetcher)
	crossref := providers.NewCrossref(fetcher)

	var model augment.Model
	var rewriter query.Rewriter
	if client, err := augment.NewClient(cfg.Model.AnthropicAPIKey, cfg.Model.Name, logger); err == nil {
		model, rewriter = client, client
	} else if cfg.Extraction.Engine != config.EngineScripted {
		logger.Warn("no model credentials; gap filling and v2 rewrites disabled",
			zap.String("engine", cfg.Extraction.Engine), zap.Error(err))
	}

	var pdf *extract.PDFClient
	if cfg.Extraction.PDFServiceURL != "" {
		pdf = extract.NewPDFClient(cfg.Extraction.PDFServiceURL, logger)
	}

	bus := events.NewBus(logger)
	bus.Register(&events.LogHandler{Log: logger})
	bus.Register(&events.StoreHandler{Store: store})
	if mh, err := events.NewMetricsHandler(telemetry.Meter("magpie/events")); err == nil {
		bus.Register(mh)
	} else {
		logger.Warn("event metrics disabled", zap.Error(err))
	}
	svc.bus = bus

	pipe, err := pipeline.New(pipeline.Deps{
		Store:     store,
		Queue:     svc.queue,
		Bus:       bus,
		Cache:     svc.cache,
		Adapters:  []providers.Adapter{openalex, s2, arxiv, pubmed},
		Resolvers: []providers.Resolver{crossref, openalex},
		Model:     model,
		Rewriter:  rewriter,
		PDF:       pdf,
		Config:    cfg,
		Bundle:    bundle,
		Log:       logger,
	})
	if err != nil {
		svc.Close()
		return nil, err
	}
	if err := pipe.EnsureVersion(ctx); err != nil {
		svc.Close()
		return nil, fmt.Errorf("persist pipeline version: %w", err)
	}
	svc.pipe = pipe

	logger.Info("services ready",
		zap.String("database", cfg.DatabaseURL),
		zap.String("pipeline_version", pipe.Version().ID),
		zap.Bool("cache", svc.cache != nil),
		zap.Bool("model", model != nil))
	return svc, nil
}

// watchBundle hot-reloads rule bundle overrides while a long-running
// command is up. Returns a stop function; a missing override dir means
// nothing to watch.
func (s *services) watchBundle(ctx context.Context) func() {
	if cfg.BundleDir == "" {
		return func() {}
	}
	stop, err := config.WatchBundle(cfg.BundleDir, extract.ExtractorVersion, logger, func(b *config.Bundle) {
		s.pipe.Reload(b)
		if err := s.pipe.EnsureVersion(ctx); err != nil {
			logger.Error("failed to persist reloaded pipeline version", zap.Error(err))
		}
	})
	if err != nil {
		logger.Warn("bundle watcher unavailable", zap.String("dir", cfg.BundleDir), zap.Error(err))
		return func() {}
	}
	return stop
}

// Close releases connections in reverse dependency order.
func (s *services) Close() {
	if s.runtime != nil {
		_ = s.runtime.Close()
	}
	if s.cache != nil {
		_ = s.cache.Close()
	}
	if s.store != nil {
		_ = s.store.Close()
	}
}
