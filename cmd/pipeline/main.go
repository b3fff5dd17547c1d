package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/incidentmap/pipeline/internal/api"
	"github.com/incidentmap/pipeline/internal/cache"
	"github.com/incidentmap/pipeline/internal/cache/badgerstore"
	"github.com/incidentmap/pipeline/internal/cache/redisstore"
	"github.com/incidentmap/pipeline/internal/cluster"
	"github.com/incidentmap/pipeline/internal/collector"
	"github.com/incidentmap/pipeline/internal/extraction"
	"github.com/incidentmap/pipeline/internal/filter"
	"github.com/incidentmap/pipeline/internal/geocode"
	"github.com/incidentmap/pipeline/internal/llm"
	"github.com/incidentmap/pipeline/internal/metrics"
	"github.com/incidentmap/pipeline/internal/model"
	"github.com/incidentmap/pipeline/internal/orchestrator"
	"github.com/incidentmap/pipeline/internal/storage/sqlite"
	"github.com/incidentmap/pipeline/pkg/config"
	"github.com/incidentmap/pipeline/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = logger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	metrics.Init()

	logger.Info("Starting incident pipeline")

	if len(cfg.Pipeline.Regions) == 0 || len(cfg.Pipeline.Months) == 0 {
		logger.Fatal("No work configured: pipeline.regions and pipeline.months must both be set")
	}

	cacheStore, err := openCache(cfg.Cache)
	if err != nil {
		logger.Fatal("Failed to open cache", zap.Error(err))
	}
	defer cacheStore.Close()

	store, err := sqlite.NewClient(cfg.Store.Path)
	if err != nil {
		logger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer store.Close()

	err = store.InitSchema()
	if err != nil {
		logger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	chatClient := llm.NewClient(llm.Config{
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		Timeout:     time.Duration(cfg.LLM.TimeoutSec) * time.Second,
		MaxAttempts: cfg.Pipeline.MaxAttempts,
		BaseDelay:   time.Duration(cfg.Pipeline.BaseDelayMS) * time.Millisecond,
	})

	geocoder := geocode.NewClient(
		cfg.Geocoder.BaseURL,
		cfg.Geocoder.UserAgent,
		time.Duration(cfg.Geocoder.TimeoutSec)*time.Second,
	)

	portal := collector.NewPortalClient(
		cfg.Collector.BaseURL,
		cfg.Collector.UserAgent,
		time.Duration(cfg.Collector.TimeoutSec)*time.Second,
	)

	articleFilter := filter.New(filter.Config{
		SimilarityThreshold: cfg.Pipeline.SimilarityThreshold,
		WindowDays:          cfg.Pipeline.WindowDays,
	})

	extractor := extraction.New(chatClient, geocoder, cacheStore, extraction.Config{
		TriageBatchSize:      cfg.Pipeline.TriageBatchSize,
		SingleBatchSize:      cfg.Pipeline.SingleBatchSize,
		MultiBatchSize:       cfg.Pipeline.MultiBatchSize,
		PromptVersion:        cfg.Pipeline.PromptVersion,
		MinGeocodeConfidence: cfg.Pipeline.MinGeocodeConfidence,
		MaxAttempts:          cfg.Pipeline.MaxAttempts,
		BaseDelay:            time.Duration(cfg.Pipeline.BaseDelayMS) * time.Millisecond,
	})

	clusterer := cluster.New(chatClient, cluster.Config{
		BatchSize:  cfg.Pipeline.ClusterBatchSize,
		WindowDays: cfg.Pipeline.WindowDays,
	})

	run := uuid.New().String()
	hub := orchestrator.NewEventHub()
	pipeline := orchestrator.NewPipeline(run, portal, articleFilter, extractor, clusterer, store, hub)

	var scheduler orchestrator.Scheduler
	switch cfg.Pipeline.Mode {
	case "sequential":
		scheduler = orchestrator.NewSequential(pipeline)
	default:
		scheduler = orchestrator.NewParallel(pipeline, orchestrator.PoolConfig{
			CollectWorkers: cfg.Pipeline.CollectWorkers,
			FilterWorkers:  cfg.Pipeline.FilterWorkers,
			ExtractWorkers: cfg.Pipeline.ExtractWorkers,
		})
	}

	keys := make([]model.ChunkKey, 0, len(cfg.Pipeline.Regions)*len(cfg.Pipeline.Months))
	for _, region := range cfg.Pipeline.Regions {
		for _, month := range cfg.Pipeline.Months {
			keys = append(keys, model.ChunkKey{Region: region, Month: month})
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		logger.Info("Shutdown signal received, finishing in-flight chunks")
		cancel()
	}()

	var app interface{ Shutdown() error }
	if cfg.Server.Enabled {
		server := api.NewServer(cfg.Server, store, hub)
		app = server
		go func() {
			addr := api.Addr(cfg.Server)
			logger.Info("Operator API listening", zap.String("address", addr))
			if err := server.Listen(addr); err != nil {
				logger.Error("Operator API stopped", zap.Error(err))
			}
		}()
	}

	logger.Info("Run starting",
		zap.String("run", run),
		zap.String("mode", cfg.Pipeline.Mode),
		zap.Int("chunks", len(keys)))

	started := time.Now()
	summaries, runErr := scheduler.Run(ctx, keys)

	var published, failed, fatal int
	for _, s := range summaries {
		published += s.Published
		failed += s.Failed
		if s.Fatal != "" {
			fatal++
		}
	}

	logger.Info("Run complete",
		zap.String("run", run),
		zap.Int("chunks", len(summaries)),
		zap.Int("published", published),
		zap.Int("failed_articles", failed),
		zap.Int("fatal_chunks", fatal),
		zap.Duration("duration", time.Since(started)))

	if runErr != nil && runErr != context.Canceled {
		logger.Error("Run ended with error", zap.Error(runErr))
	}

	if app != nil {
		app.Shutdown()
	}
}

func openCache(cfg config.CacheConfig) (cache.Store, error) {
	switch cfg.Backend {
	case "redis":
		return redisstore.Open(cfg.RedisHost, cfg.RedisPort, cfg.RedisPassword, cfg.RedisDB)
	default:
		return badgerstore.Open(badgerstore.Config{Path: cfg.Path})
	}
}
