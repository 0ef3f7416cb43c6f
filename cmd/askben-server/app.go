package main

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/askben/askben/internal/answer"
	"github.com/askben/askben/internal/archive"
	"github.com/askben/askben/internal/bus"
	"github.com/askben/askben/internal/citation"
	"github.com/askben/askben/internal/config"
	"github.com/askben/askben/internal/embed"
	"github.com/askben/askben/internal/evaluation"
	"github.com/askben/askben/internal/index"
	"github.com/askben/askben/internal/llm"
	"github.com/askben/askben/internal/metrics"
	"github.com/askben/askben/internal/pkg/logger"
	"github.com/askben/askben/internal/pkg/security"
	"github.com/askben/askben/internal/policy"
	"github.com/askben/askben/internal/qdrant"
	"github.com/askben/askben/internal/router"
	"github.com/askben/askben/internal/server"
	"github.com/askben/askben/internal/store"
)

// app holds every wired component of the server process.
type app struct {
	cfg *config.Config
	log *logger.Logger

	metrics   *metrics.Metrics
	bus       bus.Bus
	archive   archive.Store
	index     *index.Service
	router    *router.Router
	generator *answer.Generator
	verifier  *citation.Verifier
	store     store.Store
	harness   *evaluation.Harness

	closers []func() error
}

// newApp wires the components selected by cfg. On error everything opened
// so far is closed.
func newApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if err := a.initMetrics(); err != nil {
		return nil, err
	}
	if err := a.initBus(ctx); err != nil {
		return nil, err
	}
	if err := a.initArchive(ctx); err != nil {
		return nil, err
	}

	chat, err := openaiModel(cfg.LLM, cfg.LLM.Model)
	if err != nil {
		return nil, fmt.Errorf("failed to create language model: %w", err)
	}

	embedder, err := a.newEmbedder(chat)
	if err != nil {
		return nil, err
	}
	backend, err := a.newBackend(ctx)
	if err != nil {
		return nil, err
	}
	a.index = index.NewService(index.ServiceConfig{VectorSize: cfg.Index.VectorSize}, a.archive, embedder, backend, log)
	log.Info("Initialized vector index", "backend", backend.Name())

	completer := llm.New(chat, llm.Config{
		Model:             cfg.LLM.Model,
		Temperature:       cfg.LLM.Temperature,
		Timeout:           cfg.LLM.Timeout,
		RequestsPerSecond: cfg.LLM.RequestsPerSecond,
		Burst:             cfg.LLM.Burst,
	}, log)

	judgeCompleter := llm.Completer(completer)
	if jm := cfg.LLM.JudgeModel; jm != "" && jm != cfg.LLM.Model {
		judgeModel, err := openaiModel(cfg.LLM, jm)
		if err != nil {
			return nil, fmt.Errorf("failed to create judge model: %w", err)
		}
		judgeCompleter = llm.New(judgeModel, llm.Config{
			Model:             jm,
			Timeout:           cfg.LLM.Timeout,
			RequestsPerSecond: cfg.LLM.RequestsPerSecond,
			Burst:             cfg.LLM.Burst,
		}, log)
		log.Info("Using separate judge model", "model", jm)
	}

	a.router = router.New(router.Config{
		DefaultLimit: cfg.Retrieval.DefaultLimit,
		Timeout:      cfg.Retrieval.Timeout,
	}, a.index, policy.Default(), log)

	a.generator = answer.New(answer.Config{
		DefaultLimit: cfg.Retrieval.DefaultLimit,
		ClaimFanout:  cfg.Reasoning.ClaimFanout,
		MaxClaims:    cfg.Reasoning.MaxClaims,
		ClaimLimit:   cfg.Reasoning.ClaimLimit,
	}, a.router, a.index, completer, log)

	a.verifier = citation.NewVerifier(a.archive, cfg.Citation.FaithfulnessThreshold, log)

	a.store, err = store.Open(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open run store: %w", err)
	}
	a.closers = append(a.closers, a.store.Close)
	log.Info("Opened run store", "type", cfg.Store.Type)

	a.harness = evaluation.New(evaluation.Config{
		Workers:          cfg.Eval.Workers,
		ExampleTimeout:   cfg.Eval.ExampleTimeout,
		RunTimeout:       cfg.Eval.RunTimeout,
		DefaultLimit:     cfg.Retrieval.DefaultLimit,
		DefaultThreshold: cfg.Retrieval.DefaultThreshold,
	}, evaluation.Deps{
		Answerer: a.generator,
		Judge:    evaluation.NewLLMJudge(judgeCompleter),
		Verifier: a.verifier,
		Store:    a.store,
		Bus:      a.bus,
		Metrics:  a.metrics,
	}, log)

	return a, nil
}

func (a *app) initMetrics() error {
	if a.cfg.Metrics.Persistence != "redis" {
		a.metrics = metrics.New()
		a.closers = append(a.closers, a.metrics.Close)
		return nil
	}

	redisURL := security.RedactURL(a.cfg.Metrics.RedisURL)
	storage, err := metrics.NewRedisStorage(a.cfg.Metrics.RedisURL)
	if err != nil {
		a.log.WithError(err).Warn("Metrics history falling back to memory", "redis", redisURL)
		a.metrics = metrics.New()
	} else {
		storage.SetTTL(a.cfg.Metrics.HistoryTTL)
		a.metrics = metrics.NewWithHistory(metrics.NewTimeSeriesData(storage))
		a.log.Info("Metrics history persisted to Redis", "redis", redisURL, "ttl", a.cfg.Metrics.HistoryTTL)
	}
	a.closers = append(a.closers, a.metrics.Close)
	return nil
}

func (a *app) initBus(ctx context.Context) error {
	inner, err := bus.NewBus(a.cfg.Bus, a.log)
	if err != nil {
		return fmt.Errorf("failed to create event bus: %w", err)
	}
	a.bus = bus.NewInstrumentedBus(inner, a.metrics)
	a.closers = append(a.closers, a.bus.Close)

	if err := metrics.NewEventSubscriber(a.metrics, a.bus).SubscribeToEvents(ctx); err != nil {
		a.log.WithError(err).Warn("Failed to subscribe metrics to events")
	}
	a.log.Info("Initialized event bus", "type", a.cfg.Bus.Type, "journal", a.cfg.Bus.JournalPath != "")
	return nil
}

func (a *app) initArchive(ctx context.Context) error {
	switch a.cfg.Archive.Type {
	case "postgres":
		pg, err := archive.OpenPostgres(ctx, a.cfg.Archive.DSN)
		if err != nil {
			return fmt.Errorf("failed to open archive at %s: %w", security.RedactURL(a.cfg.Archive.DSN), err)
		}
		a.log.Info("Connected to archive database", "dsn", security.RedactURL(a.cfg.Archive.DSN))
		if err := pg.EnsureSchema(ctx); err != nil {
			_ = pg.Close()
			return fmt.Errorf("failed to prepare archive schema: %w", err)
		}
		a.archive = pg
	default:
		ms, err := archive.LoadFixture(a.cfg.Archive.FixturePath)
		if err != nil {
			return fmt.Errorf("failed to load archive fixture: %w", err)
		}
		a.archive = ms
	}
	a.closers = append(a.closers, a.archive.Close)

	if stats, err := a.archive.Stats(ctx); err == nil {
		a.log.Info("Opened archive",
			"type", a.cfg.Archive.Type,
			"articles", stats.TotalArticles,
			"distillations", stats.TotalDistillations,
			"chunks", stats.TotalChunks,
		)
	}
	return nil
}

// newEmbedder builds the query embedder behind the configured cache.
func (a *app) newEmbedder(client *openai.LLM) (embed.Embedder, error) {
	base, err := embed.NewLangchainEmbedder(client)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}

	var cache embed.Cache
	switch a.cfg.Cache.Type {
	case "none":
		return base, nil
	case "redis":
		rc, err := embed.NewRedisCache(a.cfg.Cache.RedisURL, a.cfg.Cache.TTL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect embedding cache at %s: %w", security.RedactURL(a.cfg.Cache.RedisURL), err)
		}
		a.closers = append(a.closers, rc.Close)
		cache = rc
	default:
		cache = embed.NewLRUCache(a.cfg.Cache.Size, a.cfg.Cache.TTL)
	}
	a.log.Info("Embedding cache enabled", "type", cache.Name())
	return embed.NewCachedEmbedder(base, cache, a.cfg.LLM.EmbeddingModel, a.log, a.metrics), nil
}

func (a *app) newBackend(ctx context.Context) (index.Backend, error) {
	switch a.cfg.Index.Type {
	case "qdrant":
		qcfg, err := qdrant.ConfigFromURL(a.cfg.Qdrant.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid Qdrant URL %s: %w", security.RedactURL(a.cfg.Qdrant.URL), err)
		}
		qcfg.APIKey = a.cfg.Qdrant.APIKey
		qcfg.Prefix = a.cfg.Index.CollectionPrefix
		if a.cfg.Qdrant.Timeout > 0 {
			qcfg.Timeout = a.cfg.Qdrant.Timeout
		}
		qc, err := qdrant.NewClient(qcfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Qdrant: %w", err)
		}
		a.closers = append(a.closers, qc.Close)
		a.log.Info("Connected to Qdrant", "url", security.RedactURL(a.cfg.Qdrant.URL), "host", qcfg.Host, "port", qcfg.Port)
		return index.NewQdrantBackend(qc), nil

	case "pgvector":
		if pg, ok := a.archive.(*archive.PostgresStore); ok && a.cfg.Index.DSN == "" {
			return index.NewPGVectorBackend(pg.DB()), nil
		}
		dsn := a.cfg.Index.DSN
		if dsn == "" {
			dsn = a.cfg.Archive.DSN
		}
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open pgvector database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to reach pgvector database at %s: %w", security.RedactURL(dsn), err)
		}
		a.closers = append(a.closers, db.Close)
		a.log.Info("Connected to pgvector database", "dsn", security.RedactURL(dsn))
		return index.NewPGVectorBackend(db), nil

	default:
		return index.NewMemoryBackend(), nil
	}
}

// syncIndex pushes the archive into the vector backend and announces it.
func (a *app) syncIndex(ctx context.Context, force bool) (*index.SyncResult, error) {
	res, err := a.index.Sync(ctx, force)
	if err != nil {
		return nil, err
	}
	event := bus.NewEvent(bus.TopicIndexSynced, "askben-server", "", res)
	if err := a.bus.Publish(ctx, bus.TopicIndexSynced, event); err != nil {
		a.log.WithError(err).Warn("Failed to publish index sync event")
	}
	return res, nil
}

// serverDeps exposes the components to the HTTP layer.
func (a *app) serverDeps() server.Deps {
	return server.Deps{
		Generator: a.generator,
		Verifier:  a.verifier,
		Router:    a.router,
		Searcher:  a.index,
		Index:     a.index,
		Archive:   a.archive,
		Store:     a.store,
		Evaluator: a.harness,
		Metrics:   a.metrics,
		Collector: metrics.NewCollector(a.metrics, a.archive, a.index),
	}
}

// Close releases components in reverse order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.WithError(err).Warn("Error during shutdown")
		}
	}
	a.closers = nil
}

// maskedSettings is cfg.Settings with secrets masked and passwords stripped
// from connection URLs.
func maskedSettings(cfg *config.Config) map[string]string {
	raw := cfg.Settings()
	out := security.MaskSensitiveMap(raw)
	for k, v := range raw {
		if strings.HasSuffix(k, "_url") || strings.HasSuffix(k, ".url") || strings.HasSuffix(k, ".dsn") {
			out[k] = security.RedactURL(v)
		}
	}
	return out
}

func openaiModel(cfg config.LLMConfig, model string) (*openai.LLM, error) {
	opts := []openai.Option{openai.WithModel(model)}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	if cfg.APIKey != "" {
		opts = append(opts, openai.WithToken(cfg.APIKey))
	}
	if cfg.EmbeddingModel != "" {
		opts = append(opts, openai.WithEmbeddingModel(cfg.EmbeddingModel))
	}
	return openai.New(opts...)
}
