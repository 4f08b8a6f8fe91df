package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/WessleyAI/wessley-qa/engine/domain"
	"github.com/WessleyAI/wessley-qa/engine/enrich"
	"github.com/WessleyAI/wessley-qa/engine/health"
	"github.com/WessleyAI/wessley-qa/engine/provider/anthropic"
	"github.com/WessleyAI/wessley-qa/engine/provider/gemini"
	"github.com/WessleyAI/wessley-qa/engine/provider/ollama"
	"github.com/WessleyAI/wessley-qa/engine/provider/openai"
	"github.com/WessleyAI/wessley-qa/engine/qa"
	"github.com/WessleyAI/wessley-qa/engine/qastore"
	"github.com/WessleyAI/wessley-qa/engine/semantic"
	"github.com/WessleyAI/wessley-qa/engine/semantic/pgindex"
	"github.com/WessleyAI/wessley-qa/pkg/metrics"
	"github.com/WessleyAI/wessley-qa/pkg/pgdb"
	"github.com/WessleyAI/wessley-qa/pkg/tracing"
)

const startupTimeout = 30 * time.Second

// app owns the service and every connection it was built from.
type app struct {
	cfg       Config
	logger    *slog.Logger
	svc       *qa.Service
	monitor   *health.Monitor
	metrics   *metrics.Metrics
	nc        *nats.Conn
	providers map[string]any
	closers   []func(context.Context) error
}

// build connects every configured backend and assembles the service.
func build(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	a := &app{
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics.New(),
		providers: map[string]any{},
	}
	if err := a.init(ctx); err != nil {
		a.release(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context) error {
	cfg := a.cfg
	ctx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	a.onClose(shutdownTracing)

	a.monitor = health.NewMonitor(health.Options{Metrics: a.metrics, Logger: a.logger})

	// --- Shared connections ---
	var driver neo4j.DriverWithContext
	if cfg.needsNeo4j() {
		driver, err = neo4j.NewDriverWithContext(cfg.Neo4jURL, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPass, ""))
		if err != nil {
			return fmt.Errorf("neo4j driver: %w", err)
		}
		a.onClose(driver.Close)
	}
	var db *sql.DB
	if cfg.needsPostgres() {
		db, err = pgdb.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		a.onClose(func(context.Context) error { return db.Close() })
	}

	// --- Providers ---
	embedder, err := a.embedder(ctx)
	if err != nil {
		return err
	}
	if err := qa.CheckEmbeddingDim(ctx, embedder, cfg.EmbedDim); err != nil {
		if errors.Is(err, domain.ErrDimensionMismatch) {
			return fmt.Errorf("embedding.dim: %w", err)
		}
		a.logger.Warn("embedding provider unreachable at startup, dimension unchecked", "err", err)
	}
	completer, err := a.completer(ctx)
	if err != nil {
		return err
	}

	// --- Storage ---
	index, err := a.index(ctx, db)
	if err != nil {
		return err
	}
	store, err := a.store(ctx, driver, db)
	if err != nil {
		return err
	}

	// --- Variant transport ---
	var publisher qa.JobPublisher
	if cfg.NATSURL != "" {
		a.nc, err = nats.Connect(cfg.NATSURL, nats.Name("qacache"))
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		nc := a.nc
		a.onClose(func(context.Context) error { nc.Close(); return nil })
		publisher = qa.NewNATSPublisher(nc, cfg.NATSSubject)
	}

	a.svc, err = qa.New(qa.Deps{
		Embedder:  qa.NewCachedEmbedder(embedder, cfg.EmbedCacheSize, cfg.EmbedCacheTTL, a.metrics),
		Index:     index,
		Store:     store,
		Completer: completer,
		Enricher:  a.enricher(driver),
		Publisher: publisher,
		Monitor:   a.monitor,
		Metrics:   a.metrics,
		Logger:    a.logger,
	}, cfg.QA)
	return err
}

func (a *app) onClose(f func(context.Context) error) {
	a.closers = append(a.closers, f)
}

// Close drains background work, then releases connections in reverse order.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.svc != nil {
		if err := a.svc.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain background tasks: %w", err))
		}
	}
	errs = append(errs, a.release(ctx))
	return errors.Join(errs...)
}

func (a *app) release(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// provider returns the shared client for name, creating it on first use.
func (a *app) provider(ctx context.Context, name string) (any, error) {
	if p, ok := a.providers[name]; ok {
		return p, nil
	}
	cfg := a.cfg
	var p any
	switch name {
	case "ollama":
		p = ollama.New(ollama.Config{
			BaseURL:     cfg.OllamaURL,
			EmbedModel:  cfg.EmbedModel,
			ChatModel:   cfg.AIModel,
			Temperature: cfg.AITemperature,
			MaxTokens:   cfg.AIMaxTokens,
		})
	case "openai":
		p = openai.New(openai.Config{
			APIKey:      cfg.OpenAIKey,
			BaseURL:     cfg.OpenAIBaseURL,
			EmbedModel:  cfg.EmbedModel,
			ChatModel:   cfg.AIModel,
			Temperature: float32(cfg.AITemperature),
			MaxTokens:   cfg.AIMaxTokens,
		})
	case "anthropic":
		p = anthropic.New(anthropic.Config{
			APIKey:      cfg.AnthropicKey,
			Model:       cfg.AIModel,
			Temperature: cfg.AITemperature,
			MaxTokens:   cfg.AIMaxTokens,
		})
	case "gemini":
		c, err := gemini.New(ctx, gemini.Config{
			APIKey:      cfg.GeminiKey,
			EmbedModel:  cfg.EmbedModel,
			ChatModel:   cfg.AIModel,
			Temperature: float32(cfg.AITemperature),
			MaxTokens:   int32(cfg.AIMaxTokens),
		})
		if err != nil {
			return nil, err
		}
		a.onClose(func(context.Context) error { return c.Close() })
		p = c
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	a.providers[name] = p
	return p, nil
}

func (a *app) embedder(ctx context.Context) (qa.Embedder, error) {
	p, err := a.provider(ctx, a.cfg.EmbedProvider)
	if err != nil {
		return nil, err
	}
	e, ok := p.(qa.Embedder)
	if !ok {
		return nil, fmt.Errorf("provider %s cannot embed", a.cfg.EmbedProvider)
	}
	return e, nil
}

func (a *app) completer(ctx context.Context) (qa.Completer, error) {
	p, err := a.provider(ctx, a.cfg.AIProvider)
	if err != nil {
		return nil, err
	}
	c, ok := p.(qa.Completer)
	if !ok {
		return nil, fmt.Errorf("provider %s cannot complete", a.cfg.AIProvider)
	}
	return c, nil
}

func (a *app) index(ctx context.Context, db *sql.DB) (qa.VectorIndex, error) {
	cfg := a.cfg
	switch cfg.IndexBackend {
	case "qdrant":
		vs, err := semantic.New(cfg.QdrantAddr, cfg.QdrantCollection, cfg.EmbedDim)
		if err != nil {
			return nil, err
		}
		a.onClose(func(context.Context) error { return vs.Close() })
		if err := vs.EnsureCollection(ctx); err != nil {
			return nil, fmt.Errorf("qdrant collection %s: %w", cfg.QdrantCollection, err)
		}
		return vs, nil
	case "pgvector":
		ix, err := pgindex.New(db, cfg.PGVectorTable, cfg.EmbedDim)
		if err != nil {
			return nil, err
		}
		if err := ix.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return ix, nil
	case "memory":
		a.logger.Warn("using in-memory vector index; entries are lost on exit")
		return semantic.NewMemoryIndex(cfg.EmbedDim), nil
	}
	return nil, fmt.Errorf("unknown index backend %q", cfg.IndexBackend)
}

func (a *app) store(ctx context.Context, driver neo4j.DriverWithContext, db *sql.DB) (qa.RecordStore, error) {
	switch a.cfg.StoreBackend {
	case "neo4j":
		s := qastore.NewNeo4j(driver, a.cfg.Neo4jDatabase)
		if err := s.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("neo4j schema: %w", err)
		}
		return s, nil
	case "postgres":
		s := qastore.NewPostgres(db)
		if err := s.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return s, nil
	case "memory":
		a.logger.Warn("using in-memory record store; records are lost on exit")
		return qastore.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", a.cfg.StoreBackend)
}

func (a *app) enricher(driver neo4j.DriverWithContext) qa.ContextEnricher {
	var all []enrich.Enricher
	if len(a.cfg.EnrichFeeds) > 0 {
		all = append(all, enrich.NewFeedEnricher(enrich.FeedConfig{
			URLs:   a.cfg.EnrichFeeds,
			Logger: a.logger,
		}))
	}
	if a.cfg.EnrichGraph && driver != nil {
		all = append(all, enrich.NewGraphEnricher(driver, a.cfg.Neo4jDatabase))
	}
	switch len(all) {
	case 0:
		return nil
	case 1:
		return all[0]
	}
	return enrich.NewMulti(a.logger, all...)
}
