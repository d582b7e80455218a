// Package app builds the shared object graph used by the server and the
// command-line tools.
package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/david/opportunity-finder/internal/ai"
	"github.com/david/opportunity-finder/internal/cache"
	"github.com/david/opportunity-finder/internal/classifier"
	"github.com/david/opportunity-finder/internal/config"
	"github.com/david/opportunity-finder/internal/db"
	"github.com/david/opportunity-finder/internal/ingest"
	"github.com/david/opportunity-finder/internal/search"
)

// NewLogger returns a JSON logger in production and a text logger otherwise.
func NewLogger(cfg *config.Config) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	if cfg.IsProduction() {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.WithField("level", cfg.LogLevel).Warn("unknown LOG_LEVEL, using info")
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	return log
}

// App holds the long-lived components.
type App struct {
	Config       *config.Config
	Log          *logrus.Logger
	Pool         *pgxpool.Pool
	Store        *db.Store
	Cache        *cache.Cache
	Counters     cache.Backend
	Classifier   *classifier.Classifier
	Embeddings   *ai.Generator
	Fetcher      *ingest.FeedFetcher
	Orchestrator *ingest.Orchestrator
	Search       *search.Service

	closers []io.Closer
}

// New connects to Postgres, applies migrations and wires the pipeline.
func New(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*App, error) {
	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.ApplyMigrations(ctx, pool, log); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	a := &App{
		Config:     cfg,
		Log:        log,
		Pool:       pool,
		Store:      db.NewStore(pool, log),
		Classifier: classifier.Default(),
	}

	if err := a.initCache(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.Embeddings = ai.NewGenerator(newEmbedder(cfg, log), log)
	a.Fetcher = ingest.NewFeedFetcher(nil, cfg.RSSAllowedHosts, log)
	a.Orchestrator = ingest.NewOrchestrator(a.Store, a.Fetcher, a.Classifier, a.Embeddings, a.Cache, ingest.Options{
		MaxDescriptionLength: cfg.MaxDescriptionLength,
		FeedConcurrency:      cfg.FeedConcurrency,
		AllowedHosts:         cfg.RSSAllowedHosts,
	}, log)
	a.Search = search.NewService(a.Store, a.Embeddings, a.Classifier, a.Cache, log)
	return a, nil
}

// newEmbedder returns nil when the selected provider is not configured;
// the pipeline then runs without embeddings.
func newEmbedder(cfg *config.Config, log logrus.FieldLogger) ai.Embedder {
	switch strings.ToLower(cfg.EmbeddingProvider) {
	case "ollama":
		log.WithField("host", cfg.OllamaHost).Info("using ollama embeddings")
		return ai.NewOllamaEmbedder(cfg.OllamaHost, cfg.EmbeddingModel)
	default:
		if cfg.OpenAIAPIKey == "" {
			log.Warn("OPENAI_API_KEY is not set; embeddings and semantic search are disabled")
			return nil
		}
		return ai.NewOpenAIEmbedder(cfg.OpenAIAPIKey, cfg.EmbeddingModel)
	}
}

// initCache selects the cache backend. Rate-limit counters share redis
// when it is reachable and otherwise use an in-memory badger store, so
// limits stay enforced without redis.
func (a *App) initCache(ctx context.Context) error {
	cfg, log := a.Config, a.Log
	var rdb *redis.Client

	if cfg.RedisURL != "" {
		client, err := cache.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			log.WithError(err).Warn("redis unavailable; continuing without it")
		} else {
			rdb = client
			a.closers = append(a.closers, client)
		}
	}

	switch strings.ToLower(cfg.CacheBackend) {
	case "redis":
		if rdb != nil {
			a.Cache = cache.New(cache.NewRedisBackend(rdb), "redis", log)
		}
	case "badger":
		b, err := cache.NewBadgerBackend(cfg.BadgerPath, log)
		if err != nil {
			return fmt.Errorf("failed to open badger cache: %w", err)
		}
		a.Cache = cache.New(b, "badger", log)
		a.closers = append(a.closers, a.Cache)
	}
	if a.Cache == nil {
		log.Info("response cache disabled")
		a.Cache = cache.New(nil, "none", log)
	}

	if rdb != nil {
		a.Counters = cache.NewRedisBackend(rdb)
		return nil
	}
	counters, err := cache.NewBadgerBackend("", log)
	if err != nil {
		return fmt.Errorf("failed to open in-memory counters: %w", err)
	}
	a.Counters = counters
	a.closers = append(a.closers, counters)
	return nil
}

// Close releases every resource in reverse order of acquisition.
func (a *App) Close() {
	a.Cache.Wait()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.Log.WithError(err).Warn("close failed")
		}
	}
	a.Pool.Close()
}
