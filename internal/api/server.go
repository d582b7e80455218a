// Package api exposes opportunities, ingestion controls and health checks
// over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/microcosm-cc/bluemonday"
	"github.com/sirupsen/logrus"

	"github.com/david/opportunity-finder/internal/auth"
	"github.com/david/opportunity-finder/internal/cache"
	"github.com/david/opportunity-finder/internal/classifier"
	"github.com/david/opportunity-finder/internal/config"
	"github.com/david/opportunity-finder/internal/db"
	"github.com/david/opportunity-finder/internal/ingest"
	"github.com/david/opportunity-finder/internal/models"
	"github.com/david/opportunity-finder/internal/ratelimit"
	"github.com/david/opportunity-finder/internal/search"
)

// Searcher is the read side used by the opportunity routes.
type Searcher interface {
	List(ctx context.Context, p search.Params) (*db.ListResult, bool, error)
	Search(ctx context.Context, p search.Params) (*search.Result, error)
	SearchForChat(ctx context.Context, query string, opts search.ChatOptions) (*search.ChatResult, error)
	Stats(ctx context.Context) (*db.Stats, bool, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Opportunity, bool, error)
	Related(ctx context.Context, id uuid.UUID, limit int) ([]models.Opportunity, error)
}

// Ingester runs the ingestion pipeline.
type Ingester interface {
	RunFullIngestion(ctx context.Context) (*models.IngestionRunResult, error)
	ProcessRssURL(ctx context.Context, url, name string) (*models.SourceResult, error)
	GenerateEmbeddingsForNew(ctx context.Context, limit int) (int, error)
}

// FeedProber checks a candidate feed without ingesting it.
type FeedProber interface {
	ValidateFeed(ctx context.Context, url string) ingest.Validation
}

// SourceStore manages feed sources and run logs.
type SourceStore interface {
	ListSources(ctx context.Context, activeOnly bool) ([]models.RssSource, error)
	CreateSource(ctx context.Context, name, url string) (*models.RssSource, error)
	SetSourceActive(ctx context.Context, id uuid.UUID, active bool) (*models.RssSource, error)
	RecentIngestionLogs(ctx context.Context, limit int) ([]models.IngestionLog, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators a Server routes to.
type Deps struct {
	Search            Searcher
	Ingest            Ingester
	Feeds             FeedProber
	Sources           SourceStore
	DB                Pinger
	Cache             *cache.Cache
	Counters          cache.Backend
	Classifier        *classifier.Classifier
	EmbeddingsEnabled bool
}

type Server struct {
	Echo *echo.Echo

	cfg       *config.Config
	deps      Deps
	log       logrus.FieldLogger
	admin     *auth.AdminGate
	sanitizer *bluemonday.Policy
	started   time.Time

	generalLimit    *ratelimit.Limiter
	searchLimit     *ratelimit.Limiter
	ingestionLimit  *ratelimit.Limiter
	embeddingsLimit *ratelimit.Limiter
	aiLimit         *ratelimit.AILimiter
}

func NewServer(cfg *config.Config, deps Deps, logger logrus.FieldLogger) *Server {
	if deps.Classifier == nil {
		deps.Classifier = classifier.Default()
	}
	log := logger.WithField("component", "api")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		Echo:      e,
		cfg:       cfg,
		deps:      deps,
		log:       log,
		admin:     auth.NewAdminGate(cfg.AdminAPIKey, cfg.IsProduction(), log),
		sanitizer: bluemonday.StrictPolicy(),
		started:   time.Now(),
	}

	s.generalLimit = ratelimit.New("general", cfg.GeneralLimit.Max, cfg.GeneralLimit.Window,
		"Too many requests, please try again later.", deps.Counters, logger)
	s.searchLimit = ratelimit.New("search", cfg.SearchLimit.Max, cfg.SearchLimit.Window,
		"Search rate limit exceeded. Please slow down.", deps.Counters, logger)
	s.ingestionLimit = ratelimit.New("ingestion", cfg.IngestionLimit.Max, cfg.IngestionLimit.Window,
		fmt.Sprintf("Ingestion rate limit exceeded. Max %d runs per %s.", cfg.IngestionLimit.Max, windowName(cfg.IngestionLimit.Window)),
		deps.Counters, logger)
	s.embeddingsLimit = ratelimit.New("embeddings", cfg.EmbeddingsLimit.Max, cfg.EmbeddingsLimit.Window,
		"Embedding generation rate limit exceeded.", deps.Counters, logger)
	s.aiLimit = ratelimit.NewAILimiter(deps.Counters, cfg.AIAnonymousMax, cfg.AIAuthMax, s.admin.IsAdmin, logger)

	e.HTTPErrorHandler = s.errorHandler
	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			log.WithError(err).WithField("path", c.Path()).Error("panic recovered")
			return err
		},
	}))
	e.Use(s.requestLogger())
	e.Use(securityHeaders())
	e.Use(s.cors())

	s.routes()
	return s
}

func windowName(d time.Duration) string {
	switch d {
	case time.Hour:
		return "hour"
	case time.Minute:
		return "minute"
	}
	return d.String()
}

func (s *Server) routes() {
	h := s.Echo.Group("/health")
	h.GET("", s.handleHealth)
	h.GET("/ready", s.handleReady)
	h.GET("/live", s.handleLive)

	api := s.Echo.Group("/api", s.generalLimit.Middleware(), auth.OptionalIdentity([]byte(s.cfg.JWTSecret), s.log))
	api.GET("", s.handleIndex)

	opps := api.Group("/opportunities")
	opps.GET("", s.handleListOpportunities)
	opps.GET("/search", s.handleSearch, s.searchLimit.Middleware())
	opps.POST("/chat-search", s.handleChatSearch, s.aiLimit.Middleware())
	opps.GET("/stats", s.handleStats)
	opps.GET("/types", s.handleTypes)
	opps.GET("/fields", s.handleFields)
	opps.GET("/:id", s.handleGetOpportunity)
	opps.GET("/:id/related", s.handleRelated)

	api.GET("/ai/usage", s.handleAIUsage)

	ing := api.Group("/ingestion", s.ingestionLimit.Middleware(), s.admin.Middleware)
	ing.POST("/run", s.handleRunIngestion)
	ing.POST("/feed", s.handleIngestFeed)
	ing.POST("/embeddings", s.handleGenerateEmbeddings, s.embeddingsLimit.Middleware())
	ing.GET("/sources", s.handleListSources)
	ing.POST("/sources", s.handleCreateSource)
	ing.PATCH("/sources/:id", s.handleUpdateSource)
	ing.POST("/validate", s.handleValidateFeed)
	ing.GET("/logs", s.handleIngestionLogs)
}

func (s *Server) handleIndex(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"name":    "Opportunity Finder API",
		"version": "1.0.0",
		"endpoints": map[string]string{
			"health":        "/health",
			"opportunities": "/api/opportunities",
			"search":        "/api/opportunities/search",
			"ingestion":     "/api/ingestion",
		},
	})
}

func (s *Server) Start(port string) error {
	s.log.WithField("port", port).Info("API server starting")
	return s.Echo.Start(":" + port)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.Echo.Shutdown(ctx)
}
