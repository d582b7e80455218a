// Package search answers filtered, keyword, semantic and chat-style queries
// over stored opportunities, with cache-aside reads.
package search

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/david/opportunity-finder/internal/cache"
	"github.com/david/opportunity-finder/internal/classifier"
	"github.com/david/opportunity-finder/internal/db"
	"github.com/david/opportunity-finder/internal/models"
)

const (
	DefaultLimit     = 20
	MaxLimit         = 100
	DefaultChatLimit = 10
	ChatDisplayLimit = 5
	RelatedLimit     = 5
)

// Store is the read surface of the opportunity store.
type Store interface {
	ListOpportunities(ctx context.Context, p db.ListParams) (*db.ListResult, error)
	GetOpportunity(ctx context.Context, id uuid.UUID) (*models.Opportunity, error)
	GetStats(ctx context.Context) (*db.Stats, error)
	KeywordSearch(ctx context.Context, p db.SearchParams) ([]models.Opportunity, error)
	SubstringSearch(ctx context.Context, p db.SearchParams) ([]models.Opportunity, error)
	SemanticSearch(ctx context.Context, embedding []float32, threshold float64, p db.SearchParams) ([]models.Opportunity, error)
	HybridSearch(ctx context.Context, embedding []float32, threshold float64, p db.SearchParams) ([]models.Opportunity, error)
	Related(ctx context.Context, id uuid.UUID, limit int) ([]models.Opportunity, error)
}

// QueryEmbedder turns a query into a vector. *ai.Generator satisfies it.
type QueryEmbedder interface {
	Enabled() bool
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

type Service struct {
	store      Store
	embedder   QueryEmbedder
	classifier *classifier.Classifier
	cache      *cache.Cache
	log        logrus.FieldLogger
}

func NewService(store Store, embedder QueryEmbedder, cls *classifier.Classifier, c *cache.Cache, logger logrus.FieldLogger) *Service {
	if cls == nil {
		cls = classifier.Default()
	}
	return &Service{
		store:      store,
		embedder:   embedder,
		classifier: cls,
		cache:      c,
		log:        logger.WithField("component", "search"),
	}
}

func (s *Service) embeddingsEnabled() bool {
	return s.embedder != nil && s.embedder.Enabled()
}

// Search modes accepted by Search.
const (
	ModeSmart    = "smart"
	ModeSemantic = "semantic"
)

// Params is a search request. Empty filters are ignored.
type Params struct {
	Query   string `json:"query,omitempty"`
	Type    string `json:"type,omitempty"`
	Field   string `json:"field,omitempty"`
	Country string `json:"country,omitempty"`
	Mode    string `json:"mode,omitempty"`
	Limit   int    `json:"limit,omitempty"`
	Offset  int    `json:"offset,omitempty"`
}

// IsValidMode reports whether m names a search mode. Empty means smart.
func IsValidMode(m string) bool {
	return m == "" || m == ModeSmart || m == ModeSemantic
}

func (p Params) normalized() Params {
	p.Query = strings.TrimSpace(p.Query)
	if p.Limit <= 0 {
		p.Limit = DefaultLimit
	}
	p.Limit = min(p.Limit, MaxLimit)
	p.Offset = max(p.Offset, 0)
	if p.Mode == ModeSmart {
		p.Mode = ""
	}
	return p
}

func (p Params) dbParams() db.SearchParams {
	return db.SearchParams{
		Filters: db.Filters{Type: p.Type, Field: p.Field, Country: p.Country},
		Query:   p.Query,
		Limit:   p.Limit,
		Offset:  p.Offset,
	}
}

func (p Params) cacheParams() map[string]any {
	m := map[string]any{"limit": p.Limit, "offset": p.Offset}
	for k, v := range map[string]string{"q": strings.ToLower(p.Query), "type": p.Type, "field": p.Field, "country": p.Country, "mode": p.Mode} {
		if v != "" {
			m[k] = v
		}
	}
	return m
}

// SmartSearch tries hybrid search, then full-text search, then a substring
// match. Each stage falls through on error or on an empty result.
func (s *Service) SmartSearch(ctx context.Context, p Params) ([]models.Opportunity, error) {
	p = p.normalized()
	dp := p.dbParams()
	if p.Query == "" {
		return s.store.SubstringSearch(ctx, dp)
	}

	if s.embeddingsEnabled() {
		if vec, err := s.embedder.GenerateEmbedding(ctx, p.Query); err != nil {
			s.log.WithError(err).Warn("query embedding failed, using keyword search")
		} else if results, err := s.store.HybridSearch(ctx, vec, db.HybridThreshold, dp); err != nil {
			s.log.WithError(err).Warn("hybrid search failed, using keyword search")
		} else if len(results) > 0 {
			return results, nil
		}
	}

	results, err := s.store.KeywordSearch(ctx, dp)
	if err != nil {
		s.log.WithError(err).Warn("keyword search failed, using substring search")
	} else if len(results) > 0 {
		return results, nil
	}

	return s.store.SubstringSearch(ctx, dp)
}

// SemanticSearch ranks by vector similarity, or falls back to keyword
// search when no embedding provider is configured.
func (s *Service) SemanticSearch(ctx context.Context, p Params) ([]models.Opportunity, error) {
	p = p.normalized()
	if p.Query != "" && s.embeddingsEnabled() {
		vec, err := s.embedder.GenerateEmbedding(ctx, p.Query)
		if err == nil {
			return s.store.SemanticSearch(ctx, vec, db.SemanticThreshold, p.dbParams())
		}
		s.log.WithError(err).Warn("query embedding failed, using keyword search")
	}
	return s.store.KeywordSearch(ctx, p.dbParams())
}

// Result is a search response.
type Result struct {
	Opportunities   []models.Opportunity `json:"opportunities"`
	Cached          bool                 `json:"-"`
	DetectedFilters Intent               `json:"detectedFilters"`
}

// Search runs SmartSearch, or SemanticSearch in semantic mode, through the
// cache and reports the filters implied by the query text.
func (s *Service) Search(ctx context.Context, p Params) (*Result, error) {
	p = p.normalized()
	key := cache.GenerateKey(cache.NSSearch, p.cacheParams())

	opps, hit, err := cache.WithCache(ctx, s.cache, key, cache.TTLSearch, func(ctx context.Context) ([]models.Opportunity, error) {
		if p.Mode == ModeSemantic {
			return s.SemanticSearch(ctx, p)
		}
		return s.SmartSearch(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	return &Result{Opportunities: opps, Cached: hit, DetectedFilters: s.ParseIntent(p.Query)}, nil
}

// List returns a filtered page of opportunities through the cache.
func (s *Service) List(ctx context.Context, p Params) (*db.ListResult, bool, error) {
	p = p.normalized()
	key := cache.GenerateKey(cache.NSList, p.cacheParams())
	return cache.WithCache(ctx, s.cache, key, cache.TTLSearch, func(ctx context.Context) (*db.ListResult, error) {
		return s.store.ListOpportunities(ctx, db.ListParams{
			Filters: db.Filters{Type: p.Type, Field: p.Field, Country: p.Country},
			Query:   p.Query,
			Limit:   p.Limit,
			Offset:  p.Offset,
		})
	})
}

// Get returns one opportunity through the cache.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Opportunity, bool, error) {
	key := cache.GenerateKey(cache.NSDetail, map[string]any{"id": id.String()})
	return cache.WithCache(ctx, s.cache, key, cache.TTLDetail, func(ctx context.Context) (*models.Opportunity, error) {
		return s.store.GetOpportunity(ctx, id)
	})
}

// Stats returns catalogue statistics through the cache.
func (s *Service) Stats(ctx context.Context) (*db.Stats, bool, error) {
	key := cache.GenerateKey(cache.NSStats, nil)
	return cache.WithCache(ctx, s.cache, key, cache.TTLStats, s.store.GetStats)
}

// Related returns the nearest stored neighbours of id. Opportunities
// without an embedding have none.
func (s *Service) Related(ctx context.Context, id uuid.UUID, limit int) ([]models.Opportunity, error) {
	if limit <= 0 {
		limit = RelatedLimit
	}
	if _, err := s.store.GetOpportunity(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Related(ctx, id, min(limit, MaxLimit))
}

// Intent is the set of filters implied by free text, plus the text left
// once request phrasing is removed.
type Intent struct {
	Keywords string `json:"keywords"`
	Type     string `json:"type,omitempty"`
	Field    string `json:"field,omitempty"`
	Country  string `json:"country,omitempty"`
}

var (
	fillerVerbs   = regexp.MustCompile(`(?i)\b(find|show|search|get|looking\s+for|interested\s+in)\b`)
	fillerPhrases = regexp.MustCompile(`(?i)\b(me|please|can\s+you|i\s+want)\b`)
	spaces        = regexp.MustCompile(`\s+`)
)

// ParseIntent extracts type, field and country hints using the classifier
// keyword tables.
func (s *Service) ParseIntent(query string) Intent {
	found := s.classifier.ParseIntent(query)
	keywords := fillerVerbs.ReplaceAllString(query, "")
	keywords = fillerPhrases.ReplaceAllString(keywords, "")
	keywords = strings.TrimSpace(spaces.ReplaceAllString(keywords, " "))
	return Intent{
		Keywords: keywords,
		Type:     found.Type,
		Field:    found.Field,
		Country:  found.Country,
	}
}

// ErrEmptyQuery is returned for chat searches without text.
var ErrEmptyQuery = errors.New("query is required")
