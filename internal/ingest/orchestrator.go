// Package ingest pulls RSS feeds, cleans and classifies their entries, and
// persists new opportunities with URL-based dedup.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/david/opportunity-finder/internal/ai"
	"github.com/david/opportunity-finder/internal/cache"
	"github.com/david/opportunity-finder/internal/classifier"
	"github.com/david/opportunity-finder/internal/cleaner"
	"github.com/david/opportunity-finder/internal/models"
	"github.com/david/opportunity-finder/internal/security"
)

const (
	RunEmbeddingLimit      = 200
	BackfillEmbeddingLimit = 50

	logStatusCompleted = "completed"
	logStatusFailed    = "failed"
)

// ErrRunInProgress is returned when a full run is requested while one is active.
var ErrRunInProgress = errors.New("ingestion run already in progress")

// Store is the persistence surface the orchestrator needs.
type Store interface {
	GetActiveSources(ctx context.Context) ([]models.RssSource, error)
	ExistingURLs(ctx context.Context, urls []string) (map[string]bool, error)
	InsertOpportunity(ctx context.Context, o models.NewOpportunity) (bool, error)
	UpdateSourceStatus(ctx context.Context, id uuid.UUID, fetchedAt time.Time, lastError string, itemsCount int) error
	CreateIngestionLog(ctx context.Context) (uuid.UUID, error)
	CompleteIngestionLog(ctx context.Context, id uuid.UUID, status string, r models.IngestionRunResult, errs []string) error
	MissingEmbeddings(ctx context.Context, limit int) ([]models.Opportunity, error)
	UpdateEmbedding(ctx context.Context, id uuid.UUID, embedding []float32) error
}

type Options struct {
	MaxDescriptionLength int
	FeedConcurrency      int
	AllowedHosts         []string
	DefaultSources       []models.RssSource
}

type Orchestrator struct {
	store      Store
	fetcher    Fetcher
	classifier *classifier.Classifier
	embeddings *ai.Generator
	cache      *cache.Cache
	log        logrus.FieldLogger

	opts       Options
	batchPause time.Duration
	now        func() time.Time

	mu      sync.Mutex
	running bool
}

func NewOrchestrator(store Store, fetcher Fetcher, cls *classifier.Classifier, embeddings *ai.Generator, c *cache.Cache, opts Options, logger logrus.FieldLogger) *Orchestrator {
	if opts.MaxDescriptionLength <= 0 {
		opts.MaxDescriptionLength = cleaner.DefaultMaxDescriptionLength
	}
	if opts.FeedConcurrency <= 0 {
		opts.FeedConcurrency = DefaultBatchSize
	}
	if opts.DefaultSources == nil {
		opts.DefaultSources = DefaultSources()
	}
	if cls == nil {
		cls = classifier.Default()
	}
	return &Orchestrator{
		store:      store,
		fetcher:    fetcher,
		classifier: cls,
		embeddings: embeddings,
		cache:      c,
		log:        logger.WithField("component", "ingestion"),
		opts:       opts,
		batchPause: multiFetchPause,
		now:        time.Now,
	}
}

// Running reports whether a full run is active.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

func (o *Orchestrator) begin() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return false
	}
	o.running = true
	return true
}

func (o *Orchestrator) end() {
	o.mu.Lock()
	o.running = false
	o.mu.Unlock()
}

// RunFullIngestion processes every active source, then backfills embeddings.
// Source and item failures are recorded in the result, not returned.
func (o *Orchestrator) RunFullIngestion(ctx context.Context) (*models.IngestionRunResult, error) {
	if !o.begin() {
		return nil, ErrRunInProgress
	}
	defer o.end()

	result := &models.IngestionRunResult{StartedAt: o.now().UTC()}
	o.log.Info("[ingestion] starting full run")

	logID, err := o.store.CreateIngestionLog(ctx)
	if err != nil {
		o.log.WithError(err).Warn("[ingestion] could not create run log")
	} else {
		result.LogID = &logID
	}

	sources, err := o.store.GetActiveSources(ctx)
	if err != nil {
		o.completeLog(ctx, result, logStatusFailed, []string{err.Error()})
		return nil, fmt.Errorf("load sources: %w", err)
	}
	if len(sources) == 0 {
		o.log.Info("[ingestion] no active sources in database, using defaults")
		sources = o.opts.DefaultSources
	}
	o.log.WithField("sources", len(sources)).Info("[ingestion] fetching feeds")

	feeds := FetchMultiple(ctx, o.fetcher, sources, o.opts.FeedConcurrency, o.batchPause)

	var runErrors []string
	for _, feed := range feeds {
		sr := o.processSource(ctx, feed.Source, feed.Items, feed.Err)
		result.Sources = append(result.Sources, sr)
		result.TotalFetched += sr.Fetched
		result.TotalInserted += sr.Inserted
		result.TotalSkipped += sr.Skipped
		result.TotalFailed += sr.Failed
		for _, e := range sr.Errors {
			runErrors = append(runErrors, sr.Source+": "+e)
		}
	}

	if o.embeddings.Enabled() {
		n, err := o.GenerateEmbeddingsForNew(ctx, RunEmbeddingLimit)
		if err != nil {
			o.log.WithError(err).Warn("[ingestion] embedding pass failed")
			runErrors = append(runErrors, "embeddings: "+err.Error())
		}
		result.EmbeddingsGenerated = n
	}

	if result.TotalInserted > 0 {
		o.invalidate(ctx)
	}

	result.CompletedAt = o.now().UTC()
	o.completeLog(ctx, result, logStatusCompleted, runErrors)

	o.log.WithFields(logrus.Fields{
		"sources":    len(result.Sources),
		"fetched":    result.TotalFetched,
		"inserted":   result.TotalInserted,
		"skipped":    result.TotalSkipped,
		"failed":     result.TotalFailed,
		"embeddings": result.EmbeddingsGenerated,
		"duration":   result.CompletedAt.Sub(result.StartedAt).String(),
	}).Info("[ingestion] full run complete")

	return result, nil
}

func (o *Orchestrator) completeLog(ctx context.Context, r *models.IngestionRunResult, status string, errs []string) {
	if r.LogID == nil {
		return
	}
	if err := o.store.CompleteIngestionLog(context.WithoutCancel(ctx), *r.LogID, status, *r, errs); err != nil {
		o.log.WithError(err).Warn("[ingestion] could not complete run log")
	}
}

func (o *Orchestrator) invalidate(ctx context.Context) {
	n := o.cache.InvalidateNamespace(ctx, cache.NSSearch)
	n += o.cache.InvalidateNamespace(ctx, cache.NSList)
	n += o.cache.InvalidateNamespace(ctx, cache.NSStats)
	if n > 0 {
		o.log.WithField("keys", n).Debug("[ingestion] invalidated cached results")
	}
}

// ProcessRssURL ingests a single feed outside of a full run.
func (o *Orchestrator) ProcessRssURL(ctx context.Context, url, name string) (*models.SourceResult, error) {
	if err := security.AssertSafeOutboundURL(url, o.opts.AllowedHosts); err != nil {
		return nil, err
	}
	if name == "" {
		name = url
	}
	src := models.RssSource{Name: name, URL: url, IsActive: true}

	items, err := o.fetcher.FetchFeed(ctx, url, name)
	sr := o.processSource(ctx, src, items, err)
	if sr.Inserted > 0 {
		o.invalidate(ctx)
	}
	return &sr, nil
}

type candidate struct {
	item  models.CleanedItem
	class classifier.Result
}

// processSource runs clean, classify and insert-if-new over one feed's
// items in feed order.
func (o *Orchestrator) processSource(ctx context.Context, src models.RssSource, items []models.FeedItem, fetchErr error) models.SourceResult {
	result := models.SourceResult{Source: src.Name, URL: src.URL, Errors: []string{}}
	log := o.log.WithField("feed", src.Name)

	if fetchErr != nil {
		result.Errors = append(result.Errors, fetchErr.Error())
		o.updateSourceStatus(ctx, src, fetchErr.Error(), 0)
		log.WithError(fetchErr).Warn("[ingestion] feed fetch failed")
		return result
	}

	result.Fetched = len(items)
	now := o.now()

	candidates := make([]candidate, 0, len(items))
	urls := make([]string, 0, len(items))
	for _, item := range items {
		if !cleaner.IsValidURL(item.Link) {
			result.Skipped++
			continue
		}
		cleaned := cleaner.CleanItem(item, o.opts.MaxDescriptionLength)
		if cleaned.Title == "" {
			result.Skipped++
			continue
		}
		if cleaner.IsLikelyExpired(cleaned.Title, cleaned.Description, cleaned.PublishedAt, now) {
			result.Skipped++
			continue
		}
		candidates = append(candidates, candidate{
			item:  cleaned,
			class: o.classifier.Classify(cleaned.Title, cleaned.Description),
		})
		urls = append(urls, cleaned.URL)
	}

	existing, err := o.store.ExistingURLs(ctx, urls)
	if err != nil {
		// Insert-if-new still dedups; only the pre-check is lost.
		log.WithError(err).Warn("[ingestion] existing url check failed")
		existing = map[string]bool{}
	}

	for _, c := range candidates {
		if existing[c.item.URL] {
			result.Skipped++
			continue
		}
		inserted, err := o.store.InsertOpportunity(ctx, models.NewOpportunity{
			Title:        c.item.Title,
			Description:  c.item.Description,
			Organization: c.item.Organization,
			Type:         c.class.Type,
			Field:        c.class.Field,
			Country:      c.class.Country,
			URL:          c.item.URL,
			SourceURL:    src.URL,
			SourceName:   src.Name,
			PublishedAt:  c.item.PublishedAt,
		})
		switch {
		case err != nil:
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", c.item.URL, err))
		case inserted:
			result.Inserted++
			existing[c.item.URL] = true
		default:
			result.Skipped++
		}
	}

	o.updateSourceStatus(ctx, src, "", len(items))
	log.WithFields(logrus.Fields{
		"fetched":  result.Fetched,
		"inserted": result.Inserted,
		"skipped":  result.Skipped,
		"failed":   result.Failed,
	}).Info("[ingestion] feed processed")
	return result
}

func (o *Orchestrator) updateSourceStatus(ctx context.Context, src models.RssSource, lastError string, itemsCount int) {
	if src.ID == uuid.Nil {
		return
	}
	if err := o.store.UpdateSourceStatus(ctx, src.ID, o.now().UTC(), lastError, itemsCount); err != nil {
		o.log.WithError(err).WithField("feed", src.Name).Warn("[ingestion] could not update source status")
	}
}

// GenerateEmbeddingsForNew embeds up to limit opportunities that lack a
// vector and returns how many were stored. It is a no-op without a provider.
func (o *Orchestrator) GenerateEmbeddingsForNew(ctx context.Context, limit int) (int, error) {
	if !o.embeddings.Enabled() {
		return 0, nil
	}
	if limit <= 0 {
		limit = RunEmbeddingLimit
	}

	opps, err := o.store.MissingEmbeddings(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("load opportunities without embeddings: %w", err)
	}
	if len(opps) == 0 {
		o.log.Debug("[embeddings] nothing to embed")
		return 0, nil
	}
	o.log.WithField("count", len(opps)).Info("[embeddings] generating")

	vectors, err := o.embeddings.GenerateOpportunityEmbeddings(ctx, opps, ai.DefaultBatchSize)
	if err != nil && len(vectors) == 0 {
		return 0, err
	}

	stored := 0
	for _, opp := range opps {
		vec, ok := vectors[opp.ID]
		if !ok {
			continue
		}
		if err := o.store.UpdateEmbedding(ctx, opp.ID, vec); err != nil {
			o.log.WithError(err).WithField("id", opp.ID).Warn("[embeddings] could not store vector")
			continue
		}
		stored++
	}
	o.log.WithField("stored", stored).Info("[embeddings] pass complete")
	return stored, nil
}
