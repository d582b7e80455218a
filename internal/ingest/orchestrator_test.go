package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/david/opportunity-finder/internal/ai"
	"github.com/david/opportunity-finder/internal/models"
)

type fakeStore struct {
	mu        sync.Mutex
	sources   []models.RssSource
	opps      map[string]models.NewOpportunity
	ids       map[string]uuid.UUID
	vectors   map[uuid.UUID][]float32
	statuses  map[uuid.UUID]string
	logs      map[uuid.UUID]string
	insertErr map[string]error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		opps:      map[string]models.NewOpportunity{},
		ids:       map[string]uuid.UUID{},
		vectors:   map[uuid.UUID][]float32{},
		statuses:  map[uuid.UUID]string{},
		logs:      map[uuid.UUID]string{},
		insertErr: map[string]error{},
	}
}

func (s *fakeStore) seed(urls ...string) {
	for _, u := range urls {
		s.opps[u] = models.NewOpportunity{URL: u, Title: "existing"}
		s.ids[u] = uuid.New()
	}
}

func (s *fakeStore) GetActiveSources(context.Context) ([]models.RssSource, error) {
	return s.sources, nil
}

func (s *fakeStore) ExistingURLs(_ context.Context, urls []string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]bool{}
	for _, u := range urls {
		if _, ok := s.opps[u]; ok {
			out[u] = true
		}
	}
	return out, nil
}

func (s *fakeStore) InsertOpportunity(_ context.Context, o models.NewOpportunity) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.insertErr[o.URL]; err != nil {
		return false, err
	}
	if _, ok := s.opps[o.URL]; ok {
		return false, nil
	}
	s.opps[o.URL] = o
	s.ids[o.URL] = uuid.New()
	return true, nil
}

func (s *fakeStore) UpdateSourceStatus(_ context.Context, id uuid.UUID, _ time.Time, lastError string, _ int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[id] = lastError
	return nil
}

func (s *fakeStore) CreateIngestionLog(context.Context) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New()
	s.logs[id] = "running"
	return id, nil
}

func (s *fakeStore) CompleteIngestionLog(_ context.Context, id uuid.UUID, status string, _ models.IngestionRunResult, _ []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[id] = status
	return nil
}

func (s *fakeStore) MissingEmbeddings(_ context.Context, limit int) ([]models.Opportunity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Opportunity
	for u, o := range s.opps {
		id := s.ids[u]
		if _, ok := s.vectors[id]; ok {
			continue
		}
		out = append(out, models.Opportunity{ID: id, Title: o.Title, URL: u, Type: o.Type})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateEmbedding(_ context.Context, id uuid.UUID, v []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vectors[id] = v
	return nil
}

type fakeFetcher struct {
	feeds map[string][]models.FeedItem
	errs  map[string]error
	block chan struct{}
}

func (f *fakeFetcher) FetchFeed(_ context.Context, url, _ string) ([]models.FeedItem, error) {
	if f.block != nil {
		<-f.block
	}
	if err := f.errs[url]; err != nil {
		return nil, err
	}
	return f.feeds[url], nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) Name() string { return "fake" }

func (fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = make([]float32, ai.Dimensions)
	}
	return out, nil
}

var fixedNow = time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

func item(n int) models.FeedItem {
	return models.FeedItem{
		Title:   fmt.Sprintf("Summer Internship %d at Google", n),
		Link:    fmt.Sprintf("https://example.org/posts/%d?utm_source=rss", n),
		IsoDate: fixedNow.Add(-24 * time.Hour).Format(time.RFC3339),
		Content: "<p>Apply for this software engineering internship in Kenya.</p>",
	}
}

func newTestOrchestrator(store Store, fetcher Fetcher, gen *ai.Generator, sources []models.RssSource) *Orchestrator {
	o := NewOrchestrator(store, fetcher, nil, gen, nil, Options{DefaultSources: sources}, quietLogger())
	o.batchPause = 0
	o.now = func() time.Time { return fixedNow }
	return o
}

func TestProcessRssURL_SkipsExistingURLs(t *testing.T) {
	const feedURL = "https://feeds.example.org/rss"
	store := newFakeStore()
	store.seed("https://example.org/posts/2", "https://example.org/posts/4")

	fetcher := &fakeFetcher{feeds: map[string][]models.FeedItem{
		feedURL: {item(1), item(2), item(3), item(4), item(5)},
	}}
	o := newTestOrchestrator(store, fetcher, nil, nil)

	res, err := o.ProcessRssURL(context.Background(), feedURL, "Example")
	require.NoError(t, err)
	assert.Equal(t, 5, res.Fetched)
	assert.Equal(t, 3, res.Inserted)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, 0, res.Failed)
	assert.Empty(t, res.Errors)

	stored := store.opps["https://example.org/posts/1"]
	assert.Equal(t, models.TypeInternship, stored.Type)
	assert.Equal(t, "Example", stored.SourceName)
	assert.Equal(t, feedURL, stored.SourceURL)
	assert.Equal(t, "Apply for this software engineering internship in Kenya.", stored.Description)
}

func TestProcessRssURL_RejectsUnsafeURL(t *testing.T) {
	o := newTestOrchestrator(newFakeStore(), &fakeFetcher{}, nil, nil)
	_, err := o.ProcessRssURL(context.Background(), "http://localhost:8080/feed", "")
	assert.ErrorContains(t, err, "Localhost")
}

func TestProcessSource_ItemOutcomes(t *testing.T) {
	store := newFakeStore()
	store.insertErr["https://example.org/posts/3"] = errors.New("connection reset")

	stale := item(4)
	stale.IsoDate = fixedNow.AddDate(0, -6, 0).Format(time.RFC3339)
	noLink := item(5)
	noLink.Link = "not a url"
	duplicateInFeed := item(1)

	items := []models.FeedItem{item(1), item(2), item(3), stale, noLink, duplicateInFeed}
	o := newTestOrchestrator(store, &fakeFetcher{}, nil, nil)

	src := models.RssSource{ID: uuid.New(), Name: "Example", URL: "https://feeds.example.org/rss"}
	res := o.processSource(context.Background(), src, items, nil)

	assert.Equal(t, 6, res.Fetched)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 3, res.Skipped)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "connection reset")
	assert.Equal(t, "", store.statuses[src.ID])
}

func TestRunFullIngestion_IdempotentAndPartial(t *testing.T) {
	store := newFakeStore()
	good := models.RssSource{ID: uuid.New(), Name: "Good", URL: "https://good.example.org/feed"}
	broken := models.RssSource{ID: uuid.New(), Name: "Broken", URL: "https://broken.example.org/feed"}
	store.sources = []models.RssSource{good, broken}

	fetcher := &fakeFetcher{
		feeds: map[string][]models.FeedItem{good.URL: {item(1), item(2), item(3)}},
		errs:  map[string]error{broken.URL: &StatusError{Code: 500}},
	}
	gen := ai.NewGenerator(fakeEmbedder{}, quietLogger())
	o := newTestOrchestrator(store, fetcher, gen, nil)

	first, err := o.RunFullIngestion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, first.TotalFetched)
	assert.Equal(t, 3, first.TotalInserted)
	assert.Equal(t, 3, first.EmbeddingsGenerated)
	require.Len(t, first.Sources, 2)
	assert.Equal(t, "Good", first.Sources[0].Source)
	assert.Equal(t, []string{"unexpected status code: 500"}, first.Sources[1].Errors)
	assert.Equal(t, "unexpected status code: 500", store.statuses[broken.ID])
	require.NotNil(t, first.LogID)
	assert.Equal(t, logStatusCompleted, store.logs[*first.LogID])

	second, err := o.RunFullIngestion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, second.TotalInserted)
	assert.Equal(t, 3, second.TotalSkipped)
	assert.Equal(t, 0, second.EmbeddingsGenerated)
}

func TestRunFullIngestion_FallsBackToDefaults(t *testing.T) {
	store := newFakeStore()
	defaults := []models.RssSource{{Name: "Default", URL: "https://default.example.org/feed", IsActive: true}}
	fetcher := &fakeFetcher{feeds: map[string][]models.FeedItem{defaults[0].URL: {item(1)}}}
	o := newTestOrchestrator(store, fetcher, nil, defaults)

	res, err := o.RunFullIngestion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.TotalInserted)
	assert.Equal(t, 0, res.EmbeddingsGenerated)
	assert.Empty(t, store.statuses)
}

func TestRunFullIngestion_RejectsOverlap(t *testing.T) {
	store := newFakeStore()
	store.sources = []models.RssSource{{Name: "Slow", URL: "https://slow.example.org/feed"}}
	fetcher := &fakeFetcher{block: make(chan struct{})}
	o := newTestOrchestrator(store, fetcher, nil, nil)

	done := make(chan error, 1)
	go func() {
		_, err := o.RunFullIngestion(context.Background())
		done <- err
	}()

	require.Eventually(t, o.Running, time.Second, 5*time.Millisecond)
	_, err := o.RunFullIngestion(context.Background())
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(fetcher.block)
	require.NoError(t, <-done)
	assert.False(t, o.Running())
}

func TestGenerateEmbeddingsForNew_Disabled(t *testing.T) {
	store := newFakeStore()
	store.seed("https://example.org/a")
	o := newTestOrchestrator(store, &fakeFetcher{}, nil, nil)

	n, err := o.GenerateEmbeddingsForNew(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, n)
}
