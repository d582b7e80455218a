package db

import (
	"context"
	"io"
	neturl "net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/david/opportunity-finder/internal/models"
)

func TestWhereBuilder_Filters(t *testing.T) {
	var w whereBuilder
	w.applyFilters(Filters{Type: "scholarship", Country: "kenya"})

	where := w.String()
	assert.Equal(t, "WHERE is_expired = false AND type = $1 AND country ILIKE '%' || $2 || '%'", where)
	assert.Equal(t, []interface{}{"scholarship", "kenya"}, w.args)
}

func TestWhereBuilder_IncludeExpired(t *testing.T) {
	var w whereBuilder
	w.applyFilters(Filters{IncludeExpired: true})
	assert.Equal(t, "WHERE 1=1", w.String())
	assert.Empty(t, w.args)
}

func TestWhereBuilder_ArgIndexes(t *testing.T) {
	var w whereBuilder
	w.applyFilters(Filters{Field: "Technology"})
	assert.Equal(t, 2, w.arg("query"))
	assert.Equal(t, 3, w.arg(0.5))
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, "kenya", escapeLike("kenya"))
	assert.Equal(t, `100\% remote`, escapeLike("100% remote"))
	assert.Equal(t, `data\_science`, escapeLike("data_science"))
	assert.Equal(t, `a\\b`, escapeLike(`a\b`))
}

func TestWhereBuilder_EscapesLikeFilters(t *testing.T) {
	var w whereBuilder
	w.applyFilters(Filters{Field: "50%_off"})
	assert.Equal(t, []interface{}{`50\%\_off`}, w.args)
}

func TestDecodeLogErrors(t *testing.T) {
	errs, err := decodeLogErrors(nil)
	require.NoError(t, err)
	assert.Nil(t, errs)

	errs, err = decodeLogErrors([]byte(`["feed A: timeout"]`))
	require.NoError(t, err)
	assert.Equal(t, []string{"feed A: timeout"}, errs)

	_, err = decodeLogErrors([]byte(`{not json`))
	assert.Error(t, err)
}

func TestColumns_Qualified(t *testing.T) {
	cols := columns("o")
	assert.Contains(t, cols, "o.id, o.title")
	assert.Contains(t, cols, "(o.embedding IS NOT NULL) AS has_embedding")
	assert.NotContains(t, selectCols, "o.")
	assert.Equal(t, strings.Count(selectCols, ","), strings.Count(cols, ","))
}

// openTestStore connects to DATABASE_URL and skips when it is unreachable.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := Connect(ctx, url)
	if err != nil {
		t.Skipf("database unreachable: %v", err)
	}
	t.Cleanup(pool.Close)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	require.NoError(t, ApplyMigrations(ctx, pool, logger))
	return NewStore(pool, logger)
}

func TestConnect_FreshDatabaseWithoutExtension(t *testing.T) {
	base := os.Getenv("DATABASE_URL")
	if base == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	admin, err := pgx.Connect(ctx, base)
	if err != nil {
		t.Skipf("database unreachable: %v", err)
	}
	defer admin.Close(ctx)

	name := "opp_fresh_" + strings.ReplaceAll(uuid.NewString()[:8], "-", "")
	if _, err := admin.Exec(ctx, "CREATE DATABASE "+name); err != nil {
		t.Skipf("cannot create database: %v", err)
	}
	t.Cleanup(func() {
		_, _ = admin.Exec(context.Background(), "DROP DATABASE IF EXISTS "+name+" WITH (FORCE)")
	})

	u, err := neturl.Parse(base)
	require.NoError(t, err)
	u.Path = "/" + name

	pool, err := Connect(ctx, u.String())
	require.NoError(t, err)
	defer pool.Close()

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	require.NoError(t, ApplyMigrations(ctx, pool, logger))

	stats, err := NewStore(pool, logger).GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total)
}

func TestStore_InsertIsIdempotentOnURL(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	url := "https://example.org/test-" + uuid.NewString()
	opp := models.NewOpportunity{
		Title:   "Integration Test Scholarship",
		Type:    models.TypeScholarship,
		Field:   models.DefaultField,
		Country: models.DefaultCountry,
		URL:     url,
	}

	inserted, err := store.InsertOpportunity(ctx, opp)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = store.InsertOpportunity(ctx, opp)
	require.NoError(t, err)
	assert.False(t, inserted)

	existing, err := store.ExistingURLs(ctx, []string{url, url + "-missing"})
	require.NoError(t, err)
	assert.True(t, existing[url])
	assert.False(t, existing[url+"-missing"])

	_, err = store.pool.Exec(ctx, "DELETE FROM opportunities WHERE url = $1", url)
	require.NoError(t, err)
}

func TestStore_DuplicateSource(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	url := "https://example.org/feed-" + uuid.NewString()
	src, err := store.CreateSource(ctx, "Test Feed", url)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = store.pool.Exec(context.Background(), "DELETE FROM rss_sources WHERE id = $1", src.ID)
	})

	_, err = store.CreateSource(ctx, "Test Feed Again", url)
	assert.ErrorIs(t, err, ErrDuplicateSource)

	updated, err := store.SetSourceActive(ctx, src.ID, false)
	require.NoError(t, err)
	assert.False(t, updated.IsActive)

	_, err = store.SetSourceActive(ctx, uuid.New(), true)
	assert.ErrorIs(t, err, ErrNotFound)
}
