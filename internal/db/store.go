package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"github.com/sirupsen/logrus"

	"github.com/david/opportunity-finder/internal/models"
)

type Store struct {
	pool   *pgxpool.Pool
	logger logrus.FieldLogger
}

func NewStore(pool *pgxpool.Pool, logger logrus.FieldLogger) *Store {
	return &Store{pool: pool, logger: logger.WithField("component", "store")}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Filters narrows opportunity queries. Type is matched exactly; Field and
// Country are case-insensitive substring matches.
type Filters struct {
	Type           string
	Field          string
	Country        string
	IncludeExpired bool
}

type ListParams struct {
	Filters
	Query  string
	Limit  int
	Offset int
}

type ListResult struct {
	Opportunities []models.Opportunity `json:"opportunities"`
	Total         int                  `json:"total"`
	Limit         int                  `json:"limit"`
	Offset        int                  `json:"offset"`
}

var selectCols = columns("")

// columns renders the opportunity column list, optionally table-qualified.
func columns(alias string) string {
	p := ""
	if alias != "" {
		p = alias + "."
	}
	return fmt.Sprintf(`%[1]sid, %[1]stitle, %[1]sdescription, %[1]sorganization, %[1]stype, %[1]sfield, %[1]scountry,
	%[1]surl, %[1]ssource_url, %[1]ssource_name, %[1]spublished_at, %[1]sis_expired,
	(%[1]sembedding IS NOT NULL) AS has_embedding, %[1]screated_at, %[1]supdated_at`, p)
}

func scanOpportunity(scan func(dest ...interface{}) error, extra ...interface{}) (models.Opportunity, error) {
	var o models.Opportunity
	var oppType string

	dest := []interface{}{
		&o.ID, &o.Title, &o.Description, &o.Organization, &oppType, &o.Field, &o.Country,
		&o.URL, &o.SourceURL, &o.SourceName, &o.PublishedAt, &o.IsExpired,
		&o.HasEmbedding, &o.CreatedAt, &o.UpdatedAt,
	}
	if err := scan(append(dest, extra...)...); err != nil {
		return o, err
	}
	o.Type = models.OpportunityType(oppType)
	return o, nil
}

func collectOpportunities(rows pgx.Rows, withSimilarity bool) ([]models.Opportunity, error) {
	defer rows.Close()

	opps := []models.Opportunity{}
	for rows.Next() {
		var (
			o   models.Opportunity
			err error
		)
		if withSimilarity {
			var sim float64
			o, err = scanOpportunity(rows.Scan, &sim)
			o.Similarity = &sim
		} else {
			o, err = scanOpportunity(rows.Scan)
		}
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		opps = append(opps, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration failed: %w", err)
	}
	return opps, nil
}

// whereBuilder accumulates positional filter clauses.
type whereBuilder struct {
	clauses []string
	args    []interface{}
}

func (w *whereBuilder) add(format string, arg interface{}) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, fmt.Sprintf(format, len(w.args)))
}

func (w *whereBuilder) raw(clause string) {
	w.clauses = append(w.clauses, clause)
}

// arg registers a positional argument and returns its placeholder index.
func (w *whereBuilder) arg(v interface{}) int {
	w.args = append(w.args, v)
	return len(w.args)
}

func (w *whereBuilder) String() string {
	if len(w.clauses) == 0 {
		return "WHERE 1=1"
	}
	return "WHERE " + strings.Join(w.clauses, " AND ")
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLike makes user input match literally inside an ILIKE pattern.
func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

func (w *whereBuilder) applyFilters(f Filters) {
	if !f.IncludeExpired {
		w.raw("is_expired = false")
	}
	if f.Type != "" {
		w.add("type = $%d", f.Type)
	}
	if f.Field != "" {
		w.add("field ILIKE '%%' || $%d || '%%'", escapeLike(f.Field))
	}
	if f.Country != "" {
		w.add("country ILIKE '%%' || $%d || '%%'", escapeLike(f.Country))
	}
}

func (s *Store) ListOpportunities(ctx context.Context, params ListParams) (*ListResult, error) {
	var w whereBuilder
	w.applyFilters(params.Filters)

	query := strings.TrimSpace(params.Query)
	if query != "" {
		idx := w.arg(query)
		like := w.arg(escapeLike(query))
		w.raw(fmt.Sprintf("(search_vector @@ plainto_tsquery('english', $%d) OR title ILIKE '%%' || $%d || '%%')", idx, like))
	}
	where := w.String()

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM opportunities "+where, w.args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count failed: %w", err)
	}

	args := append([]interface{}{}, w.args...)
	selectSQL := fmt.Sprintf("SELECT %s FROM opportunities %s ORDER BY published_at DESC NULLS LAST, created_at DESC LIMIT $%d OFFSET $%d",
		selectCols, where, len(args)+1, len(args)+2)
	args = append(args, params.Limit, params.Offset)

	rows, err := s.pool.Query(ctx, selectSQL, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	opps, err := collectOpportunities(rows, false)
	if err != nil {
		return nil, err
	}

	return &ListResult{
		Opportunities: opps,
		Total:         total,
		Limit:         params.Limit,
		Offset:        params.Offset,
	}, nil
}

func (s *Store) GetOpportunity(ctx context.Context, id uuid.UUID) (*models.Opportunity, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf("SELECT %s FROM opportunities WHERE id = $1", selectCols), id)

	o, err := scanOpportunity(row.Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get opportunity: %w", err)
	}
	return &o, nil
}

// ExistingURLs returns the subset of urls already stored.
func (s *Store) ExistingURLs(ctx context.Context, urls []string) (map[string]bool, error) {
	existing := make(map[string]bool)
	const batchSize = 100

	for start := 0; start < len(urls); start += batchSize {
		batch := urls[start:min(start+batchSize, len(urls))]
		rows, err := s.pool.Query(ctx, "SELECT url FROM opportunities WHERE url = ANY($1)", batch)
		if err != nil {
			return nil, fmt.Errorf("check existing urls: %w", err)
		}
		for rows.Next() {
			var u string
			if err := rows.Scan(&u); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan url: %w", err)
			}
			existing[u] = true
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("check existing urls: %w", err)
		}
	}
	return existing, nil
}

// InsertOpportunity stores o unless its URL already exists. It reports
// false, without error, on a URL conflict.
func (s *Store) InsertOpportunity(ctx context.Context, o models.NewOpportunity) (bool, error) {
	var org *string
	if o.Organization != "" {
		org = &o.Organization
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO opportunities (title, description, organization, type, field, country,
			url, source_url, source_name, published_at, is_expired)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (url) DO NOTHING
	`, o.Title, o.Description, org, string(o.Type), o.Field, o.Country,
		o.URL, o.SourceURL, o.SourceName, o.PublishedAt, o.IsExpired)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("insert opportunity: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MissingEmbeddings returns the newest opportunities without a vector.
func (s *Store) MissingEmbeddings(ctx context.Context, limit int) ([]models.Opportunity, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM opportunities
		WHERE embedding IS NULL
		ORDER BY created_at DESC
		LIMIT $1
	`, selectCols), limit)
	if err != nil {
		return nil, fmt.Errorf("missing embeddings: %w", err)
	}
	return collectOpportunities(rows, false)
}

// UpdateEmbedding sets the vector only when none is stored yet.
func (s *Store) UpdateEmbedding(ctx context.Context, id uuid.UUID, embedding []float32) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE opportunities
		SET embedding = $2, updated_at = NOW()
		WHERE id = $1 AND embedding IS NULL
	`, id, pgvector.NewVector(embedding))
	if err != nil {
		return fmt.Errorf("update embedding: %w", err)
	}
	return nil
}

type Count struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

type Stats struct {
	Total          int        `json:"total"`
	Active         int        `json:"active"`
	WithEmbeddings int        `json:"with_embeddings"`
	ActiveSources  int        `json:"active_sources"`
	ByType         []Count    `json:"by_type"`
	ByCountry      []Count    `json:"by_country"`
	ByField        []Count    `json:"by_field"`
	LastIngestion  *time.Time `json:"last_ingestion"`
}

func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE is_expired = false),
			COUNT(*) FILTER (WHERE embedding IS NOT NULL)
		FROM opportunities
	`).Scan(&stats.Total, &stats.Active, &stats.WithEmbeddings)
	if err != nil {
		return nil, fmt.Errorf("stats totals: %w", err)
	}

	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM rss_sources WHERE is_active = true").Scan(&stats.ActiveSources); err != nil {
		return nil, fmt.Errorf("stats sources: %w", err)
	}

	if err := s.pool.QueryRow(ctx, "SELECT MAX(completed_at) FROM opportunity_ingestion_logs WHERE status = 'completed'").Scan(&stats.LastIngestion); err != nil {
		return nil, fmt.Errorf("stats last ingestion: %w", err)
	}

	facets := []struct {
		column string
		dest   *[]Count
	}{
		{"type", &stats.ByType},
		{"country", &stats.ByCountry},
		{"field", &stats.ByField},
	}
	for _, f := range facets {
		counts, err := s.countBy(ctx, f.column)
		if err != nil {
			return nil, err
		}
		*f.dest = counts
	}

	return stats, nil
}

func (s *Store) countBy(ctx context.Context, column string) ([]Count, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT %[1]s, COUNT(*) FROM opportunities
		WHERE is_expired = false
		GROUP BY %[1]s ORDER BY COUNT(*) DESC LIMIT 20
	`, column))
	if err != nil {
		return nil, fmt.Errorf("stats by %s: %w", column, err)
	}
	defer rows.Close()

	counts := []Count{}
	for rows.Next() {
		var c Count
		if err := rows.Scan(&c.Value, &c.Count); err != nil {
			return nil, fmt.Errorf("stats by %s: %w", column, err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}
