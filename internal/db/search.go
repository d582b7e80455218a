package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/david/opportunity-finder/internal/models"
)

const (
	HybridVectorWeight  = 0.6
	HybridKeywordWeight = 0.4
	HybridThreshold     = 0.3
	SemanticThreshold   = 0.5
)

type SearchParams struct {
	Filters
	Query  string
	Limit  int
	Offset int
}

// KeywordSearch orders full-text matches by ts_rank.
func (s *Store) KeywordSearch(ctx context.Context, p SearchParams) ([]models.Opportunity, error) {
	var w whereBuilder
	w.applyFilters(p.Filters)
	q := w.arg(p.Query)
	w.raw(fmt.Sprintf("search_vector @@ plainto_tsquery('english', $%d)", q))

	sql := fmt.Sprintf(`
		SELECT %s FROM opportunities %s
		ORDER BY ts_rank(search_vector, plainto_tsquery('english', $%d)) DESC, published_at DESC NULLS LAST
		LIMIT $%d OFFSET $%d
	`, selectCols, w.String(), q, len(w.args)+1, len(w.args)+2)

	rows, err := s.pool.Query(ctx, sql, append(w.args, p.Limit, p.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	return collectOpportunities(rows, false)
}

// SubstringSearch is the last-resort ILIKE match on title and description.
func (s *Store) SubstringSearch(ctx context.Context, p SearchParams) ([]models.Opportunity, error) {
	var w whereBuilder
	w.applyFilters(p.Filters)
	if p.Query != "" {
		q := w.arg(escapeLike(p.Query))
		w.raw(fmt.Sprintf("(title ILIKE '%%' || $%d || '%%' OR description ILIKE '%%' || $%d || '%%')", q, q))
	}

	sql := fmt.Sprintf(`
		SELECT %s FROM opportunities %s
		ORDER BY published_at DESC NULLS LAST, created_at DESC
		LIMIT $%d OFFSET $%d
	`, selectCols, w.String(), len(w.args)+1, len(w.args)+2)

	rows, err := s.pool.Query(ctx, sql, append(w.args, p.Limit, p.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("substring search: %w", err)
	}
	return collectOpportunities(rows, false)
}

// SemanticSearch returns nearest neighbours by cosine similarity above threshold.
func (s *Store) SemanticSearch(ctx context.Context, embedding []float32, threshold float64, p SearchParams) ([]models.Opportunity, error) {
	var w whereBuilder
	w.applyFilters(p.Filters)
	w.raw("embedding IS NOT NULL")
	v := w.arg(pgvector.NewVector(embedding))
	t := w.arg(threshold)
	w.raw(fmt.Sprintf("1 - (embedding <=> $%d) >= $%d", v, t))

	sql := fmt.Sprintf(`
		SELECT %s, (1 - (embedding <=> $%d))::float8 AS similarity
		FROM opportunities %s
		ORDER BY embedding <=> $%d
		LIMIT $%d OFFSET $%d
	`, selectCols, v, w.String(), v, len(w.args)+1, len(w.args)+2)

	rows, err := s.pool.Query(ctx, sql, append(w.args, p.Limit, p.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("semantic search: %w", err)
	}
	return collectOpportunities(rows, true)
}

// HybridSearch blends vector similarity with keyword rank and keeps rows
// whose blended score clears threshold.
func (s *Store) HybridSearch(ctx context.Context, embedding []float32, threshold float64, p SearchParams) ([]models.Opportunity, error) {
	var w whereBuilder
	w.applyFilters(p.Filters)
	w.raw("embedding IS NOT NULL")
	v := w.arg(pgvector.NewVector(embedding))
	q := w.arg(p.Query)
	score := fmt.Sprintf(
		"(%g * (1 - (embedding <=> $%d)) + %g * COALESCE(ts_rank(search_vector, plainto_tsquery('english', $%d)), 0))",
		HybridVectorWeight, v, HybridKeywordWeight, q)
	t := w.arg(threshold)
	w.raw(fmt.Sprintf("%s >= $%d", score, t))

	sql := fmt.Sprintf(`
		SELECT %s, %s::float8 AS hybrid_score
		FROM opportunities %s
		ORDER BY hybrid_score DESC
		LIMIT $%d OFFSET $%d
	`, selectCols, score, w.String(), len(w.args)+1, len(w.args)+2)

	rows, err := s.pool.Query(ctx, sql, append(w.args, p.Limit, p.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("hybrid search: %w", err)
	}
	return collectOpportunities(rows, true)
}

// Related returns the nearest neighbours of a stored opportunity, excluding it.
func (s *Store) Related(ctx context.Context, id uuid.UUID, limit int) ([]models.Opportunity, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		WITH target AS (SELECT embedding FROM opportunities WHERE id = $1 AND embedding IS NOT NULL)
		SELECT %s, (1 - (o.embedding <=> target.embedding))::float8 AS similarity
		FROM opportunities o, target
		WHERE o.id <> $1 AND o.embedding IS NOT NULL AND o.is_expired = false
		ORDER BY o.embedding <=> target.embedding
		LIMIT $2
	`, columns("o")), id, limit)
	if err != nil {
		return nil, fmt.Errorf("related opportunities: %w", err)
	}
	return collectOpportunities(rows, true)
}
