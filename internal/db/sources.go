package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/david/opportunity-finder/internal/models"
)

const sourceCols = `id, name, url, is_active, last_fetched_at, last_error, items_count, created_at`

func scanSource(scan func(dest ...interface{}) error) (models.RssSource, error) {
	var src models.RssSource
	err := scan(&src.ID, &src.Name, &src.URL, &src.IsActive, &src.LastFetchedAt, &src.LastError, &src.ItemsCount, &src.CreatedAt)
	return src, err
}

// ListSources returns sources ordered by name, optionally only active ones.
func (s *Store) ListSources(ctx context.Context, activeOnly bool) ([]models.RssSource, error) {
	sql := "SELECT " + sourceCols + " FROM rss_sources"
	if activeOnly {
		sql += " WHERE is_active = true"
	}
	sql += " ORDER BY name"

	rows, err := s.pool.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	sources := []models.RssSource{}
	for rows.Next() {
		src, err := scanSource(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

func (s *Store) GetActiveSources(ctx context.Context) ([]models.RssSource, error) {
	return s.ListSources(ctx, true)
}

func (s *Store) CreateSource(ctx context.Context, name, url string) (*models.RssSource, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO rss_sources (name, url) VALUES ($1, $2)
		RETURNING `+sourceCols, name, url)

	src, err := scanSource(row.Scan)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateSource
		}
		return nil, fmt.Errorf("create source: %w", err)
	}
	return &src, nil
}

func (s *Store) SetSourceActive(ctx context.Context, id uuid.UUID, active bool) (*models.RssSource, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE rss_sources SET is_active = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+sourceCols, id, active)

	src, err := scanSource(row.Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update source: %w", err)
	}
	return &src, nil
}

// UpdateSourceStatus records the outcome of the latest fetch. An empty
// lastError clears the previous one.
func (s *Store) UpdateSourceStatus(ctx context.Context, id uuid.UUID, fetchedAt time.Time, lastError string, itemsCount int) error {
	var errVal *string
	if lastError != "" {
		errVal = &lastError
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE rss_sources
		SET last_fetched_at = $2, last_error = $3, items_count = $4, updated_at = NOW()
		WHERE id = $1
	`, id, fetchedAt, errVal, itemsCount)
	if err != nil {
		return fmt.Errorf("update source status: %w", err)
	}
	return nil
}
