package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/david/opportunity-finder/internal/models"
)

const (
	LogStatusRunning   = "running"
	LogStatusCompleted = "completed"
	LogStatusFailed    = "failed"
)

func (s *Store) CreateIngestionLog(ctx context.Context) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `
		INSERT INTO opportunity_ingestion_logs (status) VALUES ($1) RETURNING id
	`, LogStatusRunning).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("create ingestion log: %w", err)
	}
	return id, nil
}

// CompleteIngestionLog stamps the final counters and status on a run log.
func (s *Store) CompleteIngestionLog(ctx context.Context, id uuid.UUID, status string, r models.IngestionRunResult, errs []string) error {
	if errs == nil {
		errs = []string{}
	}
	errJSON, err := json.Marshal(errs)
	if err != nil {
		return fmt.Errorf("encode errors: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE opportunity_ingestion_logs
		SET status = $2, completed_at = NOW(), sources_processed = $3,
			items_fetched = $4, items_inserted = $5, items_skipped = $6, items_failed = $7,
			embeddings_generated = $8, errors = $9
		WHERE id = $1
	`, id, status, len(r.Sources), r.TotalFetched, r.TotalInserted, r.TotalSkipped, r.TotalFailed,
		r.EmbeddingsGenerated, errJSON)
	if err != nil {
		return fmt.Errorf("complete ingestion log: %w", err)
	}
	return nil
}

func (s *Store) RecentIngestionLogs(ctx context.Context, limit int) ([]models.IngestionLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, status, started_at, completed_at, sources_processed, items_fetched,
			items_inserted, items_skipped, items_failed, embeddings_generated, errors
		FROM opportunity_ingestion_logs
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent ingestion logs: %w", err)
	}
	defer rows.Close()

	logs := []models.IngestionLog{}
	for rows.Next() {
		var l models.IngestionLog
		var errRaw []byte
		if err := rows.Scan(&l.ID, &l.Status, &l.StartedAt, &l.CompletedAt, &l.SourcesProcessed, &l.ItemsFetched,
			&l.ItemsInserted, &l.ItemsSkipped, &l.ItemsFailed, &l.EmbeddingsGenerated, &errRaw); err != nil {
			return nil, fmt.Errorf("scan ingestion log: %w", err)
		}
		if errs, err := decodeLogErrors(errRaw); err != nil {
			s.logger.WithError(err).WithField("log_id", l.ID).Warn("corrupt errors column in ingestion log")
		} else {
			l.Errors = errs
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func decodeLogErrors(raw []byte) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var errs []string
	if err := json.Unmarshal(raw, &errs); err != nil {
		return nil, fmt.Errorf("decode ingestion log errors: %w", err)
	}
	return errs, nil
}
