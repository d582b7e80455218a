// Package scheduler runs periodic ingestion and embedding backfill on cron.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/david/opportunity-finder/internal/ingest"
	"github.com/david/opportunity-finder/internal/models"
)

// Runner is the work the scheduler triggers. *ingest.Orchestrator satisfies it.
type Runner interface {
	RunFullIngestion(ctx context.Context) (*models.IngestionRunResult, error)
	GenerateEmbeddingsForNew(ctx context.Context, limit int) (int, error)
}

// Scheduler wraps robfig/cron with one ingestion job and one embedding job.
type Scheduler struct {
	cron           *cron.Cron
	runner         Runner
	log            logrus.FieldLogger
	ingestionSpec  string
	embeddingSpec  string
	backfillLimit  int
	ingestionBusy  atomic.Bool
	embeddingsBusy atomic.Bool
	wg             sync.WaitGroup
	cancel         context.CancelFunc
}

// New creates a Scheduler that ingests every ingestionHours and backfills
// embeddings every embeddingMinutes.
func New(runner Runner, ingestionHours, embeddingMinutes int, logger logrus.FieldLogger) *Scheduler {
	log := logger.WithField("component", "scheduler")
	return &Scheduler{
		cron:          cron.New(cron.WithLogger(cronLogger{log: log})),
		runner:        runner,
		log:           log,
		ingestionSpec: fmt.Sprintf("@every %dh", ingestionHours),
		embeddingSpec: fmt.Sprintf("@every %dm", embeddingMinutes),
		backfillLimit: ingest.BackfillEmbeddingLimit,
	}
}

// Start registers both jobs, starts cron and kicks off one ingestion run.
func (s *Scheduler) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	if _, err := s.cron.AddFunc(s.ingestionSpec, func() { s.runIngestion(ctx) }); err != nil {
		return fmt.Errorf("cron.AddFunc ingestion: %w", err)
	}
	if _, err := s.cron.AddFunc(s.embeddingSpec, func() { s.runEmbeddings(ctx) }); err != nil {
		return fmt.Errorf("cron.AddFunc embeddings: %w", err)
	}

	s.cron.Start()
	s.log.WithFields(logrus.Fields{
		"ingestion":  s.ingestionSpec,
		"embeddings": s.embeddingSpec,
	}).Info("[scheduler] cron started")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runIngestion(ctx)
	}()
	return nil
}

// Stop halts scheduling and waits for running jobs, up to ctx's deadline.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.log.Warn("[scheduler] stop timed out; cancelling jobs")
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.log.Info("[scheduler] cron stopped")
}

func (s *Scheduler) runIngestion(ctx context.Context) {
	if !s.ingestionBusy.CompareAndSwap(false, true) {
		s.log.Warn("[scheduler] previous ingestion still running, skipping tick")
		return
	}
	defer s.ingestionBusy.Store(false)

	start := time.Now()
	result, err := s.runner.RunFullIngestion(ctx)
	switch {
	case errors.Is(err, ingest.ErrRunInProgress):
		s.log.Info("[scheduler] ingestion already running elsewhere, skipping tick")
	case err != nil:
		s.log.WithError(err).Error("[scheduler] scheduled ingestion failed")
	default:
		s.log.WithFields(logrus.Fields{
			"sources":    len(result.Sources),
			"inserted":   result.TotalInserted,
			"skipped":    result.TotalSkipped,
			"failed":     result.TotalFailed,
			"embeddings": result.EmbeddingsGenerated,
			"duration":   time.Since(start).Round(time.Millisecond),
		}).Info("[scheduler] scheduled ingestion complete")
	}
}

func (s *Scheduler) runEmbeddings(ctx context.Context) {
	if !s.embeddingsBusy.CompareAndSwap(false, true) {
		s.log.Warn("[scheduler] previous embedding backfill still running, skipping tick")
		return
	}
	defer s.embeddingsBusy.Store(false)

	n, err := s.runner.GenerateEmbeddingsForNew(ctx, s.backfillLimit)
	if err != nil {
		s.log.WithError(err).Error("[scheduler] embedding backfill failed")
		return
	}
	if n > 0 {
		s.log.WithField("generated", n).Info("[scheduler] embedding backfill complete")
	}
}
