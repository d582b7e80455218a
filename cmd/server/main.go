package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/david/opportunity-finder/internal/api"
	"github.com/david/opportunity-finder/internal/app"
	"github.com/david/opportunity-finder/internal/config"
	"github.com/david/opportunity-finder/internal/scheduler"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load(".")
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	log := app.NewLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("startup failed")
	}
	defer a.Close()

	var sched *scheduler.Scheduler
	if cfg.SchedulerEnabled {
		sched = scheduler.New(a.Orchestrator, cfg.IngestionIntervalHours, cfg.EmbeddingIntervalMinutes, log)
		if err := sched.Start(ctx); err != nil {
			log.WithError(err).Fatal("failed to start scheduler")
		}
	} else {
		log.Info("[scheduler] disabled")
	}

	srv := api.NewServer(cfg, api.Deps{
		Search:            a.Search,
		Ingest:            a.Orchestrator,
		Feeds:             a.Fetcher,
		Sources:           a.Store,
		DB:                a.Store,
		Cache:             a.Cache,
		Counters:          a.Counters,
		Classifier:        a.Classifier,
		EmbeddingsEnabled: a.Embeddings.Enabled(),
	}, log)

	go func() {
		if err := srv.Start(cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("server shutdown incomplete")
	}
	if sched != nil {
		sched.Stop(shutdownCtx)
	}
}
