package main

import (
	"context"
	"flag"

	"github.com/sirupsen/logrus"

	"github.com/david/opportunity-finder/internal/app"
	"github.com/david/opportunity-finder/internal/config"
	"github.com/david/opportunity-finder/internal/ingest"
)

func main() {
	limit := flag.Int("limit", ingest.RunEmbeddingLimit, "Maximum number of opportunities to embed")
	flag.Parse()

	cfg, err := config.Load(".")
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	log := app.NewLogger(cfg)

	ctx := context.Background()
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("startup failed")
	}
	defer a.Close()

	if !a.Embeddings.Enabled() {
		log.Fatal("No embedding provider configured; set OPENAI_API_KEY or EMBEDDING_PROVIDER=ollama")
	}

	n, err := a.Orchestrator.GenerateEmbeddingsForNew(ctx, *limit)
	if err != nil {
		log.WithError(err).Fatal("backfill failed")
	}
	log.WithField("generated", n).Info("backfill complete")
}
