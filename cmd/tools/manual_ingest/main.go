package main

import (
	"context"
	"flag"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/sirupsen/logrus"

	"github.com/david/opportunity-finder/internal/app"
	"github.com/david/opportunity-finder/internal/config"
)

func main() {
	feedURL := flag.String("url", "", "RSS or Atom feed URL to ingest")
	name := flag.String("name", "", "Display name for the feed (defaults to the feed title)")
	flag.Parse()

	if *feedURL == "" {
		logrus.Fatal("Please provide a feed URL using -url flag")
	}

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

	if *name == "" {
		if meta := a.Fetcher.FeedMetadata(ctx, *feedURL); meta != nil && meta.Title != "" {
			*name = meta.Title
		}
	}

	log.WithField("url", *feedURL).WithField("name", *name).Info("Starting manual ingestion")
	result, err := a.Orchestrator.ProcessRssURL(ctx, *feedURL, *name)
	if err != nil {
		log.WithError(err).Fatal("Ingestion failed")
	}

	embedded := 0
	if result.Inserted > 0 {
		if embedded, err = a.Orchestrator.GenerateEmbeddingsForNew(ctx, result.Inserted); err != nil {
			log.WithError(err).Warn("embedding generation failed")
		}
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Source", "Fetched", "Inserted", "Skipped", "Failed", "Embedded"})
	t.AppendRow(table.Row{result.Source, result.Fetched, result.Inserted, result.Skipped, result.Failed, embedded})
	t.Render()

	for _, e := range result.Errors {
		log.Warn(e)
	}
}
