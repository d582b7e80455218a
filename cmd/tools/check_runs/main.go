package main

import (
	"context"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/sirupsen/logrus"

	"github.com/david/opportunity-finder/internal/config"
	"github.com/david/opportunity-finder/internal/db"
)

func main() {
	cfg, err := config.Load(".")
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logrus.Fatal(err)
	}
	defer pool.Close()

	logs, err := db.NewStore(pool, logrus.StandardLogger()).RecentIngestionLogs(ctx, 10)
	if err != nil {
		logrus.Fatal(err)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Status", "Sources", "Fetched", "Inserted", "Skipped", "Failed", "Embedded", "Errors", "Duration", "Started At"})

	for _, l := range logs {
		duration := "Running..."
		if l.CompletedAt != nil {
			duration = l.CompletedAt.Sub(l.StartedAt).Round(time.Second).String()
		}
		t.AppendRow(table.Row{
			l.Status, l.SourcesProcessed, l.ItemsFetched, l.ItemsInserted, l.ItemsSkipped,
			l.ItemsFailed, l.EmbeddingsGenerated, len(l.Errors), duration, l.StartedAt.Format("2006-01-02 15:04:05"),
		})
	}
	t.Render()
}
