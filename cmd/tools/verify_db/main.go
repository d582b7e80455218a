package main

import (
	"context"
	"fmt"

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
		logrus.Fatalf("Unable to connect to database: %v", err)
	}
	defer pool.Close()

	stats, err := db.NewStore(pool, logrus.StandardLogger()).GetStats(ctx)
	if err != nil {
		logrus.Fatalf("Query failed: %v", err)
	}

	coverage := 0.0
	if stats.Total > 0 {
		coverage = float64(stats.WithEmbeddings) / float64(stats.Total) * 100
	}

	fmt.Printf("Total opportunities: %d\n", stats.Total)
	fmt.Printf("Active: %d\n", stats.Active)
	fmt.Printf("With embeddings: %d (%.1f%%)\n", stats.WithEmbeddings, coverage)
	fmt.Printf("Active sources: %d\n", stats.ActiveSources)
	if stats.LastIngestion != nil {
		fmt.Printf("Last completed ingestion: %s\n", stats.LastIngestion.Format("2006-01-02 15:04:05"))
	}
	for _, c := range stats.ByType {
		fmt.Printf("  %-12s %d\n", c.Value, c.Count)
	}
}
