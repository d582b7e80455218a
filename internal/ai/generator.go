package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/david/opportunity-finder/internal/models"
)

const (
	DefaultBatchSize    = 50
	maxEmbedDescription = 2000
	batchPause          = 200 * time.Millisecond
)

// Generator batches embedding requests and tolerates per-batch failures.
type Generator struct {
	embedder Embedder
	log      logrus.FieldLogger
	pause    time.Duration
}

// NewGenerator returns nil when embedder is nil so callers can treat a
// missing provider as "embeddings disabled".
func NewGenerator(embedder Embedder, logger logrus.FieldLogger) *Generator {
	if embedder == nil {
		return nil
	}
	return &Generator{
		embedder: embedder,
		log:      logger.WithField("component", "embeddings").WithField("provider", embedder.Name()),
		pause:    batchPause,
	}
}

// Enabled reports whether a provider is configured.
func (g *Generator) Enabled() bool { return g != nil && g.embedder != nil }

// EmbeddingText builds the provider input for an opportunity.
func EmbeddingText(o models.Opportunity) string {
	parts := []string{o.Title}
	if o.Organization != nil && *o.Organization != "" {
		parts = append(parts, *o.Organization)
	}
	parts = append(parts, string(o.Type))
	if o.Field != "" {
		parts = append(parts, o.Field)
	}
	if o.Country != "" {
		parts = append(parts, o.Country)
	}
	desc := []rune(o.Description)
	if len(desc) > maxEmbedDescription {
		desc = desc[:maxEmbedDescription]
	}
	if len(desc) > 0 {
		parts = append(parts, string(desc))
	}
	return strings.Join(parts, " | ")
}

// GenerateEmbedding embeds a single text, typically a search query.
func (g *Generator) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if !g.Enabled() {
		return nil, ErrNotConfigured
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("empty text")
	}
	vecs, err := g.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// GenerateBatchEmbeddings embeds texts in one provider call.
func (g *Generator) GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if !g.Enabled() {
		return nil, ErrNotConfigured
	}
	return g.embedder.Embed(ctx, texts)
}

// GenerateOpportunityEmbeddings embeds opps in batches. A failed batch is
// logged and skipped; successful batches are kept.
func (g *Generator) GenerateOpportunityEmbeddings(ctx context.Context, opps []models.Opportunity, batchSize int) (map[uuid.UUID][]float32, error) {
	if !g.Enabled() {
		return nil, ErrNotConfigured
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	out := make(map[uuid.UUID][]float32, len(opps))
	for start := 0; start < len(opps); start += batchSize {
		if start > 0 && g.pause > 0 {
			select {
			case <-ctx.Done():
				return out, ctx.Err()
			case <-time.After(g.pause):
			}
		}
		end := min(start+batchSize, len(opps))
		chunk := opps[start:end]

		texts := make([]string, len(chunk))
		for i, o := range chunk {
			texts[i] = EmbeddingText(o)
		}

		vecs, err := g.GenerateBatchEmbeddings(ctx, texts)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			g.log.WithError(err).WithField("batch_start", start).Warn("embedding batch failed")
			continue
		}
		for i, o := range chunk {
			out[o.ID] = vecs[i]
		}
		g.log.WithField("count", len(chunk)).Debug("embedded batch")
	}
	return out, nil
}
