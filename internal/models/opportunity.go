package models

import (
	"time"

	"github.com/google/uuid"
)

// OpportunityType enumerates the recognized opportunity kinds.
type OpportunityType string

const (
	TypeJob         OpportunityType = "job"
	TypeInternship  OpportunityType = "internship"
	TypeScholarship OpportunityType = "scholarship"
	TypeFellowship  OpportunityType = "fellowship"
	TypeTraining    OpportunityType = "training"
	TypeGrant       OpportunityType = "grant"
	TypeCompetition OpportunityType = "competition"
	TypeVolunteer   OpportunityType = "volunteer"
	TypeConference  OpportunityType = "conference"
	TypeOther       OpportunityType = "other"
)

// OpportunityTypes lists every type in declaration order.
var OpportunityTypes = []OpportunityType{
	TypeJob, TypeInternship, TypeScholarship, TypeFellowship, TypeTraining,
	TypeGrant, TypeCompetition, TypeVolunteer, TypeConference, TypeOther,
}

// IsValidType reports whether s names a known opportunity type.
func IsValidType(s string) bool {
	for _, t := range OpportunityTypes {
		if string(t) == s {
			return true
		}
	}
	return false
}

const (
	DefaultField   = "General"
	DefaultCountry = "Global"
)

type Opportunity struct {
	ID           uuid.UUID       `json:"id"`
	Title        string          `json:"title"`
	Description  string          `json:"description"`
	Organization *string         `json:"organization"`
	Type         OpportunityType `json:"type"`
	Field        string          `json:"field"`
	Country      string          `json:"country"`
	URL          string          `json:"url"`
	SourceURL    string          `json:"source_url"`
	SourceName   string          `json:"source_name"`
	PublishedAt  *time.Time      `json:"published_at"`
	IsExpired    bool            `json:"is_expired"`
	HasEmbedding bool            `json:"has_embedding"`
	Similarity   *float64        `json:"similarity,omitempty"`
	Embedding    []float32       `json:"-"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// NewOpportunity is the insert-side shape produced by the ingestion pipeline.
type NewOpportunity struct {
	Title        string
	Description  string
	Organization string
	Type         OpportunityType
	Field        string
	Country      string
	URL          string
	SourceURL    string
	SourceName   string
	PublishedAt  *time.Time
	IsExpired    bool
}

// RssSource is a feed polled by the orchestrator.
type RssSource struct {
	ID            uuid.UUID  `json:"id"`
	Name          string     `json:"name"`
	URL           string     `json:"url"`
	IsActive      bool       `json:"is_active"`
	LastFetchedAt *time.Time `json:"last_fetched_at"`
	LastError     *string    `json:"last_error"`
	ItemsCount    int        `json:"items_count"`
	CreatedAt     time.Time  `json:"created_at"`
}

// SourceResult is the per-source outcome of an ingestion pass.
type SourceResult struct {
	Source   string   `json:"source"`
	URL      string   `json:"url"`
	Fetched  int      `json:"fetched"`
	Inserted int      `json:"inserted"`
	Skipped  int      `json:"skipped"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors"`
}

// IngestionRunResult aggregates a full run.
type IngestionRunResult struct {
	LogID               *uuid.UUID     `json:"log_id,omitempty"`
	StartedAt           time.Time      `json:"started_at"`
	CompletedAt         time.Time      `json:"completed_at"`
	Sources             []SourceResult `json:"sources"`
	TotalFetched        int            `json:"total_fetched"`
	TotalInserted       int            `json:"total_inserted"`
	TotalSkipped        int            `json:"total_skipped"`
	TotalFailed         int            `json:"total_failed"`
	EmbeddingsGenerated int            `json:"embeddings_generated"`
}

// IngestionLog is a persisted run record.
type IngestionLog struct {
	ID                  uuid.UUID  `json:"id"`
	Status              string     `json:"status"`
	StartedAt           time.Time  `json:"started_at"`
	CompletedAt         *time.Time `json:"completed_at"`
	SourcesProcessed    int        `json:"sources_processed"`
	ItemsFetched        int        `json:"items_fetched"`
	ItemsInserted       int        `json:"items_inserted"`
	ItemsSkipped        int        `json:"items_skipped"`
	ItemsFailed         int        `json:"items_failed"`
	EmbeddingsGenerated int        `json:"embeddings_generated"`
	Errors              []string   `json:"errors"`
}

// FeedItem is the canonical shape of one RSS/Atom entry, independent of the
// feed dialect it was read from.
type FeedItem struct {
	Title          string   `json:"title"`
	Link           string   `json:"link"`
	PubDate        string   `json:"pubDate,omitempty"`
	IsoDate        string   `json:"isoDate,omitempty"`
	Content        string   `json:"content,omitempty"`
	ContentSnippet string   `json:"contentSnippet,omitempty"`
	Summary        string   `json:"summary,omitempty"`
	Description    string   `json:"description,omitempty"`
	Creator        string   `json:"creator,omitempty"`
	Categories     []string `json:"categories,omitempty"`
	GUID           string   `json:"guid,omitempty"`
}

// CleanedItem is a FeedItem after normalization.
type CleanedItem struct {
	Title        string     `json:"title"`
	URL          string     `json:"url"`
	Description  string     `json:"description"`
	Organization string     `json:"organization"`
	PublishedAt  *time.Time `json:"published_at"`
}
