package store

import (
	"database/sql"
	"time"
)

// Source represents a pollable feed endpoint
type Source struct {
	ID                int64        `db:"id"`
	URL               string       `db:"url"`
	Name              string       `db:"name"`
	Active            bool         `db:"active"`
	PollInterval      int          `db:"poll_interval_minutes"`
	ConsecutiveErrors int          `db:"consecutive_errors"`
	LastError         string       `db:"last_error"`
	LastSuccessAt     sql.NullTime `db:"last_success_at"`
	LastPolledAt      sql.NullTime `db:"last_polled_at"`
	CreatedAt         time.Time    `db:"created_at"`
	UpdatedAt         time.Time    `db:"updated_at"`
}

// Item represents one ingested story instance from one source
type Item struct {
	ID             int64           `db:"id"`
	SourceID       int64           `db:"source_id"`
	ExternalID     string          `db:"external_id"`
	Title          string          `db:"title"`
	URL            string          `db:"url"`
	Content        string          `db:"content"`
	Published      time.Time       `db:"published"`
	FetchedAt      time.Time       `db:"fetched_at"`
	StoryGroupID   int64           `db:"story_group_id"`
	ExpiresAt      time.Time       `db:"expires_at"`
	DeletionMarker sql.NullTime    `db:"deletion_marker"`
	Hidden         bool            `db:"hidden"`
	ProcessedAt    sql.NullTime    `db:"processed_at"`
	Score          sql.NullFloat64 `db:"score"`
	Topics         sql.NullString  `db:"topics"`
}

// StoryGroup represents a cluster of items judged to report the same story
type StoryGroup struct {
	ID             int64     `db:"id"`
	CanonicalTitle string    `db:"canonical_title"`
	CanonicalURL   string    `db:"canonical_url"`
	ItemCount      int       `db:"item_count"`
	FirstSeenAt    time.Time `db:"first_seen_at"`
	LastUpdatedAt  time.Time `db:"last_updated_at"`
}

// Removal is one physical item removal recorded in the removal log
type Removal struct {
	ID           int64     `db:"id"`
	ItemID       int64     `db:"item_id"`
	SourceID     int64     `db:"source_id"`
	StoryGroupID int64     `db:"story_group_id"`
	RemovedAt    time.Time `db:"removed_at"`
}
