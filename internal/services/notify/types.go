package notify

import (
	"context"
	"time"
)

// Notification is a user-facing alert (event applied, profile reverted,
// trigger failure, geofence armed).
type Notification struct {
	Title   string
	Body    string
	Urgency int    // 0..10; >=7 is rendered as a warning, >=9 as critical
	Sound   string // optional sound pattern name, sink-specific
}

// Sink delivers notifications to the platform notification surface.
type Sink interface {
	Send(ctx context.Context, n Notification) error
}

// Config controls the async pipeline. Zero values fall back to defaults
// in Apply.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

// HistoryItem is a delivered notification kept for the status snapshot.
type HistoryItem struct {
	At    time.Time `json:"at"`
	Title string    `json:"title"`
	Body  string    `json:"body"`
}

// PipelineEvent is the bus payload for queue/send/drop observations.
type PipelineEvent struct {
	Title string    `json:"title"`
	Key   string    `json:"key,omitempty"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}
