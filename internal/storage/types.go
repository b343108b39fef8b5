package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (snapshot + journal)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled and the daemon keeps all
// state in memory only (armed triggers then do not survive a restart).
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Trigger kinds.
const (
	TriggerStart = "start"
	TriggerEnd   = "end"
)

// Trigger is a persisted one-shot deadline. Start triggers carry the unique
// per-event key "event_<id>"; end triggers get a generated key and are not
// deduplicated.
type Trigger struct {
	Key     string    `json:"key"`
	EventID int64     `json:"event_id"`
	Kind    string    `json:"kind"`
	DueAt   time.Time `json:"due_at"`
	// EndAt rides along on start triggers so the matching end trigger can be
	// re-derived when rebuilding after a restart.
	EndAt time.Time `json:"end_at,omitempty"`
}
