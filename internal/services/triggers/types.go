package triggers

import (
	"time"
)

// Config controls the event trigger scheduler.
type Config struct {
	Enabled bool

	// EventAudio is the global event-audio switch. When false, trigger
	// handlers still do their bookkeeping (applied flags, geofences,
	// rescheduling) but skip the actuation gateway.
	EventAudio bool

	// Timezone for trigger times (IANA name). Empty means process-local.
	Timezone string

	// LocationTimeout bounds the position fix in start handling. Default 10s.
	LocationTimeout time.Duration

	// ResyncSpec is a cron expression for the maintenance re-arm pass.
	// Empty keeps the default "0 3 * * *"; "off" disables.
	ResyncSpec string

	Workers  int // default 2
	RetryMax int // default 2
}

func (c Config) withDefaults() Config {
	if c.LocationTimeout <= 0 {
		c.LocationTimeout = 10 * time.Second
	}
	if c.ResyncSpec == "" {
		c.ResyncSpec = "0 3 * * *"
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 2
	}
	return c
}

// ArmedTrigger describes one armed timer for the status snapshot.
type ArmedTrigger struct {
	Key     string    `json:"key"`
	EventID int64     `json:"event_id"`
	Kind    string    `json:"kind"`
	DueAt   time.Time `json:"due_at"`
	EndAt   time.Time `json:"end_at,omitzero"`
}

// Snapshot is the scheduler state for the status endpoint.
type Snapshot struct {
	Enabled    bool           `json:"enabled"`
	EventAudio bool           `json:"event_audio"`
	Armed      []ArmedTrigger `json:"armed"`
	LastResync time.Time      `json:"last_resync,omitzero"`
	Fired      int64          `json:"fired"`
	Failed     int64          `json:"failed"`
}

// TriggerEvent is the bus payload for fired and failed triggers.
type TriggerEvent struct {
	Key     string    `json:"key"`
	EventID int64     `json:"event_id"`
	Kind    string    `json:"kind"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}
