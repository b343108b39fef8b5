package config

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Sensors   SensorsConfig   `json:"sensors"`

	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	Calendar *CalendarConfig `json:"calendar,omitempty"`
	Location *LocationConfig `json:"location,omitempty"`
	Audio    *AudioConfig    `json:"audio,omitempty"`
	Debug    DebugConfig     `json:"debug,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the event trigger service.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// EventAudio is the startup value of the global event-audio switch.
	// Nil means enabled. The switch is also flippable at runtime; a config
	// reload re-asserts this value.
	EventAudio *bool `json:"event_audio,omitempty"`

	// Timezone for trigger times. Empty means the process-local zone.
	Timezone string `json:"timezone,omitempty"`

	// LocationTimeout bounds the position fix at event start. Default "10s".
	LocationTimeout string `json:"location_timeout,omitempty"`

	// GeofencePoll is the fence sweep interval. Default "30s".
	GeofencePoll string `json:"geofence_poll,omitempty"`

	// ResyncSpec is a cron expression for the maintenance re-arm pass.
	// Default "0 3 * * *" (daily at 03:00). Empty string keeps the default;
	// "off" disables the pass.
	ResyncSpec string `json:"resync_spec,omitempty"`

	Workers  int `json:"workers,omitempty"`   // default 2
	RetryMax int `json:"retry_max,omitempty"` // default 2
}

// SensorsConfig controls the device-position classifier.
type SensorsConfig struct {
	Enabled bool `json:"enabled"`

	// Features enables or disables reactions per detected position.
	// Keys: "on_desk", "in_pocket", "in_hand". Missing keys default to true.
	Features map[string]bool `json:"features,omitempty"`

	// PerformanceMode is the startup value of the battery-saver throttle.
	PerformanceMode bool `json:"performance_mode,omitempty"`

	// Sampling cadence. Defaults: normal "250ms", performance "5s",
	// stable_after "30s" (after which the performance interval doubles).
	NormalInterval      string `json:"normal_interval,omitempty"`
	PerformanceInterval string `json:"performance_interval,omitempty"`
	StableAfter         string `json:"stable_after,omitempty"`

	// SamplePath is the JSON-lines sample file or FIFO written by the host's
	// sensor bridge. Empty disables the classifier loop.
	SamplePath string `json:"sample_path,omitempty"`
}

// LocationConfig points the scheduler and geofence watcher at the fix file
// maintained by the host's location helper. Nil means no provider; triggers
// then take the conservative "not at location" branch.
type LocationConfig struct {
	FixPath string `json:"fix_path"`
	// MaxFixAge bounds how old a fix may be before it counts as missing.
	// Default "5m".
	MaxFixAge string `json:"max_fix_age,omitempty"`
}

// AudioConfig controls the ringer actuator shim.
type AudioConfig struct {
	// StatePath persists the last ringer mode across restarts.
	StatePath string `json:"state_path,omitempty"`
	// DNDAccess reports whether SILENT may be applied. Nil means granted;
	// false downgrades SILENT requests to VIBRATE.
	DNDAccess *bool `json:"dnd_access,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
//
// If the whole section is omitted, the notifier defaults to enabled=true.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
}

// StorageConfig controls the persistence layer. Nil disables persistence
// (events and armed triggers then live only in memory).
//
// Example:
//
//	"storage": { "driver": "file", "path": "./silentmate_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// CalendarConfig points at an optional ICS file whose VEVENTs are imported
// as audio events on startup and on config reload.
type CalendarConfig struct {
	Path string `json:"path"`
}

// DebugConfig controls the optional loopback debug HTTP server
// (pprof plus a JSON status snapshot).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /debug/pprof/profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
