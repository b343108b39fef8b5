package app

import (
	"fmt"
	"strings"
	"time"

	"silentmate/internal/config"
	"silentmate/internal/geofence"
	"silentmate/internal/model"
	"silentmate/internal/observability/debug"
	"silentmate/internal/platform"
	"silentmate/internal/services/notify"
	"silentmate/internal/services/sensors"
	"silentmate/internal/services/triggers"
	"silentmate/internal/storage"
)

func mapTriggersConfig(cfg *config.Config) (triggers.Config, error) {
	eventAudio := true
	if cfg.Scheduler.EventAudio != nil {
		eventAudio = *cfg.Scheduler.EventAudio
	}
	locTimeout, err := config.ParseDurationOrDefault("scheduler.location_timeout", cfg.Scheduler.LocationTimeout, 10*time.Second)
	if err != nil {
		return triggers.Config{}, err
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return triggers.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	return triggers.Config{
		Enabled:         cfg.Scheduler.Enabled,
		EventAudio:      eventAudio,
		Timezone:        cfg.Scheduler.Timezone,
		LocationTimeout: locTimeout,
		ResyncSpec:      cfg.Scheduler.ResyncSpec,
		Workers:         cfg.Scheduler.Workers,
		RetryMax:        cfg.Scheduler.RetryMax,
	}, nil
}

func mapGeofenceConfig(cfg *config.Config) (geofence.Config, error) {
	poll, err := config.ParseDurationOrDefault("scheduler.geofence_poll", cfg.Scheduler.GeofencePoll, 30*time.Second)
	if err != nil {
		return geofence.Config{}, err
	}
	fixTimeout, err := config.ParseDurationOrDefault("scheduler.location_timeout", cfg.Scheduler.LocationTimeout, 10*time.Second)
	if err != nil {
		return geofence.Config{}, err
	}
	return geofence.Config{PollInterval: poll, FixTimeout: fixTimeout}, nil
}

func mapSensorsConfig(cfg *config.Config) (sensors.Config, error) {
	features := model.FeatureEnableSet{}
	for key, enabled := range cfg.Sensors.Features {
		pos, err := model.ParseDevicePosition(key)
		if err != nil {
			return sensors.Config{}, fmt.Errorf("sensors.features: %w", err)
		}
		features[pos] = enabled
	}
	normal, err := config.ParseDurationOrDefault("sensors.normal_interval", cfg.Sensors.NormalInterval, 250*time.Millisecond)
	if err != nil {
		return sensors.Config{}, err
	}
	perf, err := config.ParseDurationOrDefault("sensors.performance_interval", cfg.Sensors.PerformanceInterval, 5*time.Second)
	if err != nil {
		return sensors.Config{}, err
	}
	stable, err := config.ParseDurationOrDefault("sensors.stable_after", cfg.Sensors.StableAfter, 30*time.Second)
	if err != nil {
		return sensors.Config{}, err
	}
	return sensors.Config{
		Enabled:             cfg.Sensors.Enabled,
		Features:            features,
		PerformanceMode:     cfg.Sensors.PerformanceMode,
		NormalInterval:      normal,
		PerformanceInterval: perf,
		StableAfter:         stable,
	}, nil
}

func mapNotifyConfig(cfg *config.Config) (notify.Config, error) {
	if cfg.Notifier == nil {
		// Omitted section means enabled with runtime defaults.
		return notify.Config{Enabled: true}, nil
	}
	n := cfg.Notifier
	retryBase, err := config.ParseDurationField("notifier.retry_base", n.RetryBase)
	if err != nil {
		return notify.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay)
	if err != nil {
		return notify.Config{}, err
	}
	dedup, err := config.ParseDurationField("notifier.dedup_window", n.DedupWindow)
	if err != nil {
		return notify.Config{}, err
	}
	return notify.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       retryBase,
		RetryMaxDelay:   retryMaxDelay,
		DedupWindow:     dedup,
		DedupMaxEntries: n.DedupMaxEntries,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{}, nil
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, nil
}

func mapDebugConfig(cfg *config.Config) (debug.Config, error) {
	read, err := config.ParseDurationField("debug.read_timeout", cfg.Debug.ReadTimeout)
	if err != nil {
		return debug.Config{}, err
	}
	write, err := config.ParseDurationField("debug.write_timeout", cfg.Debug.WriteTimeout)
	if err != nil {
		return debug.Config{}, err
	}
	idle, err := config.ParseDurationField("debug.idle_timeout", cfg.Debug.IdleTimeout)
	if err != nil {
		return debug.Config{}, err
	}
	return debug.Config{
		Enabled:       cfg.Debug.Enabled,
		Addr:          cfg.Debug.Addr,
		Prefix:        cfg.Debug.Prefix,
		Token:         cfg.Debug.Token,
		AllowInsecure: cfg.Debug.AllowInsecure,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

func mapRingerConfig(cfg *config.Config) platform.RingerConfig {
	out := platform.RingerConfig{DNDAccess: true}
	if cfg.Audio != nil {
		out.StatePath = cfg.Audio.StatePath
		if cfg.Audio.DNDAccess != nil {
			out.DNDAccess = *cfg.Audio.DNDAccess
		}
	}
	return out
}

func maxFixAge(cfg *config.Config) (time.Duration, error) {
	if cfg.Location == nil {
		return 0, nil
	}
	return config.ParseDurationOrDefault("location.max_fix_age", cfg.Location.MaxFixAge, 5*time.Minute)
}
