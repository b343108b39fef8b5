package config

import (
	"reflect"
	"sort"
	"strings"

	logx "silentmate/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging (never includes secrets like tokens).
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Scheduler (event triggers)
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		eventAudio := true
		if newCfg.Scheduler.EventAudio != nil {
			eventAudio = *newCfg.Scheduler.EventAudio
		}
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.Bool("scheduler.event_audio", eventAudio),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.resync_spec", strings.TrimSpace(newCfg.Scheduler.ResyncSpec)),
			logx.Int("scheduler.workers", newCfg.Scheduler.Workers),
		)
	}

	// Sensors (position classifier)
	if !reflect.DeepEqual(oldCfg.Sensors, newCfg.Sensors) {
		changed = append(changed, "sensors")
		attrs = append(attrs,
			logx.Bool("sensors.enabled", newCfg.Sensors.Enabled),
			logx.Bool("sensors.performance_mode", newCfg.Sensors.PerformanceMode),
			logx.Int("sensors.feature_overrides", len(newCfg.Sensors.Features)),
		)
	}

	// Notifier. Section may be nil (omitted); treat nil as runtime defaults
	// for a more accurate summary.
	defN := &NotifierConfig{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       "500ms",
		RetryMaxDelay:   "10s",
		DedupWindow:     "1m",
		DedupMaxEntries: 2000,
	}
	oldN := oldCfg.Notifier
	newN := newCfg.Notifier
	if oldN == nil {
		oldN = defN
	}
	if newN == nil {
		newN = defN
	}
	if !reflect.DeepEqual(*oldN, *newN) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Int("notifier.workers", newN.Workers),
			logx.Int("notifier.queue_size", newN.QueueSize),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
		)
	}

	// Storage. Nil means disabled.
	var oDriver, nDriver, oBusy, nBusy string
	var oPathSet, nPathSet bool
	if oldCfg.Storage != nil {
		oDriver = strings.TrimSpace(oldCfg.Storage.Driver)
		oBusy = strings.TrimSpace(oldCfg.Storage.BusyTimeout)
		oPathSet = strings.TrimSpace(oldCfg.Storage.Path) != ""
	}
	if newCfg.Storage != nil {
		nDriver = strings.TrimSpace(newCfg.Storage.Driver)
		nBusy = strings.TrimSpace(newCfg.Storage.BusyTimeout)
		nPathSet = strings.TrimSpace(newCfg.Storage.Path) != ""
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	// Calendar import
	var oCal, nCal string
	if oldCfg.Calendar != nil {
		oCal = strings.TrimSpace(oldCfg.Calendar.Path)
	}
	if newCfg.Calendar != nil {
		nCal = strings.TrimSpace(newCfg.Calendar.Path)
	}
	if oCal != nCal {
		changed = append(changed, "calendar")
		attrs = append(attrs, logx.Bool("calendar.path_set", nCal != ""))
	}

	// Location provider shim. Nil means no provider.
	var oFix, nFix, oAge, nAge string
	if oldCfg.Location != nil {
		oFix = strings.TrimSpace(oldCfg.Location.FixPath)
		oAge = strings.TrimSpace(oldCfg.Location.MaxFixAge)
	}
	if newCfg.Location != nil {
		nFix = strings.TrimSpace(newCfg.Location.FixPath)
		nAge = strings.TrimSpace(newCfg.Location.MaxFixAge)
	}
	if oFix != nFix || oAge != nAge {
		changed = append(changed, "location")
		attrs = append(attrs, logx.Bool("location.fix_path_set", nFix != ""))
	}

	// Audio actuator shim.
	var oState, nState string
	oDND, nDND := true, true
	if oldCfg.Audio != nil {
		oState = strings.TrimSpace(oldCfg.Audio.StatePath)
		if oldCfg.Audio.DNDAccess != nil {
			oDND = *oldCfg.Audio.DNDAccess
		}
	}
	if newCfg.Audio != nil {
		nState = strings.TrimSpace(newCfg.Audio.StatePath)
		if newCfg.Audio.DNDAccess != nil {
			nDND = *newCfg.Audio.DNDAccess
		}
	}
	if oState != nState || oDND != nDND {
		changed = append(changed, "audio")
		attrs = append(attrs, logx.Bool("audio.dnd_access", nDND))
	}

	// Debug server (never log token)
	if oldCfg.Debug.Enabled != newCfg.Debug.Enabled ||
		strings.TrimSpace(oldCfg.Debug.Addr) != strings.TrimSpace(newCfg.Debug.Addr) ||
		strings.TrimSpace(oldCfg.Debug.Prefix) != strings.TrimSpace(newCfg.Debug.Prefix) ||
		oldCfg.Debug.AllowInsecure != newCfg.Debug.AllowInsecure ||
		strings.TrimSpace(oldCfg.Debug.ReadTimeout) != strings.TrimSpace(newCfg.Debug.ReadTimeout) ||
		strings.TrimSpace(oldCfg.Debug.WriteTimeout) != strings.TrimSpace(newCfg.Debug.WriteTimeout) ||
		strings.TrimSpace(oldCfg.Debug.IdleTimeout) != strings.TrimSpace(newCfg.Debug.IdleTimeout) ||
		(strings.TrimSpace(oldCfg.Debug.Token) != "") != (strings.TrimSpace(newCfg.Debug.Token) != "") {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", strings.TrimSpace(newCfg.Debug.Addr)),
			logx.Bool("debug.token_set", strings.TrimSpace(newCfg.Debug.Token) != ""),
			logx.Bool("debug.allow_insecure", newCfg.Debug.AllowInsecure),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
