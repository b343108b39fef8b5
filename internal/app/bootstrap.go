package app

import (
	"context"
	"strings"

	"silentmate/internal/config"
	"silentmate/internal/ical"
	logx "silentmate/pkg/logx"
)

// importCalendar upserts events from the configured ICS file. Import errors
// are logged, never fatal: a broken calendar must not take the daemon down.
func (a *App) importCalendar(ctx context.Context, cfg *config.Config) {
	if cfg == nil || cfg.Calendar == nil {
		return
	}
	path := strings.TrimSpace(cfg.Calendar.Path)
	if path == "" {
		return
	}
	if a.store == nil {
		a.log.Warn("calendar import skipped: storage disabled", logx.String("path", path))
		return
	}

	events, err := ical.ImportFile(path, a.log.With(logx.String("comp", "ical")))
	if err != nil {
		a.log.Warn("calendar import failed", logx.String("path", path), logx.Err(err))
		return
	}
	stored := 0
	for _, ev := range events {
		if err := a.store.PutEvent(ctx, ev); err != nil {
			a.log.Warn("calendar event store failed", logx.Int64("event_id", ev.ID), logx.Err(err))
			continue
		}
		stored++
	}
	a.log.Info("calendar imported", logx.String("path", path), logx.Int("events", stored))
}
