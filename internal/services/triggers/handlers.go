package triggers

import (
	"context"
	"fmt"
	"time"

	"silentmate/internal/geo"
	"silentmate/internal/geofence"
	"silentmate/internal/location"
	"silentmate/internal/model"
	"silentmate/internal/recurrence"
	"silentmate/internal/services/audio"
	"silentmate/internal/services/notify"
	"silentmate/internal/storage"
	logx "silentmate/pkg/logx"
)

// handleStart runs when an occurrence's start instant elapses.
//
// At the event location (fix within 100m) the action is applied right away
// and the applied flag set. Away from it, or with no fix at all, a geofence
// expiring at the occurrence end takes over and the flag stays false. The
// no-fix case deliberately behaves like "not at location" so the device is
// never silenced at the wrong place.
func (s *Service) handleStart(ctx context.Context, tr storage.Trigger) error {
	ev, ok, err := s.getEvent(ctx, tr.EventID)
	if err != nil {
		return err
	}
	if !ok {
		// Deleted after scheduling. Nothing to apply, nothing to reschedule.
		s.log.Debug("start trigger for missing event", logx.Int64("event_id", tr.EventID))
		return nil
	}

	endAt := tr.EndAt
	if endAt.IsZero() {
		endAt = ev.OccurrenceOn(tr.DueAt, s.location()).End
	}

	if ev.Location.IsZero() {
		// No location gating.
		s.applyAction(ctx, ev, "start")
		s.putApplied(ctx, ev.ID, true)
		s.notifyStarted(ctx, ev)
		return nil
	}

	s.mu.Lock()
	timeout := s.cfg.LocationTimeout
	s.mu.Unlock()

	fix, ferr := location.Resolve(ctx, s.provider, timeout)
	atLocation := ferr == nil &&
		geo.DistanceMeters(fix.Lat, fix.Lon, ev.Location.Lat, ev.Location.Lon) <= geofence.DefaultRadiusMeters

	if atLocation {
		s.applyAction(ctx, ev, "start")
		s.putApplied(ctx, ev.ID, true)
		s.notifyStarted(ctx, ev)
		return nil
	}

	s.putApplied(ctx, ev.ID, false)
	if s.fences == nil {
		s.log.Warn("no geofence adapter; event will not trigger by location", logx.Int64("event_id", ev.ID))
		return nil
	}
	rerr := s.fences.Register(geofence.Registration{
		ID:           ev.ID,
		Lat:          ev.Location.Lat,
		Lon:          ev.Location.Lon,
		RadiusMeters: geofence.DefaultRadiusMeters,
		ExpiresAt:    endAt,
	})
	if rerr != nil {
		// No retry loop: a permission problem needs the user, not a loop.
		s.log.Warn("geofence registration failed",
			logx.Int64("event_id", ev.ID),
			logx.Err(rerr))
	}
	return nil
}

// HandleGeofenceEnter is the enter callback for armed event fences. The
// registration is one-shot and already removed when this runs.
func (s *Service) HandleGeofenceEnter(ctx context.Context, eventID int64) {
	ev, ok, err := s.getEvent(ctx, eventID)
	if err != nil || !ok {
		s.log.Debug("geofence entry for missing event", logx.Int64("event_id", eventID), logx.Err(err))
		return
	}
	s.applyAction(ctx, ev, "geofence")
	s.putApplied(ctx, ev.ID, true)
	s.notifyStarted(ctx, ev)
}

// handleEnd runs when an occurrence's end instant elapses: revert if the
// start side actually changed the ringer, then schedule the next occurrence
// for recurring events.
func (s *Service) handleEnd(ctx context.Context, tr storage.Trigger) error {
	applied, err := s.getApplied(ctx, tr.EventID)
	if err != nil {
		return err
	}
	if applied {
		s.applyRevert(ctx, tr.EventID)
		s.deleteApplied(ctx, tr.EventID)
	}
	if s.fences != nil {
		s.fences.Unregister(tr.EventID)
	}

	ev, ok, err := s.getEvent(ctx, tr.EventID)
	if err != nil || !ok {
		return err
	}
	if applied {
		s.notifyEnded(ctx, ev)
	}
	if ev.Recurrence == model.Once {
		return nil
	}

	// Recurrence is self-perpetuating: each occurrence schedules the next,
	// exactly one period after the one that just ended.
	cur := model.Occurrence{Start: tr.DueAt.Add(-occurrenceDuration(ev)), End: tr.DueAt}
	next, ok := recurrence.Next(ev, cur)
	if !ok {
		s.log.Debug("no next occurrence", logx.Int64("event_id", ev.ID))
		return nil
	}
	s.ScheduleEvent(ctx, ev.ID, next.Start, next.End)
	return nil
}

// occurrenceDuration derives the occurrence length from the event's wall
// times. An end at or before the start wraps past midnight.
func occurrenceDuration(ev model.Event) time.Duration {
	startM := ev.StartTime.Hour*60 + ev.StartTime.Minute
	endM := ev.EndTime.Hour*60 + ev.EndTime.Minute
	durM := endM - startM
	if durM <= 0 {
		durM += 24 * 60
	}
	return time.Duration(durM) * time.Minute
}

// runResync is the maintenance pass: every stored event without an armed
// start trigger gets its next occurrence scheduled. Covers events imported
// while the scheduler was down and recurrence chains broken by crashes.
func (s *Service) runResync(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	events, err := s.store.ListEvents(ctx)
	if err != nil {
		return fmt.Errorf("list events: %w", err)
	}

	now := time.Now()
	loc := s.location()
	armed := 0
	pruned := 0
	for _, ev := range events {
		s.tmu.Lock()
		_, haveStart := s.pending[startKey(ev.ID)]
		anyPending := haveStart
		if !anyPending {
			for _, tr := range s.pending {
				if tr.EventID == ev.ID {
					anyPending = true
					break
				}
			}
		}
		s.tmu.Unlock()

		// An applied flag with no pending end trigger is an orphan: the end
		// handler that would have consumed it is gone (crash mid-occurrence).
		if !anyPending {
			if applied, err := s.getApplied(ctx, ev.ID); err == nil && applied {
				s.deleteApplied(ctx, ev.ID)
				pruned++
			}
		}

		if haveStart {
			continue
		}
		occ, ok := recurrence.First(ev, now, loc)
		if !ok {
			continue
		}
		s.ScheduleEvent(ctx, ev.ID, occ.Start, occ.End)
		armed++
	}

	s.mu.Lock()
	s.lastResync = now
	s.mu.Unlock()
	s.log.Info("resync complete",
		logx.Int("events", len(events)),
		logx.Int("armed", armed),
		logx.Int("pruned_flags", pruned))
	return nil
}

// Resync arms triggers for all stored events missing one. Called at startup
// and after calendar imports; the cron pass reuses it.
func (s *Service) Resync(ctx context.Context) error {
	return s.runResync(ctx)
}

// applyAction pushes the event's ringer action through the gateway, unless
// the global event-audio switch is off.
func (s *Service) applyAction(ctx context.Context, ev model.Event, phase string) {
	s.mu.Lock()
	enabled := s.cfg.EventAudio
	s.mu.Unlock()
	if !enabled {
		s.log.Debug("event audio disabled; skipping actuation",
			logx.Int64("event_id", ev.ID),
			logx.String("phase", phase))
		return
	}
	if s.gw == nil {
		return
	}
	if _, err := s.gw.Apply(ctx, audio.Change{
		Mode:   ev.Action,
		Origin: audio.OriginEvent,
		Reason: fmt.Sprintf("event_%d_%s", ev.ID, phase),
	}); err != nil {
		s.log.Warn("event actuation failed", logx.Int64("event_id", ev.ID), logx.Err(err))
	}
}

func (s *Service) applyRevert(ctx context.Context, eventID int64) {
	s.mu.Lock()
	enabled := s.cfg.EventAudio
	s.mu.Unlock()
	if !enabled || s.gw == nil {
		return
	}
	if _, err := s.gw.Apply(ctx, audio.Change{
		Mode:   model.RingerNormal,
		Origin: audio.OriginEvent,
		Reason: fmt.Sprintf("event_%d_end", eventID),
	}); err != nil {
		s.log.Warn("revert failed", logx.Int64("event_id", eventID), logx.Err(err))
	}
}

func (s *Service) notifyStarted(ctx context.Context, ev model.Event) {
	if s.ntf == nil {
		return
	}
	_ = s.ntf.Notify(ctx, notify.Notification{
		Title:   "Event active",
		Body:    fmt.Sprintf("%s: ringer set to %s", ev.Title, ev.Action),
		Urgency: 4,
	})
}

func (s *Service) notifyEnded(ctx context.Context, ev model.Event) {
	if s.ntf == nil {
		return
	}
	_ = s.ntf.Notify(ctx, notify.Notification{
		Title:   "Event ended",
		Body:    fmt.Sprintf("%s: ringer restored", ev.Title),
		Urgency: 3,
	})
}

// Store helpers tolerate a nil or disabled store: bookkeeping then lives in
// memory only and lookups behave like "not found".

func (s *Service) getEvent(ctx context.Context, id int64) (model.Event, bool, error) {
	if s.store == nil {
		return model.Event{}, false, nil
	}
	return s.store.GetEvent(ctx, id)
}

func (s *Service) putApplied(ctx context.Context, id int64, v bool) {
	if s.store == nil {
		return
	}
	if err := s.store.PutApplied(ctx, id, v); err != nil {
		s.log.Warn("applied flag write failed", logx.Int64("event_id", id), logx.Err(err))
	}
}

func (s *Service) getApplied(ctx context.Context, id int64) (bool, error) {
	if s.store == nil {
		return false, nil
	}
	return s.store.GetApplied(ctx, id)
}

func (s *Service) deleteApplied(ctx context.Context, id int64) {
	if s.store == nil {
		return
	}
	if err := s.store.DeleteApplied(ctx, id); err != nil {
		s.log.Warn("applied flag clear failed", logx.Int64("event_id", id), logx.Err(err))
	}
}
