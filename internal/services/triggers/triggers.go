package triggers

import (
	"context"
	"fmt"
	"time"

	"silentmate/internal/storage"
	logx "silentmate/pkg/logx"
)

func startKey(eventID int64) string { return fmt.Sprintf("event_%d", eventID) }

// End triggers are not deduplicated across occurrences; the key carries the
// due instant so a rescheduled occurrence gets its own entry. A stale end
// trigger firing is a safe no-op (applied flag is false by then).
func endKey(eventID int64, due time.Time) string {
	return fmt.Sprintf("event_%d_end_%d", eventID, due.Unix())
}

// ScheduleEvent idempotently arms one start and one end trigger for the
// occurrence [start, end). Re-invocation for the same event replaces the
// armed start trigger (uniqueness key "event_<id>"). Failures are logged,
// never returned: the caller fires and forgets.
func (s *Service) ScheduleEvent(ctx context.Context, eventID int64, start, end time.Time) {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	running := s.stopCh != nil
	s.mu.Unlock()
	if !enabled || !running {
		s.log.Debug("scheduler inactive, not arming",
			logx.Int64("event_id", eventID),
			logx.Bool("enabled", enabled),
			logx.Bool("running", running))
		return
	}

	startTr := storage.Trigger{
		Key:     startKey(eventID),
		EventID: eventID,
		Kind:    storage.TriggerStart,
		DueAt:   start,
		EndAt:   end,
	}
	endTr := storage.Trigger{
		Key:     endKey(eventID, end),
		EventID: eventID,
		Kind:    storage.TriggerEnd,
		DueAt:   end,
	}

	s.armTrigger(ctx, startTr, true)
	s.armTrigger(ctx, endTr, true)

	s.log.Info("event scheduled",
		logx.Int64("event_id", eventID),
		logx.Time("start", start),
		logx.Time("end", end))
}

// CancelEvent cancels the armed start trigger for the event. End triggers
// are left alone: a firing end trigger finds applied=false and no-ops.
func (s *Service) CancelEvent(ctx context.Context, eventID int64) {
	key := startKey(eventID)

	s.tmu.Lock()
	if t, ok := s.timers[key]; ok {
		_ = t.Stop()
		delete(s.timers, key)
	}
	delete(s.pending, key)
	s.vers[key]++
	s.tmu.Unlock()

	if s.store != nil {
		if err := s.store.DeleteTrigger(ctx, key); err != nil {
			s.log.Warn("trigger delete failed", logx.String("key", key), logx.Err(err))
		}
	}
	if s.fences != nil {
		s.fences.Unregister(eventID)
	}
	s.log.Info("event cancelled", logx.Int64("event_id", eventID))
}

// armTrigger upserts the runtime timer for tr and optionally persists the
// definition. The version counter makes callbacks from replaced timers
// harmless.
func (s *Service) armTrigger(ctx context.Context, tr storage.Trigger, persist bool) {
	key := tr.Key

	s.tmu.Lock()
	if t, ok := s.timers[key]; ok {
		_ = t.Stop()
		delete(s.timers, key)
	}
	ver := s.vers[key] + 1
	s.vers[key] = ver
	s.pending[key] = tr

	delay := time.Until(tr.DueAt)
	if delay < 0 {
		delay = 0
	}
	localVer := ver
	timer := time.AfterFunc(delay, func() {
		s.tmu.Lock()
		if s.vers[key] != localVer {
			s.tmu.Unlock()
			return
		}
		def, ok := s.pending[key]
		if !ok {
			s.tmu.Unlock()
			return
		}
		delete(s.timers, key)
		delete(s.pending, key)
		s.tmu.Unlock()

		s.enqueue(s.taskFor(def))
	})
	s.timers[key] = timer
	s.tmu.Unlock()

	if persist && s.store != nil {
		if err := s.store.PutTrigger(ctx, tr); err != nil {
			s.log.Warn("trigger persist failed", logx.String("key", key), logx.Err(err))
		}
	}
}

// taskFor wraps the trigger handler and the durable-record cleanup into one
// queued task. The record is removed after the handler returns; a crash
// mid-handling re-arms and re-fires on the next start (at-least-once,
// handlers are idempotent).
func (s *Service) taskFor(tr storage.Trigger) task {
	return task{
		key:     tr.Key,
		kind:    tr.Kind,
		eventID: tr.EventID,
		run: func(ctx context.Context) error {
			var err error
			switch tr.Kind {
			case storage.TriggerStart:
				err = s.handleStart(ctx, tr)
			case storage.TriggerEnd:
				err = s.handleEnd(ctx, tr)
			default:
				s.log.Warn("unknown trigger kind", logx.String("key", tr.Key), logx.String("kind", tr.Kind))
			}
			if err != nil {
				return err
			}
			if s.store != nil {
				if derr := s.store.DeleteTrigger(ctx, tr.Key); derr != nil {
					s.log.Warn("trigger cleanup failed", logx.String("key", tr.Key), logx.Err(derr))
				}
			}
			return nil
		},
	}
}

// rebuildTriggers re-arms timers from the persisted definitions. Overdue
// triggers fire immediately (catch-up after downtime).
func (s *Service) rebuildTriggers() {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	list, err := s.store.ListTriggers(ctx)
	if err != nil {
		s.log.Error("trigger rebuild failed", logx.Err(err))
		return
	}
	for _, tr := range list {
		s.armTrigger(ctx, tr, false)
	}
	if len(list) > 0 {
		s.log.Info("triggers rebuilt", logx.Int("count", len(list)))
	}
}
