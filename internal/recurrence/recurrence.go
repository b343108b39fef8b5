// Package recurrence derives concrete occurrence instants from an event's
// repeat rule. It is pure: callers pass "now" explicitly.
package recurrence

import (
	"fmt"
	"time"

	"github.com/teambition/rrule-go"

	"silentmate/internal/model"
)

// ruleFor builds the RRULE equivalent of the event's recurrence, anchored at
// the given occurrence start. BIWEEKLY is WEEKLY with interval 2.
func ruleFor(rec model.Recurrence, dtstart time.Time) (*rrule.RRule, error) {
	opt := rrule.ROption{Dtstart: dtstart, Interval: 1}
	switch rec {
	case model.Daily:
		opt.Freq = rrule.DAILY
	case model.Weekly:
		opt.Freq = rrule.WEEKLY
	case model.Biweekly:
		opt.Freq = rrule.WEEKLY
		opt.Interval = 2
	case model.Monthly:
		opt.Freq = rrule.MONTHLY
	default:
		return nil, fmt.Errorf("recurrence %q has no rule", rec)
	}
	return rrule.NewRRule(opt)
}

// Next returns the occurrence exactly one period after cur, or false for
// non-recurring events. Monthly advances by calendar-month arithmetic with
// the day-of-month preserved where valid.
func Next(e model.Event, cur model.Occurrence) (model.Occurrence, bool) {
	if e.Recurrence == model.Once {
		return model.Occurrence{}, false
	}
	r, err := ruleFor(e.Recurrence, cur.Start)
	if err != nil {
		return model.Occurrence{}, false
	}
	next := r.After(cur.Start, false)
	if next.IsZero() {
		return model.Occurrence{}, false
	}
	return model.Occurrence{Start: next, End: next.Add(cur.End.Sub(cur.Start))}, true
}

// First resolves the occurrence to arm when an event is (re)loaded: the
// event's own date if that occurrence hasn't ended yet, otherwise the first
// recurrence whose end is still in the future. Returns false when the event
// is non-recurring and already over.
func First(e model.Event, now time.Time, loc *time.Location) (model.Occurrence, bool) {
	occ := e.OccurrenceOn(e.Date, loc)
	if occ.End.After(now) {
		return occ, true
	}
	if e.Recurrence == model.Once {
		return model.Occurrence{}, false
	}
	r, err := ruleFor(e.Recurrence, occ.Start)
	if err != nil {
		return model.Occurrence{}, false
	}
	dur := occ.End.Sub(occ.Start)
	// Smallest occurrence start whose end (start+dur) is after now.
	next := r.After(now.Add(-dur), false)
	if next.IsZero() {
		return model.Occurrence{}, false
	}
	return model.Occurrence{Start: next, End: next.Add(dur)}, true
}
