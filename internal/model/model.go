package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RingerMode is the device-wide sound policy an event action maps to.
type RingerMode string

const (
	RingerNormal  RingerMode = "NORMAL"
	RingerVibrate RingerMode = "VIBRATE"
	RingerSilent  RingerMode = "SILENT"
)

func ParseRingerMode(s string) (RingerMode, error) {
	switch RingerMode(strings.ToUpper(strings.TrimSpace(s))) {
	case RingerNormal:
		return RingerNormal, nil
	case RingerVibrate:
		return RingerVibrate, nil
	case RingerSilent:
		return RingerSilent, nil
	}
	return "", fmt.Errorf("unknown ringer mode %q", s)
}

// Recurrence is the repeat rule of an event.
type Recurrence string

const (
	Once     Recurrence = "ONCE"
	Daily    Recurrence = "DAILY"
	Weekly   Recurrence = "WEEKLY"
	Biweekly Recurrence = "BIWEEKLY"
	Monthly  Recurrence = "MONTHLY"
)

func ParseRecurrence(s string) (Recurrence, error) {
	switch Recurrence(strings.ToUpper(strings.TrimSpace(s))) {
	case Once:
		return Once, nil
	case Daily:
		return Daily, nil
	case Weekly:
		return Weekly, nil
	case Biweekly:
		return Biweekly, nil
	case Monthly:
		return Monthly, nil
	}
	return "", fmt.Errorf("unknown recurrence %q", s)
}

// Location is an optional geofence anchor for an event.
// The zero value means "no location gating".
type Location struct {
	Name string  `json:"name,omitempty"`
	Lat  float64 `json:"lat,omitempty"`
	Lon  float64 `json:"lon,omitempty"`
}

// IsZero reports whether the event has no location gating.
func (l Location) IsZero() bool { return l.Name == "" && l.Lat == 0 && l.Lon == 0 }

// TimeOfDay is a wall-clock time without a date ("HH:MM").
type TimeOfDay struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
}

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return TimeOfDay{}, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return TimeOfDay{}, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return TimeOfDay{}, fmt.Errorf("invalid minute in %q", s)
	}
	return TimeOfDay{Hour: h, Minute: m}, nil
}

// On anchors the time-of-day to a calendar date in loc.
func (t TimeOfDay) On(date time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	return time.Date(date.Year(), date.Month(), date.Day(), t.Hour, t.Minute, 0, 0, loc)
}

// Event is a stored calendar entry. Immutable once scheduled; the trigger
// service only re-derives future occurrences from it.
type Event struct {
	ID         int64      `json:"id"`
	Title      string     `json:"title"`
	Date       time.Time  `json:"date"` // calendar day of the first occurrence
	StartTime  TimeOfDay  `json:"start_time"`
	EndTime    TimeOfDay  `json:"end_time"`
	Recurrence Recurrence `json:"recurrence"`
	Location   Location   `json:"location"`
	Action     RingerMode `json:"action"`
}

// Occurrence is one concrete (start, end) instant pair of an event.
type Occurrence struct {
	Start time.Time
	End   time.Time
}

// OccurrenceOn resolves the event's start/end instants on the given date.
// End is kept after start even when EndTime wraps past midnight.
func (e Event) OccurrenceOn(date time.Time, loc *time.Location) Occurrence {
	start := e.StartTime.On(date, loc)
	end := e.EndTime.On(date, loc)
	if !end.After(start) {
		end = end.AddDate(0, 0, 1)
	}
	return Occurrence{Start: start, End: end}
}

// DevicePosition is the classifier's discrete physical-context state.
type DevicePosition string

const (
	OnDesk   DevicePosition = "ON_DESK"
	InPocket DevicePosition = "IN_POCKET"
	InHand   DevicePosition = "IN_HAND"
	Unknown  DevicePosition = "UNKNOWN"
)

// Positions lists the detectable positions (UNKNOWN excluded) in priority order.
func Positions() []DevicePosition {
	return []DevicePosition{InPocket, InHand, OnDesk}
}

func ParseDevicePosition(s string) (DevicePosition, error) {
	switch DevicePosition(strings.ToUpper(strings.TrimSpace(s))) {
	case OnDesk:
		return OnDesk, nil
	case InPocket:
		return InPocket, nil
	case InHand:
		return InHand, nil
	case Unknown:
		return Unknown, nil
	}
	return "", fmt.Errorf("unknown device position %q", s)
}

// AudioProfile is the target sound policy derived from a device position.
type AudioProfile string

const (
	ProfileSilent    AudioProfile = "SILENT"
	ProfileVibration AudioProfile = "VIBRATION"
	ProfileGeneral   AudioProfile = "GENERAL"
)

// RingerMode maps a profile to the actuator's mode.
func (p AudioProfile) RingerMode() RingerMode {
	switch p {
	case ProfileSilent:
		return RingerSilent
	case ProfileVibration:
		return RingerVibrate
	default:
		return RingerNormal
	}
}

// FeatureEnableSet gates audio actuation per detected position. Detection
// still runs for a disabled position; only the profile change is suppressed.
type FeatureEnableSet map[DevicePosition]bool

// Enabled treats missing entries as enabled.
func (f FeatureEnableSet) Enabled(p DevicePosition) bool {
	if f == nil {
		return true
	}
	v, ok := f[p]
	if !ok {
		return true
	}
	return v
}

// Clone returns an independent copy so handlers can hold a snapshot.
func (f FeatureEnableSet) Clone() FeatureEnableSet {
	cp := make(FeatureEnableSet, len(f))
	for k, v := range f {
		cp[k] = v
	}
	return cp
}
