// Package ical imports calendar events from an ICS file. Each VEVENT
// becomes a stored event; the trigger scheduler arms them on the next
// resync pass.
package ical

import (
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"silentmate/internal/model"
	logx "silentmate/pkg/logx"
)

// ringerProperty is the X- property carrying the event's ringer action.
// Missing or unparsable values default to SILENT (a calendar event is a
// "quiet the device" request unless it says otherwise).
const ringerProperty = "X-RINGER-MODE"

// ImportFile parses the ICS file at path. Broken VEVENTs are logged and
// skipped; the rest import normally.
func ImportFile(path string, log logx.Logger) ([]model.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f, log)
}

func Parse(r io.Reader, log logx.Logger) ([]model.Event, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	cal, err := ical.ParseCalendar(r)
	if err != nil {
		return nil, fmt.Errorf("parse calendar: %w", err)
	}

	var out []model.Event
	for _, ve := range cal.Events() {
		ev, err := parseVEvent(ve)
		if err != nil {
			log.Warn("skipping calendar event", logx.Err(err))
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func parseVEvent(ve *ical.VEvent) (model.Event, error) {
	var out model.Event

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return out, errors.New("missing UID")
	}
	out.ID = idFromUID(uidProp.Value)

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Title = p.Value
	}

	start, err := ve.GetStartAt()
	if err != nil {
		return out, fmt.Errorf("uid %s: dtstart: %w", uidProp.Value, err)
	}
	end, err := ve.GetEndAt()
	if err != nil {
		return out, fmt.Errorf("uid %s: dtend: %w", uidProp.Value, err)
	}
	start = start.In(time.Local)
	end = end.In(time.Local)

	out.Date = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.Local)
	out.StartTime = model.TimeOfDay{Hour: start.Hour(), Minute: start.Minute()}
	out.EndTime = model.TimeOfDay{Hour: end.Hour(), Minute: end.Minute()}

	out.Recurrence = model.Once
	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		rec, err := recurrenceFromRRule(p.Value)
		if err != nil {
			return out, fmt.Errorf("uid %s: %w", uidProp.Value, err)
		}
		out.Recurrence = rec
	}

	// GEO gives the fence anchor; LOCATION only the display name.
	if p := ve.GetProperty(ical.ComponentPropertyGeo); p != nil {
		lat, lon, err := parseGeo(p.Value)
		if err != nil {
			return out, fmt.Errorf("uid %s: %w", uidProp.Value, err)
		}
		out.Location.Lat = lat
		out.Location.Lon = lon
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location.Name = p.Value
	}

	out.Action = model.RingerSilent
	if p := ve.GetProperty(ical.ComponentProperty(ringerProperty)); p != nil {
		mode, err := model.ParseRingerMode(p.Value)
		if err != nil {
			return out, fmt.Errorf("uid %s: %w", uidProp.Value, err)
		}
		out.Action = mode
	}
	return out, nil
}

// recurrenceFromRRule maps the FREQ/INTERVAL pair onto the supported
// recurrence set. WEEKLY with INTERVAL=2 becomes BIWEEKLY; anything else
// the scheduler cannot represent is rejected.
func recurrenceFromRRule(raw string) (model.Recurrence, error) {
	freq := ""
	interval := 1
	for _, part := range strings.Split(raw, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch strings.ToUpper(k) {
		case "FREQ":
			freq = strings.ToUpper(strings.TrimSpace(v))
		case "INTERVAL":
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return "", fmt.Errorf("rrule interval %q: %w", v, err)
			}
			interval = n
		}
	}
	switch {
	case freq == "DAILY" && interval == 1:
		return model.Daily, nil
	case freq == "WEEKLY" && interval == 1:
		return model.Weekly, nil
	case freq == "WEEKLY" && interval == 2:
		return model.Biweekly, nil
	case freq == "MONTHLY" && interval == 1:
		return model.Monthly, nil
	}
	return "", fmt.Errorf("unsupported rrule %q", raw)
}

func parseGeo(v string) (lat, lon float64, err error) {
	latS, lonS, ok := strings.Cut(strings.TrimSpace(v), ";")
	if !ok {
		return 0, 0, fmt.Errorf("geo %q: expected lat;lon", v)
	}
	lat, err = strconv.ParseFloat(strings.TrimSpace(latS), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("geo latitude %q: %w", latS, err)
	}
	lon, err = strconv.ParseFloat(strings.TrimSpace(lonS), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("geo longitude %q: %w", lonS, err)
	}
	return lat, lon, nil
}

// idFromUID derives a stable positive event id from a calendar UID, so
// repeated imports upsert rather than duplicate.
func idFromUID(uid string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(uid))
	return int64(h.Sum64() & (1<<63 - 1))
}
