package ics

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "calmerge/internal/log"
	"calmerge/internal/model"
)

// ErrParse marks upstream documents that are not valid iCalendar data.
var ErrParse = errors.New("upstream document malformed")

// Source identifies an upstream feed for logging and output.
type Source struct {
	// ID is a short label used in logs, e.g. "work/0".
	ID  string
	URL string
}

// ParsedEvent is the normalized representation of a VEVENT as produced
// by the ICS parser. Recurrence expansion operates on this type.
type ParsedEvent struct {
	Source Source

	UID      string
	Sequence int

	Start  time.Time
	End    time.Time
	AllDay bool

	// Transparency is the upper-cased TRANSP value, OPAQUE if absent.
	Transparency string

	RawRRule   string
	RDates     []time.Time
	ExDates    []time.Time
	Recurrence *time.Time // RECURRENCE-ID (if present)
	IsOverride bool       // true if this VEVENT replaces one recurring instance

	// Properties is every property of the VEVENT in document order.
	Properties model.Properties
}

// ParseICS parses a single ICS payload into a list of ParsedEvent.
//
//   - Floating times, DATE values and TZIDs that cannot be resolved are
//     interpreted in loc.
//   - All-day events are detected from VALUE=DATE or a date-only DTSTART.
//   - RRULE/RDATE/EXDATE/RECURRENCE-ID are recorded but not expanded;
//     expansion is done in expand.go.
//
// VEVENTs without a usable DTSTART are logged and skipped.
func ParseICS(src Source, body []byte, loc *time.Location) ([]ParsedEvent, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrParse)
	}
	if loc == nil {
		loc = time.Local
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		appLog.Error("ics parse failed", err, "id", src.ID, "url", redactURL(src.URL))
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}

	events := make([]ParsedEvent, 0)
	for _, comp := range cal.Events() {
		ev, perr := parseVEvent(src, comp, loc)
		if perr != nil {
			appLog.Error("ics vevent parse failed", perr, "id", src.ID, "url", redactURL(src.URL))
			continue
		}
		events = append(events, ev)
	}

	appLog.Debug("ics parse completed", "id", src.ID, "url", redactURL(src.URL), "event_count", len(events))
	return events, nil
}

func parseVEvent(src Source, ve *ical.VEvent, loc *time.Location) (ParsedEvent, error) {
	out := ParsedEvent{
		Source:       src,
		Transparency: "OPAQUE",
		Properties:   make(model.Properties, 0, len(ve.Properties)),
	}

	for _, p := range ve.Properties {
		out.Properties = append(out.Properties, model.Property{
			Name:   strings.ToUpper(p.IANAToken),
			Params: cloneParams(p.ICalParameters),
			Value:  p.Value,
		})
	}

	if p := ve.GetProperty(ical.ComponentPropertyUniqueId); p != nil {
		out.UID = strings.TrimSpace(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertySequence); p != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(p.Value)); err == nil {
			out.Sequence = n
		}
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return out, fmt.Errorf("missing DTSTART (uid %q)", out.UID)
	}
	start, allDay, err := parseICSTime(dtStart.Value, dtStart.ICalParameters, loc)
	if err != nil {
		return out, fmt.Errorf("DTSTART (uid %q): %w", out.UID, err)
	}
	out.Start = start
	out.AllDay = allDay

	switch {
	case ve.GetProperty(ical.ComponentPropertyDtEnd) != nil:
		p := ve.GetProperty(ical.ComponentPropertyDtEnd)
		end, _, err := parseICSTime(p.Value, p.ICalParameters, loc)
		if err != nil {
			return out, fmt.Errorf("DTEND (uid %q): %w", out.UID, err)
		}
		out.End = end
	case ve.GetProperty(ical.ComponentPropertyDuration) != nil:
		d, err := parseDuration(ve.GetProperty(ical.ComponentPropertyDuration).Value)
		if err != nil {
			return out, fmt.Errorf("DURATION (uid %q): %w", out.UID, err)
		}
		out.End = addDuration(out.Start, d, out.AllDay)
	case out.AllDay:
		out.End = out.Start.AddDate(0, 0, 1)
	default:
		out.End = out.Start
	}
	if out.End.Before(out.Start) {
		out.End = out.Start
	}

	if p := ve.GetProperty(ical.ComponentPropertyTransp); p != nil {
		if v := strings.ToUpper(strings.TrimSpace(p.Value)); v != "" {
			out.Transparency = v
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RawRRule = strings.TrimSpace(p.Value)
	}

	// EXDATE and RDATE can appear multiple times, each with a comma list.
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		out.ExDates = append(out.ExDates, parseTimeList(p, loc, out)...)
	}
	for _, p := range ve.GetProperties(ical.ComponentPropertyRdate) {
		if strings.EqualFold(param(p.ICalParameters, "VALUE"), "PERIOD") {
			appLog.Debug("ics rdate period ignored", "uid", out.UID)
			continue
		}
		out.RDates = append(out.RDates, parseTimeList(p, loc, out)...)
	}

	if p := ve.GetProperty(ical.ComponentPropertyRecurrenceId); p != nil {
		t, _, err := parseICSTime(p.Value, p.ICalParameters, loc)
		if err == nil {
			out.Recurrence = &t
			out.IsOverride = true
		}
	}

	return out, nil
}

func parseTimeList(p *ical.IANAProperty, loc *time.Location, ev ParsedEvent) []time.Time {
	var out []time.Time
	for _, part := range strings.Split(p.Value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		t, _, err := parseICSTime(part, p.ICalParameters, loc)
		if err != nil {
			appLog.Debug("ics date list entry ignored", "uid", ev.UID, "property", p.IANAToken, "value", part)
			continue
		}
		out = append(out, t)
	}
	return out
}

// parseICSTime parses a DATE or DATE-TIME value honoring VALUE and TZID.
// The boolean result reports a date-only value.
func parseICSTime(v string, params map[string][]string, loc *time.Location) (time.Time, bool, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false, errors.New("empty time value")
	}

	// Date-only (all-day), e.g., 20250101
	if strings.EqualFold(param(params, "VALUE"), "DATE") || !strings.Contains(v, "T") {
		t, err := time.ParseInLocation("20060102", v[:min(len(v), 8)], loc)
		return t, true, err
	}

	// UTC form, e.g., 20250101T090000Z
	if strings.HasSuffix(v, "Z") {
		t, err := time.Parse("20060102T150405Z", v)
		return t, false, err
	}

	tzLoc := loc
	if tzid := strings.Trim(param(params, "TZID"), `"`); tzid != "" {
		if l, err := time.LoadLocation(tzid); err == nil {
			tzLoc = l
		} else {
			appLog.Debug("ics unknown TZID; using default timezone", "tzid", tzid, "default", loc.String())
		}
	}
	t, err := time.ParseInLocation("20060102T150405", v, tzLoc)
	return t, false, err
}

// parseDuration parses an RFC 5545 dur-value such as P1W, -PT15M or
// P1DT2H30M. Seconds are optional.
func parseDuration(s string) (icalDuration, error) {
	var d icalDuration
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return d, errors.New("empty duration")
	}
	switch s[0] {
	case '-':
		d.negative = true
		s = s[1:]
	case '+':
		s = s[1:]
	}
	if !strings.HasPrefix(s, "P") || len(s) < 2 {
		return d, fmt.Errorf("invalid duration %q", s)
	}
	s = s[1:]

	inTime := false
	num := ""
	parts := 0
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			num += string(r)
		case r == 'T':
			if inTime || num != "" {
				return d, fmt.Errorf("invalid duration %q", s)
			}
			inTime = true
		default:
			if num == "" {
				return d, fmt.Errorf("invalid duration %q", s)
			}
			n, err := strconv.Atoi(num)
			if err != nil {
				return d, err
			}
			num = ""
			parts++
			switch {
			case r == 'W' && !inTime:
				d.days += 7 * n
			case r == 'D' && !inTime:
				d.days += n
			case r == 'H' && inTime:
				d.clock += time.Duration(n) * time.Hour
			case r == 'M' && inTime:
				d.clock += time.Duration(n) * time.Minute
			case r == 'S' && inTime:
				d.clock += time.Duration(n) * time.Second
			default:
				return d, fmt.Errorf("invalid duration designator %q", r)
			}
		}
	}
	if num != "" || parts == 0 {
		return d, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

// icalDuration keeps nominal days apart from exact clock time so that a
// one-day duration stays one calendar day across DST changes.
type icalDuration struct {
	negative bool
	days     int
	clock    time.Duration
}

func addDuration(t time.Time, d icalDuration, allDay bool) time.Time {
	sign := 1
	if d.negative {
		sign = -1
	}
	out := t.AddDate(0, 0, sign*d.days)
	if !allDay {
		out = out.Add(time.Duration(sign) * d.clock)
	}
	return out
}

func param(params map[string][]string, name string) string {
	for k, vs := range params {
		if strings.EqualFold(k, name) && len(vs) > 0 {
			return vs[0]
		}
	}
	return ""
}

func cloneParams(params map[string][]string) map[string][]string {
	if len(params) == 0 {
		return nil
	}
	out := make(map[string][]string, len(params))
	for k, vs := range params {
		out[k] = slices.Clone(vs)
	}
	return out
}
