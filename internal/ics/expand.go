package ics

import (
	"errors"
	"time"

	"github.com/teambition/rrule-go"

	appLog "calmerge/internal/log"
	"calmerge/internal/model"
)

const (
	defaultMaxOccurrencesPerEvent = 5000
)

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// Location is the timezone occurrences are converted to. If nil,
	// time.Local is used.
	Location *time.Location

	// RangeStart / RangeEnd define the half-open window [RangeStart, RangeEnd).
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent is a safety cap to avoid infinite or extremely
	// large expansions. If zero, defaultMaxOccurrencesPerEvent is used.
	MaxOccurrencesPerEvent int
}

// ExpandResult wraps the list of expanded occurrences and information about
// truncation.
type ExpandResult struct {
	Occurrences []model.Occurrence
	// TruncatedEvents records UIDs that hit the MaxOccurrencesPerEvent cap.
	TruncatedEvents []string
}

// ExpandOccurrences expands parsed events into the concrete occurrences
// overlapping the configured window. It handles:
//
//   - Single non-recurring events
//   - RRULE and RDATE recurrence; DTSTART is always an instance
//   - EXDATE for exception removal
//   - RECURRENCE-ID overrides, including instances moved into the window
//   - All-day semantics
//
// Occurrences are returned in document order of their master event, and no
// (UID, start) pair is returned twice.
func ExpandOccurrences(events []ParsedEvent, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult

	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return result, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	recurringUIDs := make(map[string]bool)
	overridesByUID := make(map[string][]ParsedEvent)
	for _, ev := range events {
		if ev.UID == "" {
			continue
		}
		if ev.IsOverride {
			overridesByUID[ev.UID] = append(overridesByUID[ev.UID], ev)
		} else if ev.isRecurring() {
			recurringUIDs[ev.UID] = true
		}
	}

	seen := make(map[string]bool)
	out := make([]model.Occurrence, 0)
	emit := func(occ model.Occurrence) {
		if occ.UID != "" {
			key := occ.UID + "\x00" + occ.InstanceKey
			if seen[key] {
				return
			}
			seen[key] = true
		}
		out = append(out, occ)
	}

	for _, ev := range events {
		// Overrides are applied while expanding their master.
		if ev.IsOverride && recurringUIDs[ev.UID] {
			continue
		}

		if !ev.isRecurring() {
			if timeRangesOverlap(ev.Start, ev.End, cfg.RangeStart, cfg.RangeEnd) {
				emit(makeOccurrence(ev, ev.Start, ev.End, cfg.Location))
			}
			continue
		}

		occs, hitCap := expandRecurringEvent(ev, overridesByUID[ev.UID], cfg)
		for _, occ := range occs {
			emit(occ)
		}
		if hitCap {
			result.TruncatedEvents = append(result.TruncatedEvents, ev.UID)
			appLog.Warn("expand: truncated occurrences for UID due to cap",
				"uid", ev.UID,
				"cap", cfg.MaxOccurrencesPerEvent,
				"url", redactURL(ev.Source.URL),
			)
		}
	}

	result.Occurrences = out
	return result, nil
}

func (ev ParsedEvent) isRecurring() bool {
	return !ev.IsOverride && (ev.RawRRule != "" || len(ev.RDates) > 0)
}

func expandRecurringEvent(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) ([]model.Occurrence, bool) {
	out := make([]model.Occurrence, 0)
	hitCap := false

	var set rrule.Set
	set.DTStart(ev.Start)
	if ev.RawRRule != "" {
		r, err := rrule.StrToRRule(ev.RawRRule)
		if err != nil {
			// Keep the explicit instances rather than dropping the event.
			appLog.Error("expand: failed to parse RRULE", err, "uid", ev.UID, "rrule", ev.RawRRule)
		} else {
			r.DTStart(ev.Start)
			set.RRule(r)
		}
	}
	set.RDate(ev.Start)
	for _, rd := range ev.RDates {
		set.RDate(rd.In(ev.Start.Location()))
	}
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	dur := ev.End.Sub(ev.Start)
	days := civilDays(ev.Start, ev.End)

	// Instances starting up to one duration before the window can still
	// overlap it.
	rangeStart := cfg.RangeStart.Add(-dur).In(ev.Start.Location())
	rangeEnd := cfg.RangeEnd.In(ev.Start.Location())

	occTimes := set.Between(rangeStart, rangeEnd, true)
	if len(occTimes) > cfg.MaxOccurrencesPerEvent {
		occTimes = occTimes[:cfg.MaxOccurrencesPerEvent]
		hitCap = true
	}

	consumed := make([]bool, len(overrides))
	for _, occStart := range occTimes {
		var occEnd time.Time
		if ev.AllDay {
			occStart = time.Date(occStart.Year(), occStart.Month(), occStart.Day(), 0, 0, 0, 0, occStart.Location())
			occEnd = occStart.AddDate(0, 0, days)
		} else {
			occEnd = occStart.Add(dur)
		}

		baseEv := ev
		if i, ok := findOverrideForStart(overrides, occStart, ev.AllDay); ok {
			baseEv = overrides[i]
			occStart, occEnd = baseEv.Start, baseEv.End
			markConsumed(overrides, consumed, overrides[i].Recurrence, ev.AllDay)
		}

		if !timeRangesOverlap(occStart, occEnd, cfg.RangeStart, cfg.RangeEnd) {
			continue
		}
		out = append(out, makeOccurrence(baseEv, occStart, occEnd, cfg.Location))
	}

	// Overrides whose original instance lies outside the expanded range but
	// which were moved into the window.
	for i, ov := range overrides {
		if consumed[i] || !timeRangesOverlap(ov.Start, ov.End, cfg.RangeStart, cfg.RangeEnd) {
			continue
		}
		if j, ok := findOverrideForStart(overrides, *ov.Recurrence, ev.AllDay); ok && j != i {
			continue
		}
		markConsumed(overrides, consumed, ov.Recurrence, ev.AllDay)
		out = append(out, makeOccurrence(ov, ov.Start, ov.End, cfg.Location))
	}

	return out, hitCap
}

// findOverrideForStart finds the override whose RECURRENCE-ID matches
// baseStart. When several match, the highest SEQUENCE wins.
func findOverrideForStart(overrides []ParsedEvent, baseStart time.Time, allDay bool) (int, bool) {
	best := -1
	for i, ov := range overrides {
		if ov.Recurrence == nil || !sameInstant(*ov.Recurrence, baseStart, allDay) {
			continue
		}
		if best < 0 || ov.Sequence >= overrides[best].Sequence {
			best = i
		}
	}
	return best, best >= 0
}

func markConsumed(overrides []ParsedEvent, consumed []bool, rid *time.Time, allDay bool) {
	for i, ov := range overrides {
		if ov.Recurrence != nil && sameInstant(*ov.Recurrence, *rid, allDay) {
			consumed[i] = true
		}
	}
}

func sameInstant(a, b time.Time, allDay bool) bool {
	if allDay {
		ay, am, ad := a.Date()
		by, bm, bd := b.In(a.Location()).Date()
		return ay == by && am == bm && ad == bd
	}
	return a.Equal(b)
}

// civilDays counts calendar days between two dates, at least one.
func civilDays(start, end time.Time) int {
	sy, sm, sd := start.Date()
	ey, em, ed := end.In(start.Location()).Date()
	a := time.Date(sy, sm, sd, 0, 0, 0, 0, time.UTC)
	b := time.Date(ey, em, ed, 0, 0, 0, 0, time.UTC)
	days := int(b.Sub(a).Hours() / 24)
	if days < 1 {
		days = 1
	}
	return days
}

// makeOccurrence converts a (possibly overridden) ParsedEvent + specific
// start/end time into a model.Occurrence normalized into loc.
func makeOccurrence(ev ParsedEvent, start, end time.Time, loc *time.Location) model.Occurrence {
	if !ev.AllDay {
		start = start.In(loc)
		end = end.In(loc)
	}

	return model.Occurrence{
		SourceURL:    ev.Source.URL,
		UID:          ev.UID,
		InstanceKey:  start.UTC().Format(time.RFC3339),
		AllDay:       ev.AllDay,
		Start:        start,
		End:          end,
		Transparency: ev.Transparency,
		Properties:   ev.Properties,
	}
}

// timeRangesOverlap reports whether [aStart, aEnd) intersects [bStart, bEnd).
// A zero-length range overlaps when its instant lies inside the window.
func timeRangesOverlap(aStart, aEnd, bStart, bEnd time.Time) bool {
	if !aEnd.After(aStart) {
		return !aStart.Before(bStart) && aStart.Before(bEnd)
	}
	return aStart.Before(bEnd) && aEnd.After(bStart)
}
