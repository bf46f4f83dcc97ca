package merge

import (
	"time"

	"calmerge/internal/model"
)

// Query returns the events of cal overlapping [start, end), in merged order.
// A zero-length event matches when start <= event.Start < end.
func Query(cal *model.Calendar, start, end time.Time) []model.Event {
	out := make([]model.Event, 0)
	if cal == nil || !end.After(start) {
		return out
	}
	for _, ev := range cal.Events {
		if overlaps(ev.Start, ev.End, start, end) {
			out = append(out, ev)
		}
	}
	return out
}

func overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	if !aEnd.After(aStart) {
		return !aStart.Before(bStart) && aStart.Before(bEnd)
	}
	return aStart.Before(bEnd) && aEnd.After(bStart)
}
