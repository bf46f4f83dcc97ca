package merge

import (
	"time"

	"calmerge/internal/model"
)

// overlapTracker answers "is this occurrence fully contained in an event
// accepted so far?". Candidates arrive sorted by start, so every accepted
// event starts at or before the candidate and containment reduces to the
// furthest accepted end reaching the candidate's end.
//
// All-day events neither get hidden nor hide anything.
type overlapTracker struct {
	maxEnd time.Time
	seen   bool
}

func (t *overlapTracker) covers(occ model.Occurrence) bool {
	if occ.AllDay || !t.seen {
		return false
	}
	if !occ.End.After(occ.Start) {
		// A zero-length event only overlaps a span it starts inside of.
		return t.maxEnd.After(occ.Start)
	}
	return !t.maxEnd.Before(occ.End)
}

func (t *overlapTracker) accept(ev model.Event) {
	if ev.AllDay {
		return
	}
	if !t.seen || ev.End.After(t.maxEnd) {
		t.maxEnd = ev.End
	}
	t.seen = true
}
