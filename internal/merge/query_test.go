package merge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"calmerge/internal/model"
)

func TestQuery(t *testing.T) {
	base := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)
	ev := func(uid string, from, to time.Duration) model.Event {
		return model.Event{UID: uid, Start: base.Add(from), End: base.Add(to)}
	}
	cal := &model.Calendar{Events: []model.Event{
		ev("before", -2*time.Hour, 0),
		ev("straddle", -time.Hour, time.Hour),
		ev("inside", 2*time.Hour, 3*time.Hour),
		ev("instant", 4*time.Hour, 4*time.Hour),
		ev("at-end", 24*time.Hour, 25*time.Hour),
		ev("instant-at-end", 24*time.Hour, 24*time.Hour),
	}}

	got := Query(cal, base, base.Add(24*time.Hour))
	uids := make([]string, 0, len(got))
	for _, e := range got {
		uids = append(uids, e.UID)
	}
	assert.Equal(t, []string{"straddle", "inside", "instant"}, uids)
	assert.Len(t, cal.Events, 6, "query must not modify the calendar")

	assert.Empty(t, Query(cal, base, base))
	assert.Empty(t, Query(nil, base, base.Add(time.Hour)))
}
