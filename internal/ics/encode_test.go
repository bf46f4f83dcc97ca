package ics

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calmerge/internal/model"
)

func TestEncode(t *testing.T) {
	loc := vienna(t)
	cal := &model.Calendar{
		RefreshInterval: 15 * time.Minute,
		GeneratedAt:     time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		Events: []model.Event{
			{
				UID:   "timed",
				Start: time.Date(2025, 3, 3, 9, 0, 0, 0, loc),
				End:   time.Date(2025, 3, 3, 10, 0, 0, 0, loc),
				Properties: model.Properties{
					{Name: "SUMMARY", Value: "Busy; maybe, later"},
					{Name: "STATUS", Value: "TENTATIVE"},
					{Name: "LOCATION", Params: map[string][]string{"ALTREP": {"http://example.com/room"}}, Value: "Room 1"},
				},
			},
			{
				UID:        "allday",
				AllDay:     true,
				Start:      time.Date(2025, 3, 4, 0, 0, 0, 0, loc),
				End:        time.Date(2025, 3, 5, 0, 0, 0, 0, loc),
				Properties: model.Properties{{Name: "SUMMARY", Value: "Holiday"}},
			},
		},
	}

	out := string(Encode("work", cal))

	assert.True(t, strings.HasPrefix(out, "BEGIN:VCALENDAR\r\n"))
	assert.Contains(t, out, "REFRESH-INTERVAL;VALUE=DURATION:PT15M\r\n")
	assert.Contains(t, out, "X-PUBLISHED-TTL:PT15M\r\n")
	assert.Contains(t, out, "X-WR-CALNAME:work\r\n")
	assert.Contains(t, out, "DTSTART:20250303T080000Z\r\n")
	assert.Contains(t, out, "DTEND:20250303T090000Z\r\n")
	assert.Contains(t, out, "DTSTART;VALUE=DATE:20250304\r\n")
	assert.Contains(t, out, "DTEND;VALUE=DATE:20250305\r\n")
	assert.Contains(t, out, "DTSTAMP:20250301T120000Z\r\n")
	assert.Contains(t, out, "STATUS:TENTATIVE\r\n")

	events, err := ParseICS(Source{URL: "https://example.com/out.ics"}, []byte(out), loc)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "Busy; maybe, later", events[0].Properties.Value("SUMMARY"))
	assert.Equal(t, "Room 1", events[0].Properties.Value("LOCATION"))
	assert.True(t, events[0].Start.Equal(cal.Events[0].Start))
	assert.True(t, events[1].AllDay)
	assert.Equal(t, "allday", events[1].UID)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "PT15M", formatDuration(15*time.Minute))
	assert.Equal(t, "P1DT2H", formatDuration(26*time.Hour))
	assert.Equal(t, "P1D", formatDuration(24*time.Hour))
	assert.Equal(t, "PT1M30S", formatDuration(90*time.Second))
	assert.Equal(t, "PT0S", formatDuration(0))
}
