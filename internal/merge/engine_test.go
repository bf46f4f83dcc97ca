package merge

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calmerge/internal/config"
	"calmerge/internal/ics"
	"calmerge/internal/model"
)

type fakeFetcher struct {
	mu    sync.Mutex
	feeds map[string]string
	err   error
	calls int
}

func (f *fakeFetcher) FetchAll(_ context.Context, sources []ics.Source) ([]ics.FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]ics.FetchResult, len(sources))
	for i, src := range sources {
		body, ok := f.feeds[src.URL]
		if !ok {
			return nil, ics.ErrFetch
		}
		out[i] = ics.FetchResult{Source: src, Body: []byte(body)}
	}
	return out, nil
}

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func vienna(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Vienna")
	require.NoError(t, err)
	return loc
}

func feed(events ...string) string {
	var b strings.Builder
	b.WriteString("BEGIN:VCALENDAR\nVERSION:2.0\nPRODID:-//test//EN\n")
	for _, e := range events {
		b.WriteString("BEGIN:VEVENT\n")
		b.WriteString(strings.TrimSpace(e))
		b.WriteString("\nEND:VEVENT\n")
	}
	b.WriteString("END:VCALENDAR\n")
	return strings.ReplaceAll(b.String(), "\n", "\r\n")
}

func calendar(t *testing.T, doc string) *config.CalendarConfig {
	t.Helper()
	cfg, err := config.Parse([]byte(doc))
	require.NoError(t, err)
	cal, ok := cfg.Calendar("test")
	require.True(t, ok)
	return cal
}

// newTestEngine runs with "now" fixed at 2025-03-03 07:00 in Vienna.
func newTestEngine(t *testing.T, feeds map[string]string) (*Engine, *fakeFetcher, *testClock) {
	t.Helper()
	loc := vienna(t)
	f := &fakeFetcher{feeds: feeds}
	clk := &testClock{now: time.Date(2025, 3, 3, 7, 0, 0, 0, loc)}
	return NewEngine(f, Options{Location: loc, Now: clk.Now}), f, clk
}

func at(t *testing.T, day, hour, minute int) time.Time {
	return time.Date(2025, 3, day, hour, minute, 0, 0, vienna(t))
}

func TestAssembleSingleEvent(t *testing.T) {
	e, _, _ := newTestEngine(t, map[string]string{
		"https://a.example/cal.ics": feed(`UID:one
DTSTART;TZID=Europe/Vienna:20250303T090000
DTEND;TZID=Europe/Vienna:20250303T100000
SUMMARY:Dentist
DESCRIPTION:private`),
	})
	cal := calendar(t, `
calendars:
  test:
    sources:
      - url: https://a.example/cal.ics
`)

	out, err := e.Assemble(context.Background(), cal)
	require.NoError(t, err)
	require.Len(t, out.Events, 1)

	ev := out.Events[0]
	assert.Equal(t, "Busy", ev.Title())
	assert.True(t, ev.Start.Equal(at(t, 3, 9, 0)))
	assert.True(t, ev.End.Equal(at(t, 3, 10, 0)))
	assert.False(t, ev.Properties.Has("DESCRIPTION"))
	assert.Equal(t, 15*time.Minute, out.RefreshInterval)
	assert.True(t, out.WindowStart.Equal(at(t, 3, 0, 0)))
	assert.True(t, out.WindowEnd.Equal(at(t, 31, 0, 0)))
}

func TestAssembleHidesContainedEvent(t *testing.T) {
	e, _, _ := newTestEngine(t, map[string]string{
		"https://a.example/cal.ics": feed(`UID:long
DTSTART;TZID=Europe/Vienna:20250303T090000
DTEND;TZID=Europe/Vienna:20250303T120000`),
		"https://b.example/cal.ics": feed(`UID:inner
DTSTART;TZID=Europe/Vienna:20250303T100000
DTEND;TZID=Europe/Vienna:20250303T103000`, `UID:partial
DTSTART;TZID=Europe/Vienna:20250303T113000
DTEND;TZID=Europe/Vienna:20250303T123000`),
	})
	cal := calendar(t, `
calendars:
  test:
    sources:
      - url: https://a.example/cal.ics
      - url: https://b.example/cal.ics
        hide_if_overlapped: true
`)

	out, err := e.Assemble(context.Background(), cal)
	require.NoError(t, err)
	require.Len(t, out.Events, 2)
	assert.True(t, out.Events[0].Start.Equal(at(t, 3, 9, 0)))
	assert.True(t, out.Events[0].End.Equal(at(t, 3, 12, 0)))
	assert.True(t, out.Events[1].Start.Equal(at(t, 3, 11, 30)))
}

func TestAssembleContainmentIsInclusive(t *testing.T) {
	e, _, _ := newTestEngine(t, map[string]string{
		"https://a.example/cal.ics": feed(`UID:a
DTSTART;TZID=Europe/Vienna:20250303T090000
DTEND;TZID=Europe/Vienna:20250303T100000`),
		"https://b.example/cal.ics": feed(`UID:b
DTSTART;TZID=Europe/Vienna:20250303T090000
DTEND;TZID=Europe/Vienna:20250303T100000`),
	})
	cal := calendar(t, `
calendars:
  test:
    sources:
      - url: https://a.example/cal.ics
        hide_if_overlapped: true
      - url: https://b.example/cal.ics
        hide_if_overlapped: true
`)

	out, err := e.Assemble(context.Background(), cal)
	require.NoError(t, err)
	require.Len(t, out.Events, 1, "identical spans: first processed wins")
}

func TestAssembleWithoutHideKeepsContained(t *testing.T) {
	e, _, _ := newTestEngine(t, map[string]string{
		"https://a.example/cal.ics": feed(`UID:long
DTSTART;TZID=Europe/Vienna:20250303T090000
DTEND;TZID=Europe/Vienna:20250303T120000`, `UID:inner
DTSTART;TZID=Europe/Vienna:20250303T100000
DTEND;TZID=Europe/Vienna:20250303T103000`),
	})
	cal := calendar(t, `
calendars:
  test:
    sources:
      - url: https://a.example/cal.ics
`)

	out, err := e.Assemble(context.Background(), cal)
	require.NoError(t, err)
	assert.Len(t, out.Events, 2)
}

func TestAssembleAllDayExemptFromOverlap(t *testing.T) {
	e, _, _ := newTestEngine(t, map[string]string{
		"https://a.example/cal.ics": feed(`UID:holiday
DTSTART;VALUE=DATE:20250303
DTEND;VALUE=DATE:20250305`, `UID:conference
DTSTART;TZID=Europe/Vienna:20250303T000000
DTEND;TZID=Europe/Vienna:20250305T000000`),
		"https://b.example/cal.ics": feed(`UID:allday
DTSTART;VALUE=DATE:20250304`, `UID:timed
DTSTART;TZID=Europe/Vienna:20250306T090000
DTEND;TZID=Europe/Vienna:20250306T100000`),
		"https://c.example/cal.ics": feed(`UID:trip
DTSTART;VALUE=DATE:20250306
DTEND;VALUE=DATE:20250307`),
	})
	cal := calendar(t, `
calendars:
  test:
    sources:
      - url: https://a.example/cal.ics
      - url: https://c.example/cal.ics
      - url: https://b.example/cal.ics
        hide_if_overlapped: true
`)

	out, err := e.Assemble(context.Background(), cal)
	require.NoError(t, err)

	spans := map[string]bool{}
	for _, ev := range out.Events {
		spans[ev.Start.Format(time.RFC3339)+"/"+ev.End.Format(time.RFC3339)] = true
	}
	// The all-day event on the 4th sits inside the timed conference but is
	// never hidden; the timed event on the 6th sits inside the all-day trip,
	// which never hides anything.
	assert.Len(t, out.Events, 5)
	assert.True(t, spans[at(t, 4, 0, 0).Format(time.RFC3339)+"/"+at(t, 5, 0, 0).Format(time.RFC3339)])
	assert.True(t, spans[at(t, 6, 9, 0).Format(time.RFC3339)+"/"+at(t, 6, 10, 0).Format(time.RFC3339)])
}

func TestAssembleDropsTransparent(t *testing.T) {
	e, _, _ := newTestEngine(t, map[string]string{
		"https://a.example/cal.ics": feed(`UID:free
DTSTART;TZID=Europe/Vienna:20250303T090000
DTEND;TZID=Europe/Vienna:20250303T100000
TRANSP:TRANSPARENT`, `UID:busy
DTSTART;TZID=Europe/Vienna:20250303T110000
DTEND;TZID=Europe/Vienna:20250303T120000
TRANSP:OPAQUE`),
	})
	cal := calendar(t, `
calendars:
  test:
    sources:
      - url: https://a.example/cal.ics
        properties:
          TRANSP: OPAQUE
`)

	out, err := e.Assemble(context.Background(), cal)
	require.NoError(t, err)
	require.Len(t, out.Events, 1)
	assert.True(t, out.Events[0].Start.Equal(at(t, 3, 11, 0)))
}

func TestAssembleNameFilter(t *testing.T) {
	e, _, _ := newTestEngine(t, map[string]string{
		"https://a.example/cal.ics": feed(`UID:a
DTSTART;TZID=Europe/Vienna:20250303T090000
DTEND;TZID=Europe/Vienna:20250303T100000
SUMMARY:Team meeting`, `UID:b
DTSTART;TZID=Europe/Vienna:20250303T110000
DTEND;TZID=Europe/Vienna:20250303T120000
SUMMARY:Lunch`, `UID:c
DTSTART;TZID=Europe/Vienna:20250303T130000
DTEND;TZID=Europe/Vienna:20250303T140000`),
	})
	cal := calendar(t, `
calendars:
  test:
    sources:
      - url: https://a.example/cal.ics
        include: [summary]
        filter:
          name_regex: "meet"
`)

	out, err := e.Assemble(context.Background(), cal)
	require.NoError(t, err)
	require.Len(t, out.Events, 1)
	assert.Equal(t, "Team meeting", out.Events[0].Title())
}

func TestAssembleOrdersByStartThenLongestFirst(t *testing.T) {
	e, _, _ := newTestEngine(t, map[string]string{
		"https://a.example/cal.ics": feed(`UID:late
DTSTART;TZID=Europe/Vienna:20250304T090000
DTEND;TZID=Europe/Vienna:20250304T100000
SUMMARY:late`, `UID:short
DTSTART;TZID=Europe/Vienna:20250303T090000
DTEND;TZID=Europe/Vienna:20250303T093000
SUMMARY:short`),
		"https://b.example/cal.ics": feed(`UID:long
DTSTART;TZID=Europe/Vienna:20250303T090000
DTEND;TZID=Europe/Vienna:20250303T110000
SUMMARY:long`),
	})
	cal := calendar(t, `
calendars:
  test:
    sources:
      - url: https://a.example/cal.ics
        include: [SUMMARY]
      - url: https://b.example/cal.ics
        include: [SUMMARY]
`)

	for n := 0; n < 3; n++ {
		out, err := e.Rebuild(context.Background(), cal)
		require.NoError(t, err)
		titles := make([]string, 0, len(out.Events))
		for _, ev := range out.Events {
			titles = append(titles, ev.Title())
		}
		assert.Equal(t, []string{"long", "short", "late"}, titles)
	}
}

func TestAssembleExpandsRecurrence(t *testing.T) {
	e, _, _ := newTestEngine(t, map[string]string{
		"https://a.example/cal.ics": feed(`UID:daily
DTSTART;TZID=Europe/Vienna:20250301T090000
DTEND;TZID=Europe/Vienna:20250301T093000
RRULE:FREQ=DAILY;COUNT=5
EXDATE;TZID=Europe/Vienna:20250304T090000`),
	})
	cal := calendar(t, `
calendars:
  test:
    days_ahead: 7
    sources:
      - url: https://a.example/cal.ics
`)

	out, err := e.Assemble(context.Background(), cal)
	require.NoError(t, err)
	require.Len(t, out.Events, 2)
	assert.True(t, out.Events[0].Start.Equal(at(t, 3, 9, 0)))
	assert.True(t, out.Events[1].Start.Equal(at(t, 5, 9, 0)))

	seen := map[string]bool{}
	for _, ev := range out.Events {
		assert.False(t, seen[ev.UID], "duplicate uid %s", ev.UID)
		seen[ev.UID] = true
	}
}

func TestAssembleAllowlist(t *testing.T) {
	e, _, _ := newTestEngine(t, map[string]string{
		"https://a.example/cal.ics": feed(`UID:a
DTSTART;TZID=Europe/Vienna:20250303T090000
DTEND;TZID=Europe/Vienna:20250303T100000
SUMMARY:Secret project
DESCRIPTION:details
LOCATION:Room 4
ATTENDEE:mailto:someone@example.com
CATEGORIES:work`),
	})
	cal := calendar(t, `
calendars:
  test:
    sources:
      - url: https://a.example/cal.ics
        include: [location, categories]
        tentative: true
        properties:
          categories: blocked
        event_name: Out of office
`)

	out, err := e.Assemble(context.Background(), cal)
	require.NoError(t, err)
	require.Len(t, out.Events, 1)

	ev := out.Events[0]
	allowed := map[string]bool{"LOCATION": true, "CATEGORIES": true, "SUMMARY": true, "STATUS": true}
	for _, p := range ev.Properties {
		assert.True(t, allowed[p.Name], "unexpected property %s", p.Name)
	}
	assert.Equal(t, "Out of office", ev.Title())
	assert.Equal(t, "blocked", ev.Properties.Value("CATEGORIES"))
	assert.Equal(t, "Room 4", ev.Properties.Value("LOCATION"))
	assert.True(t, ev.Tentative())
}

func TestAssembleCachesByFingerprint(t *testing.T) {
	e, f, clk := newTestEngine(t, map[string]string{
		"https://a.example/cal.ics": feed(`UID:a
DTSTART;TZID=Europe/Vienna:20250303T090000
DTEND;TZID=Europe/Vienna:20250303T100000`),
	})
	doc := `
calendars:
  test:
    sources:
      - url: https://a.example/cal.ics
`
	first := calendar(t, doc)
	second := calendar(t, doc)
	require.Equal(t, first.Fingerprint(), second.Fingerprint())

	_, err := e.Assemble(context.Background(), first)
	require.NoError(t, err)
	_, err = e.Assemble(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, 1, f.calls)

	clk.now = clk.now.Add(16 * time.Minute)
	_, err = e.Assemble(context.Background(), first)
	require.NoError(t, err)
	assert.Equal(t, 2, f.calls)
}

func TestAssembleFailureNotCached(t *testing.T) {
	e, f, _ := newTestEngine(t, map[string]string{
		"https://a.example/cal.ics": feed(`UID:a
DTSTART;TZID=Europe/Vienna:20250303T090000
DTEND;TZID=Europe/Vienna:20250303T100000`),
	})
	cal := calendar(t, `
calendars:
  test:
    sources:
      - url: https://a.example/cal.ics
`)

	f.err = errors.New("upstream down")
	_, err := e.Assemble(context.Background(), cal)
	require.Error(t, err)

	f.err = nil
	out, err := e.Assemble(context.Background(), cal)
	require.NoError(t, err)
	assert.Len(t, out.Events, 1)
	assert.Equal(t, 2, f.calls)
}

func TestAssembleParseFailureAborts(t *testing.T) {
	e, _, _ := newTestEngine(t, map[string]string{
		"https://a.example/cal.ics": feed(`UID:a
DTSTART;TZID=Europe/Vienna:20250303T090000`),
		"https://b.example/cal.ics": "<html>not a calendar</html>",
	})
	cal := calendar(t, `
calendars:
  test:
    sources:
      - url: https://a.example/cal.ics
      - url: https://b.example/cal.ics
`)

	_, err := e.Assemble(context.Background(), cal)
	require.ErrorIs(t, err, ics.ErrParse)
}

func TestAssembleNoSources(t *testing.T) {
	e, f, _ := newTestEngine(t, nil)
	cal := calendar(t, `
calendars:
  test: {}
`)

	out, err := e.Assemble(context.Background(), cal)
	require.NoError(t, err)
	assert.Empty(t, out.Events)
	assert.Equal(t, 1, f.calls)
}

func TestOverlapTracker(t *testing.T) {
	base := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	var tr overlapTracker

	occ := model.Occurrence{Start: base, End: base.Add(time.Hour)}
	assert.False(t, tr.covers(occ), "empty tracker covers nothing")

	tr.accept(model.Event{AllDay: true, Start: base.Add(-9 * time.Hour), End: base.Add(15 * time.Hour)})
	assert.False(t, tr.covers(occ), "all-day events are not containers")

	tr.accept(model.Event{Start: base, End: base.Add(2 * time.Hour)})
	assert.True(t, tr.covers(occ))
	assert.True(t, tr.covers(model.Occurrence{Start: base.Add(time.Hour), End: base.Add(2 * time.Hour)}))
	assert.False(t, tr.covers(model.Occurrence{Start: base.Add(time.Hour), End: base.Add(3 * time.Hour)}))
	assert.False(t, tr.covers(model.Occurrence{AllDay: true, Start: base, End: base.Add(time.Hour)}))

	assert.True(t, tr.covers(model.Occurrence{Start: base.Add(time.Hour), End: base.Add(time.Hour)}))
	assert.False(t, tr.covers(model.Occurrence{Start: base.Add(2 * time.Hour), End: base.Add(2 * time.Hour)}),
		"an instant at the accepted end does not overlap it")
}

func TestAssembleKeepsInstantAtAcceptedEnd(t *testing.T) {
	e, _, _ := newTestEngine(t, map[string]string{
		"https://a.example/cal.ics": feed(`UID:meeting
DTSTART;TZID=Europe/Vienna:20250303T090000
DTEND;TZID=Europe/Vienna:20250303T100000`),
		"https://b.example/cal.ics": feed(`UID:reminder
DTSTART;TZID=Europe/Vienna:20250303T100000`, `UID:inside
DTSTART;TZID=Europe/Vienna:20250303T093000`),
	})
	cal := calendar(t, `
calendars:
  test:
    sources:
      - url: https://a.example/cal.ics
      - url: https://b.example/cal.ics
        hide_if_overlapped: true
`)

	out, err := e.Assemble(context.Background(), cal)
	require.NoError(t, err)
	require.Len(t, out.Events, 2)
	assert.True(t, out.Events[0].Start.Equal(at(t, 3, 9, 0)))
	assert.True(t, out.Events[1].Start.Equal(at(t, 3, 10, 0)))
	assert.True(t, out.Events[1].End.Equal(at(t, 3, 10, 0)))
}
