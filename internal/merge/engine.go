// Package merge assembles virtual calendars from their upstream sources.
package merge

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"calmerge/internal/cache"
	"calmerge/internal/config"
	"calmerge/internal/ics"
	appLog "calmerge/internal/log"
	"calmerge/internal/model"
)

const (
	defaultCacheTTL        = 15 * time.Minute
	defaultCacheSize       = 10
	defaultRefreshInterval = 15 * time.Minute
)

// Fetcher retrieves the raw documents of several sources at once.
type Fetcher interface {
	FetchAll(ctx context.Context, sources []ics.Source) ([]ics.FetchResult, error)
}

// Options tunes an Engine. Zero values pick defaults.
type Options struct {
	// Location defines "today" and anchors all-day events.
	Location *time.Location

	CacheTTL  time.Duration
	CacheSize int

	// RefreshInterval is advertised to clients in the merged calendar.
	RefreshInterval time.Duration

	MaxOccurrencesPerEvent int

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Engine builds merged calendars and caches them by rule-set fingerprint.
type Engine struct {
	fetcher         Fetcher
	loc             *time.Location
	cache           *cache.TTL[string, *model.Calendar]
	refreshInterval time.Duration
	maxOccurrences  int
	now             func() time.Time
}

func NewEngine(fetcher Fetcher, opts Options) *Engine {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultCacheTTL
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultCacheSize
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = defaultRefreshInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	e := &Engine{
		fetcher:         fetcher,
		loc:             opts.Location,
		cache:           cache.New[string, *model.Calendar](opts.CacheTTL, opts.CacheSize),
		refreshInterval: opts.RefreshInterval,
		maxOccurrences:  opts.MaxOccurrencesPerEvent,
		now:             opts.Now,
	}
	e.cache.SetClock(opts.Now)
	return e
}

// Location is the timezone the engine works in.
func (e *Engine) Location() *time.Location {
	return e.loc
}

// Assemble returns the merged calendar for cal, from cache when a fresh
// entry exists. Failures are returned as-is and never cached.
func (e *Engine) Assemble(ctx context.Context, cal *config.CalendarConfig) (*model.Calendar, error) {
	if out, ok := e.cache.Get(cal.Fingerprint()); ok {
		appLog.Debug("calendar cache hit", "calendar", cal.Name())
		return out, nil
	}
	return e.Rebuild(ctx, cal)
}

// Rebuild assembles cal from its sources and replaces the cached entry.
func (e *Engine) Rebuild(ctx context.Context, cal *config.CalendarConfig) (*model.Calendar, error) {
	out, err := e.build(ctx, cal)
	if err != nil {
		return nil, err
	}
	e.cache.Set(cal.Fingerprint(), out)
	return out, nil
}

// Window is the expansion window for cal: from midnight today to midnight
// days_ahead days later, in the engine timezone.
func (e *Engine) Window(cal *config.CalendarConfig) (time.Time, time.Time) {
	now := e.now().In(e.loc)
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, e.loc)
	return start, start.AddDate(0, 0, cal.Horizon())
}

type candidate struct {
	occ model.Occurrence
	src *config.SourceConfig
}

func (e *Engine) build(ctx context.Context, cal *config.CalendarConfig) (*model.Calendar, error) {
	started := e.now()
	windowStart, windowEnd := e.Window(cal)

	sources := make([]ics.Source, len(cal.Sources))
	for i, src := range cal.Sources {
		sources[i] = ics.Source{ID: fmt.Sprintf("%s/%d", cal.Name(), i), URL: src.URL}
	}

	results, err := e.fetcher.FetchAll(ctx, sources)
	if err != nil {
		appLog.Error("calendar assembly failed", err, "calendar", cal.Name())
		return nil, err
	}

	var candidates []candidate
	for i, res := range results {
		parsed, err := ics.ParseICS(res.Source, res.Body, e.loc)
		if err != nil {
			appLog.Error("calendar assembly failed", err, "calendar", cal.Name(), "source", res.Source.ID)
			return nil, err
		}
		expanded, err := ics.ExpandOccurrences(parsed, ics.ExpandConfig{
			Location:               e.loc,
			RangeStart:             windowStart,
			RangeEnd:               windowEnd,
			MaxOccurrencesPerEvent: e.maxOccurrences,
		})
		if err != nil {
			return nil, err
		}
		for _, occ := range expanded.Occurrences {
			candidates = append(candidates, candidate{occ: occ, src: &cal.Sources[i]})
		}
	}

	// Earliest first; at equal start the longer event comes first so that
	// it can hide the shorter one.
	slices.SortStableFunc(candidates, func(a, b candidate) int {
		if c := a.occ.Start.Compare(b.occ.Start); c != 0 {
			return c
		}
		return cmp.Compare(b.occ.Duration(), a.occ.Duration())
	})

	events := make([]model.Event, 0, len(candidates))
	var tracker overlapTracker
	skipped := 0
	for _, c := range candidates {
		if !admit(c, &tracker) {
			skipped++
			continue
		}
		ev := Transform(c.occ, c.src)
		tracker.accept(ev)
		events = append(events, ev)
	}

	appLog.Info("calendar assembled",
		"calendar", cal.Name(),
		"sources", len(sources),
		"events", len(events),
		"skipped", skipped,
		"elapsed", e.now().Sub(started).String(),
	)

	return &model.Calendar{
		Events:          events,
		RefreshInterval: e.refreshInterval,
		GeneratedAt:     e.now(),
		WindowStart:     windowStart,
		WindowEnd:       windowEnd,
	}, nil
}

// admit applies the source's name filter, transparency and overlap rules.
func admit(c candidate, tracker *overlapTracker) bool {
	if re, ok := c.src.NameFilter().Get(); ok && !re.MatchString(c.occ.Summary()) {
		return false
	}
	if c.occ.Transparency != "OPAQUE" {
		return false
	}
	if c.src.HideIfOverlapped && tracker.covers(c.occ) {
		return false
	}
	return true
}
