package model

import (
	"strings"
	"time"
)

// Property is a single iCalendar content line: NAME;PARAM=...:VALUE.
// Values are held unescaped.
type Property struct {
	Name   string
	Params map[string][]string
	Value  string
}

// Properties is an ordered property bag. Names are matched
// case-insensitively; a name may occur more than once.
type Properties []Property

// Get returns the first property named name.
func (ps Properties) Get(name string) (Property, bool) {
	for _, p := range ps {
		if strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	return Property{}, false
}

// Value returns the value of the first property named name, or "".
func (ps Properties) Value(name string) string {
	p, _ := ps.Get(name)
	return p.Value
}

// Has reports whether a property named name is present.
func (ps Properties) Has(name string) bool {
	_, ok := ps.Get(name)
	return ok
}

// All returns every property named name in document order.
func (ps Properties) All(name string) []Property {
	var out []Property
	for _, p := range ps {
		if strings.EqualFold(p.Name, name) {
			out = append(out, p)
		}
	}
	return out
}

// Set replaces every property named name with a single value.
func (ps Properties) Set(name, value string) Properties {
	out := ps.Without(name)
	return append(out, Property{Name: strings.ToUpper(name), Value: value})
}

// Without returns a copy of ps with every property named name removed.
func (ps Properties) Without(name string) Properties {
	out := make(Properties, 0, len(ps))
	for _, p := range ps {
		if !strings.EqualFold(p.Name, name) {
			out = append(out, p)
		}
	}
	return out
}

// Occurrence represents a single concrete instance of a source event
// (after recurrence expansion).
type Occurrence struct {
	SourceURL string
	UID       string

	// InstanceKey uniquely identifies a single occurrence of a recurring
	// event, derived from its start.
	InstanceKey string

	AllDay bool

	// Start / End are absolute instants. All-day occurrences are anchored at
	// midnight in the process timezone and End is exclusive.
	Start time.Time
	End   time.Time

	// Transparency is the upper-cased TRANSP value, OPAQUE when absent.
	Transparency string

	Properties Properties
}

// Duration is End - Start.
func (o Occurrence) Duration() time.Duration {
	return o.End.Sub(o.Start)
}

// Summary is the SUMMARY text, empty when absent.
func (o Occurrence) Summary() string {
	return o.Properties.Value("SUMMARY")
}

// Event is an output event of a merged calendar.
type Event struct {
	UID    string
	AllDay bool
	Start  time.Time
	End    time.Time

	// Properties holds only what the source rule allowed through: injected
	// properties, included properties, SUMMARY and STATUS.
	Properties Properties
}

// Title is the event SUMMARY.
func (e Event) Title() string {
	return e.Properties.Value("SUMMARY")
}

// Tentative reports whether STATUS is TENTATIVE.
func (e Event) Tentative() bool {
	return strings.EqualFold(strings.TrimSpace(e.Properties.Value("STATUS")), "TENTATIVE")
}

// Calendar is the result of merging all sources of a virtual calendar.
type Calendar struct {
	Events []Event

	// RefreshInterval is the suggested client polling interval.
	RefreshInterval time.Duration

	GeneratedAt time.Time
	WindowStart time.Time
	WindowEnd   time.Time
}
