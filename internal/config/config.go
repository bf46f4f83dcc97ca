package config

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"regexp"
	"slices"
	"strings"

	"github.com/samber/mo"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultEventName replaces a missing SUMMARY on output events.
	DefaultEventName = "Busy"
	// DefaultDaysAhead is the length of the forward window in days.
	DefaultDaysAhead = 28
)

// ErrInvalid marks every configuration problem. Callers treat it as fatal.
var ErrInvalid = errors.New("invalid configuration")

// Structural properties are owned by the merge engine and may not be
// injected or allowlisted.
var reservedProperties = []string{
	"DTSTART", "DTEND", "DURATION", "DTSTAMP", "UID",
	"RRULE", "RDATE", "EXRULE", "EXDATE", "RECURRENCE-ID",
}

var propertyNameRe = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// FilterConfig selects which source events are kept.
type FilterConfig struct {
	// NameRegex is searched (not anchored) in the event SUMMARY.
	NameRegex string `yaml:"name_regex" json:"name_regex,omitempty"`
}

// SourceConfig describes one upstream feed and how its events are rewritten.
type SourceConfig struct {
	URL string `yaml:"url" json:"url"`

	// Include lists source properties copied through to output events.
	Include []string `yaml:"include" json:"include"`

	// EventName is the SUMMARY used when neither Properties nor Include
	// provide one. It is filled from RawEventName by Normalize.
	EventName    string  `yaml:"-" json:"event_name"`
	RawEventName *string `yaml:"event_name" json:"-"`

	// HideIfOverlapped drops timed events fully contained in an already
	// accepted timed event.
	HideIfOverlapped bool `yaml:"hide_if_overlapped" json:"hide_if_overlapped"`

	// Tentative marks every output event STATUS:TENTATIVE.
	Tentative bool `yaml:"tentative" json:"tentative"`

	// Properties are written onto every output event, overriding anything
	// else of the same name.
	Properties map[string]string `yaml:"properties" json:"properties"`

	Filter FilterConfig `yaml:"filter" json:"filter"`

	nameFilter mo.Option[*regexp.Regexp]
}

// NameFilter returns the compiled name filter, if configured.
func (s *SourceConfig) NameFilter() mo.Option[*regexp.Regexp] {
	return s.nameFilter
}

// KeyList accepts either a single string or a list of strings.
type KeyList []string

func (k *KeyList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		*k = KeyList{s}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*k = KeyList(list)
		return nil
	default:
		return fmt.Errorf("line %d: key must be a string or a list of strings", node.Line)
	}
}

// CalendarConfig is the rule set of one virtual calendar.
type CalendarConfig struct {
	Sources []SourceConfig `yaml:"sources" json:"sources"`

	// Key restricts access to callers presenting one of the listed keys.
	Key *KeyList `yaml:"key" json:"key,omitempty"`

	// DaysAhead bounds recurrence expansion; nil means DefaultDaysAhead.
	DaysAhead *int `yaml:"days_ahead" json:"days_ahead"`

	name        string
	fingerprint string
}

// Name is the calendar's key in the configuration file.
func (c *CalendarConfig) Name() string {
	return c.name
}

// Horizon is the number of days to expand ahead of today.
func (c *CalendarConfig) Horizon() int {
	if c.DaysAhead == nil {
		return DefaultDaysAhead
	}
	return *c.DaysAhead
}

// AccessKeys returns the accepted keys, or None for a public calendar.
func (c *CalendarConfig) AccessKeys() mo.Option[[]string] {
	if c.Key == nil {
		return mo.None[[]string]()
	}
	return mo.Some([]string(*c.Key))
}

// Fingerprint identifies the rule set structurally. Two calendars with the
// same rules share a fingerprint and therefore a cache entry.
func (c *CalendarConfig) Fingerprint() string {
	return c.fingerprint
}

// Config is the top-level calendar configuration.
type Config struct {
	Calendars map[string]*CalendarConfig `yaml:"calendars" json:"calendars"`
}

// Calendar looks up a calendar by name.
func (c *Config) Calendar(name string) (*CalendarConfig, bool) {
	cal, ok := c.Calendars[name]
	return cal, ok
}

// Names returns the configured calendar names in sorted order.
func (c *Config) Names() []string {
	names := make([]string, 0, len(c.Calendars))
	for name := range c.Calendars {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Load reads and validates the YAML configuration at path. Unknown fields
// are rejected.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: config path is empty", ErrInvalid)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates a YAML document.
func Parse(data []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize fills defaults, validates every calendar and precomputes derived
// state. It must run before the configuration is used.
func (c *Config) Normalize() error {
	if c.Calendars == nil {
		c.Calendars = map[string]*CalendarConfig{}
	}
	for _, name := range c.Names() {
		cal := c.Calendars[name]
		if cal == nil {
			cal = &CalendarConfig{}
			c.Calendars[name] = cal
		}
		if err := cal.Normalize(name); err != nil {
			return err
		}
	}
	return nil
}

// Normalize prepares a single calendar.
func (c *CalendarConfig) Normalize(name string) error {
	if strings.TrimSpace(name) == "" || strings.ContainsAny(name, "/.") {
		return fmt.Errorf("%w: calendar name %q must be non-empty and contain no '/' or '.'", ErrInvalid, name)
	}
	c.name = name

	if c.DaysAhead != nil && *c.DaysAhead < 0 {
		return fmt.Errorf("%w: calendar %q: days_ahead must be non-negative", ErrInvalid, name)
	}
	if c.Key != nil {
		if len(*c.Key) == 0 {
			return fmt.Errorf("%w: calendar %q: key list is empty", ErrInvalid, name)
		}
		if slices.Contains(*c.Key, "") {
			return fmt.Errorf("%w: calendar %q: key must not be empty", ErrInvalid, name)
		}
	}

	for i := range c.Sources {
		if err := c.Sources[i].normalize(); err != nil {
			return fmt.Errorf("%w: calendar %q source %d: %w", ErrInvalid, name, i, err)
		}
	}

	fp, err := c.computeFingerprint()
	if err != nil {
		return fmt.Errorf("%w: calendar %q: %w", ErrInvalid, name, err)
	}
	c.fingerprint = fp
	return nil
}

func (s *SourceConfig) normalize() error {
	u, err := url.Parse(s.URL)
	if err != nil {
		return fmt.Errorf("bad url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "webcal":
	default:
		return fmt.Errorf("url %q must use http, https or webcal", s.URL)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q has no host", s.URL)
	}

	if s.RawEventName != nil {
		if strings.TrimSpace(*s.RawEventName) == "" {
			return errors.New("event_name must not be empty; omit it to use the default")
		}
		s.EventName = *s.RawEventName
	}
	if s.EventName == "" {
		s.EventName = DefaultEventName
	}

	include := make([]string, 0, len(s.Include))
	for _, name := range s.Include {
		n, err := propertyName(name)
		if err != nil {
			return fmt.Errorf("include: %w", err)
		}
		if !slices.Contains(include, n) {
			include = append(include, n)
		}
	}
	s.Include = include

	props := make(map[string]string, len(s.Properties))
	for name, value := range s.Properties {
		n, err := propertyName(name)
		if err != nil {
			return fmt.Errorf("properties: %w", err)
		}
		props[n] = value
	}
	s.Properties = props

	s.nameFilter = mo.None[*regexp.Regexp]()
	if s.Filter.NameRegex != "" {
		re, err := regexp.Compile(s.Filter.NameRegex)
		if err != nil {
			return fmt.Errorf("filter.name_regex: %w", err)
		}
		s.nameFilter = mo.Some(re)
	}
	return nil
}

func propertyName(name string) (string, error) {
	n := strings.ToUpper(strings.TrimSpace(name))
	if !propertyNameRe.MatchString(n) {
		return "", fmt.Errorf("invalid property name %q", name)
	}
	if slices.Contains(reservedProperties, n) {
		return "", fmt.Errorf("property %s is managed by the server", n)
	}
	return n, nil
}

// computeFingerprint hashes the canonical JSON form of the normalized rules.
// encoding/json sorts map keys, which makes the encoding stable.
func (c *CalendarConfig) computeFingerprint() (string, error) {
	canonical := struct {
		Sources   []SourceConfig `json:"sources"`
		Key       *KeyList       `json:"key"`
		DaysAhead int            `json:"days_ahead"`
	}{
		Sources:   c.Sources,
		Key:       c.Key,
		DaysAhead: c.Horizon(),
	}
	data, err := json.Marshal(canonical)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
