package config

import (
	"fmt"
	"time"

	"github.com/jessevdk/go-flags"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func GetVersion() string {
	if Version != "" {
		return Version
	}
	return "unknown"
}

// Settings are the process-level options. Each one can come from a flag or
// from the environment.
type Settings struct {
	ConfigFile string `long:"config" env:"CONFIG_FILE" default:"config.yaml" description:"Path to the calendar configuration file"`
	Listen     string `long:"listen" env:"LISTEN" default:":5000" description:"HTTP listen address"`
	Timezone   string `long:"timezone" env:"TZ" default:"Europe/Vienna" description:"Timezone for day boundaries and all-day events"`

	FetchTimeout      time.Duration `long:"fetch-timeout" env:"FETCH_TIMEOUT" default:"15s" description:"Timeout for a single upstream fetch"`
	FeedCacheTTL      time.Duration `long:"feed-cache-ttl" env:"FEED_CACHE_TTL" default:"30s" description:"How long fetched upstream documents are reused"`
	FeedCacheSize     int           `long:"feed-cache-size" env:"FEED_CACHE_SIZE" default:"20" description:"Maximum number of cached upstream documents"`
	CalendarCacheTTL  time.Duration `long:"calendar-cache-ttl" env:"CALENDAR_CACHE_TTL" default:"15m" description:"How long merged calendars are reused"`
	CalendarCacheSize int           `long:"calendar-cache-size" env:"CALENDAR_CACHE_SIZE" default:"10" description:"Maximum number of cached merged calendars"`

	SessionSecret   string `long:"session-secret" env:"SESSION_SECRET" description:"Secret for signing session cookies (random if unset)"`
	RefreshSchedule string `long:"refresh" env:"REFRESH_SCHEDULE" description:"Cron schedule for rebuilding all calendars in the background (e.g. */10 * * * *)"`
	UserAgent       string `long:"user-agent" env:"USER_AGENT" default:"calmerge" description:"User agent for upstream requests"`

	LogLevel   string `long:"log-level" env:"LOG_LEVEL" default:"info" description:"Log level (debug, info, warn, error)"`
	LogConsole bool   `long:"log-console" env:"LOG_CONSOLE" description:"Human readable log output instead of JSON"`
}

// LoadSettings parses args (without the program name) and the environment.
// It returns nil, nil when help was requested.
func LoadSettings(args []string) (*Settings, error) {
	var s Settings

	parser := flags.NewParser(&s, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}

	if s.FetchTimeout <= 0 {
		return nil, fmt.Errorf("fetch timeout must be positive")
	}
	if s.Timezone == "" {
		s.Timezone = "UTC"
	}
	return &s, nil
}

// Location resolves the configured timezone.
func (s *Settings) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", s.Timezone, err)
	}
	return loc, nil
}
