package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetVersion(t *testing.T) {
	assert.NotEmpty(t, GetVersion())
}

func TestLoadSettingsFlagsAndEnv(t *testing.T) {
	t.Setenv("TZ", "Asia/Seoul")
	t.Setenv("CONFIG_FILE", "/etc/calmerge.yaml")
	t.Setenv("LISTEN", ":9000")

	s, err := LoadSettings([]string{"--listen", ":8080", "--feed-cache-ttl", "1m", "--refresh", "*/5 * * * *"})
	require.NoError(t, err)
	require.NotNil(t, s)

	assert.Equal(t, ":8080", s.Listen, "flag wins over environment")
	assert.Equal(t, "/etc/calmerge.yaml", s.ConfigFile)
	assert.Equal(t, time.Minute, s.FeedCacheTTL)
	assert.Equal(t, 15*time.Minute, s.CalendarCacheTTL)
	assert.Equal(t, 15*time.Second, s.FetchTimeout)
	assert.Equal(t, 20, s.FeedCacheSize)
	assert.Equal(t, 10, s.CalendarCacheSize)
	assert.Equal(t, "*/5 * * * *", s.RefreshSchedule)

	loc, err := s.Location()
	require.NoError(t, err)
	assert.Equal(t, "Asia/Seoul", loc.String())
}

func TestLoadSettingsRejectsBadDuration(t *testing.T) {
	_, err := LoadSettings([]string{"--fetch-timeout", "soon"})
	assert.Error(t, err)
}

func TestSettingsLocationInvalid(t *testing.T) {
	s := &Settings{Timezone: "Mars/Olympus"}
	_, err := s.Location()
	assert.Error(t, err)
}
