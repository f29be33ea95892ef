package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withEnv(t *testing.T, kv map[string]string) {
	t.Helper()
	for k, v := range kv {
		require.NoError(t, os.Setenv(k, v))
		t.Cleanup(func(k string) func() {
			return func() { _ = os.Unsetenv(k) }
		}(k))
	}
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, c.Port)
	assert.Equal(t, "0.0.0.0", c.Host)
	assert.Equal(t, "/data", c.FileDestination)
	assert.Equal(t, 1, c.ProgressInterval)
	assert.Equal(t, 5, c.ProgressUpdatePercent)
	assert.False(t, c.Debug)
	assert.True(t, c.DisableProgressANSI)
}

func TestLoadOverridesFromEnv(t *testing.T) {
	withEnv(t, map[string]string{
		"PORT":        "9090",
		"IRC_SERVER":  "irc.example.org:6667",
		"IRC_NICK":    "xdccd-bot",
		"IRC_CHANNEL": "#downloads",
		"DEBUG":       "true",
	})

	c, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, c.Port)
	assert.Equal(t, "irc.example.org:6667", c.IRCServer)
	assert.True(t, c.Debug)
}

func TestValidateRequiresIRCFields(t *testing.T) {
	c := &Config{}
	assert.Error(t, c.Validate())

	c.IRCServer = "irc.example.org"
	c.IRCNick = "bot"
	c.IRCChannel = "#chan"
	assert.NoError(t, c.Validate())
}
