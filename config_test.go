package voicesession

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		AgentEndpoint:     "wss://agent.example.com/ws/{session_id}",
		APIBaseURL:        "https://api.example.com",
		SampleRate:        DefaultSampleRate,
		HeartbeatInterval: DefaultHeartbeatInterval,
		DefaultDuration:   DefaultSessionDuration,
		DialTimeout:       DefaultDialTimeout,
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	t.Setenv(envAgentEndpoint, "")
	t.Setenv(envAPIBaseURL, "")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
agent_endpoint: "wss://agent.example.com/ws/{session_id}"
api_base_url: "https://api.example.com"
sample_rate: 24000
heartbeat_interval: 5s
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "wss://agent.example.com/ws/{session_id}", cfg.AgentEndpoint)
	assert.Equal(t, 24000, cfg.SampleRate)
	assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval)

	// Untouched knobs keep defaults.
	assert.Equal(t, DefaultSessionDuration, cfg.DefaultDuration)
	assert.Equal(t, DefaultDialTimeout, cfg.DialTimeout)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv(envAgentEndpoint, "ws://local.test/ws/{session_id}")
	t.Setenv(envAPIBaseURL, "http://local.test/api")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "ws://local.test/ws/{session_id}", cfg.AgentEndpoint)
	assert.Equal(t, "http://local.test/api", cfg.APIBaseURL)
	assert.Equal(t, DefaultSampleRate, cfg.SampleRate)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing endpoint", func(c *Config) { c.AgentEndpoint = "" }},
		{"missing placeholder", func(c *Config) { c.AgentEndpoint = "wss://agent.example.com/ws/fixed" }},
		{"bad scheme", func(c *Config) { c.AgentEndpoint = "https://agent.example.com/{session_id}" }},
		{"missing api base", func(c *Config) { c.APIBaseURL = "" }},
		{"bad sample rate", func(c *Config) { c.SampleRate = 0 }},
		{"bad heartbeat interval", func(c *Config) { c.HeartbeatInterval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, validConfig().Validate())

	var nilCfg *Config
	assert.Error(t, nilCfg.Validate())
}

func TestConfigEndpointFor(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, "wss://agent.example.com/ws/abc123", cfg.EndpointFor("abc123"))
}

func TestConfigSessionBaseFor(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, "https://agent.example.com/ws/abc", cfg.SessionBaseFor("abc"))

	cfg.AgentEndpoint = "ws://local.test/ws/{session_id}"
	assert.Equal(t, "http://local.test/ws/abc", cfg.SessionBaseFor("abc"))
}

func TestConfigDurationURLFor(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, "https://api.example.com/session/abc/duration", cfg.DurationURLFor("abc"))

	cfg.APIBaseURL = "https://api.example.com/"
	assert.Equal(t, "https://api.example.com/session/abc/duration", cfg.DurationURLFor("abc"))
}
