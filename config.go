package voicesession

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/bt-bridge/voice-session/shared"
)

// Environment variable overrides.
const (
	envAgentEndpoint = "AGENT_VOICE_ENDPOINT"
	envAPIBaseURL    = "AGENT_API_BASE_URL"
)

const sessionIDPlaceholder = "{session_id}"

const (
	DefaultSessionDuration = 300 * time.Second
	DefaultSampleRate      = 16000
	DefaultDialTimeout     = 10 * time.Second
)

// Config carries everything the session core needs from the environment:
// the agent endpoint template and the tuning knobs around it.
type Config struct {
	// AgentEndpoint is the ws(s) endpoint template containing the
	// {session_id} placeholder, substituted at connect time.
	AgentEndpoint string `yaml:"agent_endpoint"`
	// APIBaseURL is the HTTP API root used for the duration lookup.
	APIBaseURL string `yaml:"api_base_url"`

	SampleRate        int           `yaml:"sample_rate"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	DefaultDuration   time.Duration `yaml:"default_duration"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
}

// LoadConfig reads a YAML config file and applies environment overrides.
// Pass an empty path to configure from the environment alone.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{
		SampleRate:        DefaultSampleRate,
		HeartbeatInterval: DefaultHeartbeatInterval,
		DefaultDuration:   DefaultSessionDuration,
		DialTimeout:       DefaultDialTimeout,
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}
	if v := os.Getenv(envAgentEndpoint); v != "" {
		cfg.AgentEndpoint = v
	}
	if v := os.Getenv(envAPIBaseURL); v != "" {
		cfg.APIBaseURL = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c == nil {
		return shared.ErrNoConfig
	}
	if c.AgentEndpoint == "" {
		return fmt.Errorf("agent_endpoint is required")
	}
	if !strings.Contains(c.AgentEndpoint, sessionIDPlaceholder) {
		return fmt.Errorf("agent_endpoint must contain the %s placeholder", sessionIDPlaceholder)
	}
	u, err := url.Parse(strings.ReplaceAll(c.AgentEndpoint, sessionIDPlaceholder, "x"))
	if err != nil {
		return fmt.Errorf("agent_endpoint is not a valid URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("agent_endpoint scheme must be ws or wss, got %q", u.Scheme)
	}
	if c.APIBaseURL == "" {
		return fmt.Errorf("api_base_url is required")
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive")
	}
	return nil
}

// EndpointFor substitutes the session id into the endpoint template.
func (c *Config) EndpointFor(sessionID string) string {
	return strings.ReplaceAll(c.AgentEndpoint, sessionIDPlaceholder, sessionID)
}

// SessionBaseFor returns the HTTP form of the session endpoint, used for the
// heartbeat and beacon collaborators living next to the channel endpoint.
func (c *Config) SessionBaseFor(sessionID string) string {
	base := c.EndpointFor(sessionID)
	if strings.HasPrefix(base, "wss://") {
		return "https://" + strings.TrimPrefix(base, "wss://")
	}
	if strings.HasPrefix(base, "ws://") {
		return "http://" + strings.TrimPrefix(base, "ws://")
	}
	return base
}

// DurationURLFor returns the duration-lookup endpoint for the session.
func (c *Config) DurationURLFor(sessionID string) string {
	return fmt.Sprintf("%s/session/%s/duration", strings.TrimRight(c.APIBaseURL, "/"), sessionID)
}
