// Package config loads the runtime configuration from YAML and applies
// the documented defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard-library duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// CapabilityConfig declares one advertised capability.
type CapabilityConfig struct {
	ID      string   `yaml:"id"`
	Name    string   `yaml:"name"`
	Version string   `yaml:"version"`
	Scopes  []string `yaml:"scopes"`
}

// AgentConfig names the agent and its capabilities.
type AgentConfig struct {
	Name         string             `yaml:"name"`
	Version      string             `yaml:"version"`
	Description  string             `yaml:"description,omitempty"`
	Capabilities []CapabilityConfig `yaml:"capabilities,omitempty"`
}

// ModelConfig selects the inference provider.
type ModelConfig struct {
	// Provider is "openai" or "static".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model,omitempty"`
	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env,omitempty"`
}

// Config is the recognized configuration surface.
type Config struct {
	// BindAddr is the local datagram address. Required.
	BindAddr string `yaml:"bind_addr"`

	// ReadTimeout is the recv timeout. Zero or unset takes the 30s default;
	// a negative value blocks indefinitely, which prevents cooperative
	// shutdown and is not recommended.
	ReadTimeout Duration `yaml:"read_timeout,omitempty"`

	HeartbeatInterval Duration `yaml:"heartbeat_interval,omitempty"`
	SweepInterval     Duration `yaml:"sweep_interval,omitempty"`
	CallDeadline      Duration `yaml:"call_deadline,omitempty"`

	MaxConcurrentCalls int `yaml:"max_concurrent_calls,omitempty"`
	InboundQueueDepth  int `yaml:"inbound_queue_depth,omitempty"`

	DrainDeadline      Duration `yaml:"drain_deadline,omitempty"`
	EscalationDeadline Duration `yaml:"escalation_deadline,omitempty"`

	// PendingTimeout bounds pending-table entries. Defaults to the call
	// deadline plus 5s slack.
	PendingTimeout Duration `yaml:"pending_timeout,omitempty"`

	// DirectoryAddr is the registry peer. Empty disables registration.
	DirectoryAddr string `yaml:"directory_addr,omitempty"`

	// GovernanceAddr is the remote audit sink peer. Empty disables it.
	GovernanceAddr string `yaml:"governance_addr,omitempty"`

	// JournalPath locates the file journal.
	JournalPath string `yaml:"journal_path,omitempty"`

	Agent AgentConfig `yaml:"agent"`
	Model ModelConfig `yaml:"model,omitempty"`
}

// Defaults documented in the configuration surface.
const (
	DefaultReadTimeout        = 30 * time.Second
	DefaultHeartbeatInterval  = 5 * time.Second
	DefaultSweepInterval      = time.Second
	DefaultCallDeadline       = 60 * time.Second
	DefaultMaxConcurrentCalls = 32
	DefaultInboundQueueDepth  = 128
	DefaultDrainDeadline      = 10 * time.Second
	DefaultEscalationDeadline = 5 * time.Minute
	DefaultPendingSlack       = 5 * time.Second
)

// Load reads and parses the YAML file, applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills unset fields with the documented defaults.
func (c *Config) ApplyDefaults() {
	if c.ReadTimeout == 0 {
		c.ReadTimeout = Duration(DefaultReadTimeout)
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = Duration(DefaultHeartbeatInterval)
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = Duration(DefaultSweepInterval)
	}
	if c.CallDeadline == 0 {
		c.CallDeadline = Duration(DefaultCallDeadline)
	}
	if c.MaxConcurrentCalls == 0 {
		c.MaxConcurrentCalls = DefaultMaxConcurrentCalls
	}
	if c.InboundQueueDepth == 0 {
		c.InboundQueueDepth = DefaultInboundQueueDepth
	}
	if c.DrainDeadline == 0 {
		c.DrainDeadline = Duration(DefaultDrainDeadline)
	}
	if c.EscalationDeadline == 0 {
		c.EscalationDeadline = Duration(DefaultEscalationDeadline)
	}
	if c.PendingTimeout == 0 {
		c.PendingTimeout = c.CallDeadline + Duration(DefaultPendingSlack)
	}
	if c.Agent.Version == "" {
		c.Agent.Version = "0.0.0"
	}
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	if c.BindAddr == "" {
		return fmt.Errorf("config: bind_addr is required")
	}
	if c.Agent.Name == "" {
		return fmt.Errorf("config: agent.name is required")
	}
	for _, cap := range c.Agent.Capabilities {
		if cap.ID == "" {
			return fmt.Errorf("config: capability id is required")
		}
		if len(cap.Scopes) == 0 {
			return fmt.Errorf("config: capability %q needs at least one scope", cap.ID)
		}
	}
	return nil
}
