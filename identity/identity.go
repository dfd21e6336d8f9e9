// Package identity holds the agent identity primitives: the 128-bit agent
// id, capability descriptors, and the manifest advertised to the registry.
package identity

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	maxCapabilityIDLen = 64
	maxNameLen         = 96
	maxScopeLen        = 64
)

// AgentID uniquely identifies an agent. It is immutable after kernel
// construction.
type AgentID uuid.UUID

// NewAgentID returns a fresh random agent id.
func NewAgentID() AgentID {
	return AgentID(uuid.New())
}

// ParseAgentID parses the canonical string form.
func ParseAgentID(s string) (AgentID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return AgentID{}, fmt.Errorf("identity: parse agent id: %w", err)
	}
	return AgentID(id), nil
}

func (id AgentID) String() string {
	return uuid.UUID(id).String()
}

// MarshalText implements encoding.TextMarshaler.
func (id AgentID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *AgentID) UnmarshalText(b []byte) error {
	parsed, err := ParseAgentID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Capability describes a unit of functionality an agent exposes. Scopes
// are opaque to the runtime; policy rules match on them.
type Capability struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Version string   `json:"version"`
	Scopes  []string `json:"scopes"`
}

// NewCapability validates and builds a capability descriptor. The id must
// be lowercase kebab-case (lowercase alphanumerics plus '-', '_', '.'),
// and at least one scope is required.
func NewCapability(id, name, version string, scopes ...string) (Capability, error) {
	if err := validateCapabilityID(id); err != nil {
		return Capability{}, err
	}
	if strings.TrimSpace(name) == "" {
		return Capability{}, fmt.Errorf("identity: capability %q: name is required", id)
	}
	if len(name) > maxNameLen {
		return Capability{}, fmt.Errorf("identity: capability %q: name exceeds %d characters", id, maxNameLen)
	}
	if strings.TrimSpace(version) == "" {
		return Capability{}, fmt.Errorf("identity: capability %q: version is required", id)
	}
	if len(scopes) == 0 {
		return Capability{}, fmt.Errorf("identity: capability %q: at least one scope is required", id)
	}
	for _, scope := range scopes {
		if strings.TrimSpace(scope) == "" {
			return Capability{}, fmt.Errorf("identity: capability %q: scopes must not be empty", id)
		}
		if len(scope) > maxScopeLen {
			return Capability{}, fmt.Errorf("identity: capability %q: scope %q exceeds %d characters", id, scope, maxScopeLen)
		}
	}
	return Capability{ID: id, Name: name, Version: version, Scopes: scopes}, nil
}

func validateCapabilityID(id string) error {
	if id == "" {
		return fmt.Errorf("identity: capability id cannot be empty")
	}
	if len(id) > maxCapabilityIDLen {
		return fmt.Errorf("identity: capability id %q exceeds %d characters", id, maxCapabilityIDLen)
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.':
		default:
			return fmt.Errorf("identity: capability id %q: only lowercase alphanumerics, dash, underscore, and dot are allowed", id)
		}
	}
	return nil
}

// Manifest is the immutable self-description of an agent: its identity
// plus the capabilities it advertises on registration.
type Manifest struct {
	ID           AgentID      `json:"agent_id"`
	Name         string       `json:"name"`
	Version      string       `json:"version"`
	Description  string       `json:"description,omitempty"`
	Tags         []string     `json:"tags,omitempty"`
	Capabilities []Capability `json:"capabilities"`
}

// NewManifest validates and builds a manifest.
func NewManifest(id AgentID, name, version string, capabilities []Capability) (Manifest, error) {
	if strings.TrimSpace(name) == "" {
		return Manifest{}, fmt.Errorf("identity: manifest name is required")
	}
	if len(name) > maxNameLen {
		return Manifest{}, fmt.Errorf("identity: manifest name exceeds %d characters", maxNameLen)
	}
	if strings.TrimSpace(version) == "" {
		return Manifest{}, fmt.Errorf("identity: manifest version is required")
	}
	return Manifest{ID: id, Name: name, Version: version, Capabilities: capabilities}, nil
}

// WithDescription sets the description and returns the manifest for chaining.
func (m Manifest) WithDescription(desc string) Manifest {
	m.Description = desc
	return m
}

// WithTags sets the tag set and returns the manifest for chaining.
func (m Manifest) WithTags(tags ...string) Manifest {
	m.Tags = tags
	return m
}

// HasCapability reports whether the manifest advertises the capability id.
func (m Manifest) HasCapability(id string) bool {
	for _, cap := range m.Capabilities {
		if cap.ID == id {
			return true
		}
	}
	return false
}

// CapabilityIDs returns the advertised capability ids in declaration order.
func (m Manifest) CapabilityIDs() []string {
	ids := make([]string, 0, len(m.Capabilities))
	for _, cap := range m.Capabilities {
		ids = append(ids, cap.ID)
	}
	return ids
}
