// Package policy implements the governance gate: every tool invocation,
// model inference, memory write, and registration passes through an
// engine that yields Allow, Deny, or Escalate.
package policy

import (
	"github.com/mxpgo-dev/mxpgo/identity"
)

// ActionKind classifies the operation a policy request describes.
type ActionKind string

const (
	ActionToolInvoke  ActionKind = "tool-invoke"
	ActionModelInfer  ActionKind = "model-infer"
	ActionMemoryWrite ActionKind = "memory-write"
	ActionRegister    ActionKind = "register"
)

// Request describes a single gated operation. Requests are stateless; one
// is built per evaluation.
type Request struct {
	AgentID  identity.AgentID  `json:"agent_id"`
	Action   ActionKind        `json:"action"`
	Subject  string            `json:"subject"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Scopes   []string          `json:"scopes,omitempty"`
	// PayloadDigest optionally fingerprints the payload under evaluation.
	PayloadDigest string `json:"payload_digest,omitempty"`
}

// NewRequest builds a request for the given action and subject (a tool
// name, model identifier, memory channel, or directory address).
func NewRequest(agentID identity.AgentID, action ActionKind, subject string) *Request {
	return &Request{
		AgentID: agentID,
		Action:  action,
		Subject: subject,
	}
}

// WithMetadata adds a metadata entry and returns the request for chaining.
func (r *Request) WithMetadata(key, value string) *Request {
	if r.Metadata == nil {
		r.Metadata = make(map[string]string)
	}
	r.Metadata[key] = value
	return r
}

// WithScopes appends scopes and returns the request for chaining. Empty
// strings are ignored.
func (r *Request) WithScopes(scopes ...string) *Request {
	for _, s := range scopes {
		if s != "" {
			r.Scopes = append(r.Scopes, s)
		}
	}
	return r
}

// WithDigest attaches a payload digest and returns the request for chaining.
func (r *Request) WithDigest(digest string) *Request {
	r.PayloadDigest = digest
	return r
}

// HasScope reports whether the request carries the given scope.
func (r *Request) HasScope(scope string) bool {
	for _, s := range r.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}
