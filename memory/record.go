// Package memory implements the policy-gated memory bus: records fan to a
// bounded volatile ring and a durable append journal. Records are
// append-only; there is no update or partial delete.
package memory

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Channel categorises a memory record.
type Channel string

const (
	// ChannelInput holds messages arriving from outside the agent.
	ChannelInput Channel = "input"
	// ChannelOutput holds responses the agent produced.
	ChannelOutput Channel = "output"
	// ChannelTool holds tool invocation results.
	ChannelTool Channel = "tool"
	// ChannelSystem holds internal runtime events.
	ChannelSystem Channel = "system"
)

// ErrInvalidRecord reports a record that failed validation.
var ErrInvalidRecord = errors.New("memory: invalid record")

// Record is one captured piece of memory.
type Record struct {
	ID        uuid.UUID         `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Channel   Channel           `json:"channel"`
	Payload   []byte            `json:"payload"`
	Tags      []string          `json:"tags,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewRecord builds a record with a fresh id and the current timestamp.
func NewRecord(channel Channel, payload []byte) *Record {
	return &Record{
		ID:        uuid.New(),
		Timestamp: time.Now().UTC(),
		Channel:   channel,
		Payload:   payload,
	}
}

// WithTag appends a tag and returns the record for chaining. Empty tags
// are rejected later by Validate.
func (r *Record) WithTag(tag string) *Record {
	r.Tags = append(r.Tags, tag)
	return r
}

// WithMetadata adds a metadata entry and returns the record for chaining.
func (r *Record) WithMetadata(key, value string) *Record {
	if r.Metadata == nil {
		r.Metadata = make(map[string]string)
	}
	r.Metadata[key] = value
	return r
}

// Validate checks the record invariants.
func (r *Record) Validate() error {
	if r.Channel == "" {
		return fmt.Errorf("%w: channel is required", ErrInvalidRecord)
	}
	for _, tag := range r.Tags {
		if strings.TrimSpace(tag) == "" {
			return fmt.Errorf("%w: tags must not be empty", ErrInvalidRecord)
		}
	}
	return nil
}
