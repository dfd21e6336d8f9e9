// Package tool holds the runtime registry of callable tools. Tools are
// registered with validated metadata and invoked by name from the call
// executor.
package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Func executes one tool invocation. The input is the raw JSON value from
// the call payload; the result must be JSON-serializable.
type Func func(ctx context.Context, input json.RawMessage) (any, error)

// ErrDuplicateTool is returned when a name is registered twice.
var ErrDuplicateTool = errors.New("tool: already registered")

// NotFoundError reports an invocation of an unregistered tool.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("tool: %q not found", e.Name)
}

// Metadata describes a registered tool.
type Metadata struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Description  string   `json:"description,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// NewMetadata validates and builds tool metadata.
func NewMetadata(name, version string) (Metadata, error) {
	if strings.TrimSpace(name) == "" {
		return Metadata{}, errors.New("tool: name cannot be empty")
	}
	if strings.TrimSpace(version) == "" {
		return Metadata{}, errors.New("tool: version cannot be empty")
	}
	return Metadata{Name: name, Version: version}, nil
}

// WithDescription sets the description and returns the metadata.
func (m Metadata) WithDescription(desc string) Metadata {
	m.Description = desc
	return m
}

// WithCapabilities sets the capability ids and returns the metadata.
func (m Metadata) WithCapabilities(ids ...string) Metadata {
	m.Capabilities = ids
	return m
}

type entry struct {
	meta Metadata
	fn   Func
}

// Registry maps tool names to executors. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]entry)}
}

// Register adds a tool under its metadata name.
func (r *Registry) Register(meta Metadata, fn Func) error {
	if fn == nil {
		return errors.New("tool: nil executor")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[meta.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, meta.Name)
	}
	r.tools[meta.Name] = entry{meta: meta, fn: fn}
	return nil
}

// Get returns the metadata for a registered tool.
func (r *Registry) Get(name string) (Metadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	return e.meta, ok
}

// Invoke runs the named tool.
func (r *Registry) Invoke(ctx context.Context, name string, input json.RawMessage) (any, error) {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &NotFoundError{Name: name}
	}
	result, err := e.fn(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("tool: %q failed: %w", name, err)
	}
	return result, nil
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
