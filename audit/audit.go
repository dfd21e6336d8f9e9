// Package audit fans policy decisions and runtime events out to a fixed
// set of sinks. The sink list is established at construction and never
// changes, so fan-out needs no locking; sink failures are isolated.
package audit

import (
	"log"
	"time"

	"github.com/mxpgo-dev/mxpgo/identity"
	"github.com/mxpgo-dev/mxpgo/policy"
)

// Event kinds emitted by the runtime.
const (
	// KindPolicyDecision accompanies every policy evaluation.
	KindPolicyDecision = "policy_decision"
	// KindTimeout is synthesized by the pending-table sweeper for each
	// expired correlation id.
	KindTimeout = "timeout"
	// KindCall records the outcome of a call execution.
	KindCall = "call"
	// KindMemoryDrop records a memory write rejected by policy.
	KindMemoryDrop = "memory_drop"
)

// Event is a single audit record delivered to every sink.
type Event struct {
	Kind      string            `json:"kind"`
	AgentID   identity.AgentID  `json:"agent_id"`
	Subject   string            `json:"subject,omitempty"`
	Decision  *policy.Decision  `json:"decision,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// NewEvent builds an event stamped with the current time.
func NewEvent(kind string, agentID identity.AgentID, subject string) Event {
	return Event{
		Kind:      kind,
		AgentID:   agentID,
		Subject:   subject,
		Timestamp: time.Now().UTC(),
	}
}

// WithDecision attaches a policy decision and returns the event.
func (e Event) WithDecision(d policy.Decision) Event {
	e.Decision = &d
	e.Reason = d.Reason
	return e
}

// WithReason sets the reason and returns the event.
func (e Event) WithReason(reason string) Event {
	e.Reason = reason
	return e
}

// WithMetadata adds a metadata entry and returns the event.
func (e Event) WithMetadata(key, value string) Event {
	md := make(map[string]string, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		md[k] = v
	}
	md[key] = value
	e.Metadata = md
	return e
}

// Observer receives events. Delivery is best-effort, at least once per
// sink that does not itself fail.
type Observer interface {
	Observe(ev Event) error
}

// Fanout delivers each event to every sink in order. A failing sink is
// logged and skipped; the remaining sinks still receive
// the event. Fanout itself never fails.
type Fanout struct {
	sinks []Observer
}

// NewFanout captures the sink list. The list is copied and immutable
// afterward.
func NewFanout(sinks ...Observer) *Fanout {
	owned := make([]Observer, len(sinks))
	copy(owned, sinks)
	return &Fanout{sinks: owned}
}

// Observe delivers the event to every sink.
func (f *Fanout) Observe(ev Event) error {
	for _, sink := range f.sinks {
		if err := sink.Observe(ev); err != nil {
			log.Printf("audit: sink %T failed: %v", sink, err)
		}
	}
	return nil
}

// LogSink writes events to the process log.
type LogSink struct{}

// Observe logs the event.
func (LogSink) Observe(ev Event) error {
	if ev.Decision != nil {
		log.Printf("audit: %s agent=%s subject=%q decision=%s reason=%q",
			ev.Kind, ev.AgentID, ev.Subject, ev.Decision.Kind, ev.Reason)
		return nil
	}
	log.Printf("audit: %s agent=%s subject=%q reason=%q", ev.Kind, ev.AgentID, ev.Subject, ev.Reason)
	return nil
}
