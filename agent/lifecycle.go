// Package agent hosts the kernel: the lifecycle state machine, the
// bounded scheduler, typed message dispatch, and the governed call
// execution pipeline.
package agent

import (
	"fmt"
	"log"
	"sync"

	"github.com/mxpgo-dev/mxpgo/identity"
)

// State is a lifecycle stage. Progression is monotonic except for the
// Active/Suspended pair; nothing regresses past Retiring.
type State int32

const (
	// StateInit means the kernel is constructed but not yet bound.
	StateInit State = iota
	// StateReady means the endpoint is bound and handlers are wired.
	StateReady
	// StateActive means workloads are being processed.
	StateActive
	// StateSuspended means processing is paused but resumable.
	StateSuspended
	// StateRetiring means inflight work is draining before shutdown.
	StateRetiring
	// StateTerminated means no further work will be scheduled.
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateReady:
		return "ready"
	case StateActive:
		return "active"
	case StateSuspended:
		return "suspended"
	case StateRetiring:
		return "retiring"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// HeartbeatAllowed reports whether the state may emit heartbeats.
func (s State) HeartbeatAllowed() bool {
	return s == StateReady || s == StateActive || s == StateSuspended
}

// Event triggers a lifecycle transition.
type Event int

const (
	// EventBoot finishes bootstrapping (bind + handler wiring).
	EventBoot Event = iota
	// EventActivate begins processing workloads.
	EventActivate
	// EventSuspend pauses execution while retaining state.
	EventSuspend
	// EventResume continues after a suspension.
	EventResume
	// EventRetire initiates a graceful shutdown.
	EventRetire
	// EventTerminate finalizes shutdown after draining.
	EventTerminate
	// EventAbort forces termination from any state.
	EventAbort
)

func (e Event) String() string {
	switch e {
	case EventBoot:
		return "boot"
	case EventActivate:
		return "activate"
	case EventSuspend:
		return "suspend"
	case EventResume:
		return "resume"
	case EventRetire:
		return "retire"
	case EventTerminate:
		return "terminate"
	case EventAbort:
		return "abort"
	}
	return "unknown"
}

// InvalidTransitionError reports an event not permitted from the current
// state. The state is left unchanged.
type InvalidTransitionError struct {
	AgentID identity.AgentID
	From    State
	Event   Event
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("agent %s: invalid lifecycle transition from %s via %s", e.AgentID, e.From, e.Event)
}

// Lifecycle is the per-agent state machine. Transitions are serialized;
// reads are cheap.
type Lifecycle struct {
	agentID identity.AgentID
	mu      sync.RWMutex
	state   State
}

// NewLifecycle starts in StateInit.
func NewLifecycle(agentID identity.AgentID) *Lifecycle {
	return &Lifecycle{agentID: agentID, state: StateInit}
}

// AgentID returns the owning agent id.
func (l *Lifecycle) AgentID() identity.AgentID {
	return l.agentID
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Transition applies the event, returning the resulting state. Illegal
// events return an InvalidTransitionError and leave the state unchanged.
func (l *Lifecycle) Transition(event Event) (State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	next, ok := nextState(l.state, event)
	if !ok {
		return l.state, &InvalidTransitionError{AgentID: l.agentID, From: l.state, Event: event}
	}

	if next != l.state {
		log.Printf("agent %s: lifecycle %s -> %s (%s)", l.agentID, l.state, next, event)
		l.state = next
	}
	return l.state, nil
}

func nextState(from State, event Event) (State, bool) {
	switch {
	case from == StateInit && event == EventBoot:
		return StateReady, true
	case from == StateReady && event == EventActivate:
		return StateActive, true
	case from == StateActive && event == EventSuspend:
		return StateSuspended, true
	case from == StateSuspended && event == EventResume:
		return StateActive, true
	case (from == StateReady || from == StateActive || from == StateSuspended) && event == EventRetire:
		return StateRetiring, true
	case (from == StateRetiring || from == StateTerminated) && event == EventTerminate:
		return StateTerminated, true
	case event == EventAbort:
		return StateTerminated, true
	}
	return from, false
}
