package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mxpgo-dev/mxpgo/agent"
	"github.com/mxpgo-dev/mxpgo/audit"
	"github.com/mxpgo-dev/mxpgo/identity"
	"github.com/mxpgo-dev/mxpgo/observability"
	"github.com/mxpgo-dev/mxpgo/wire"
)

// AgentInfo is one registered downstream agent in the directory snapshot.
type AgentInfo struct {
	AgentID      string    `json:"agent_id"`
	Name         string    `json:"name"`
	Capabilities []string  `json:"capabilities"`
	Endpoint     string    `json:"endpoint"`
	LastSeen     time.Time `json:"-"`
}

// RegisterBody is the payload of a Register frame.
type RegisterBody struct {
	AgentID      string   `json:"agent_id"`
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
	Endpoint     string   `json:"endpoint"`
}

// HeartbeatBody is the payload of a Heartbeat frame. Ceasing marks the
// final heartbeat of a deregistering agent.
type HeartbeatBody struct {
	AgentID string `json:"agent_id"`
	Ceasing bool   `json:"ceasing,omitempty"`
}

// AckBody is the payload of an Ack frame. NeedsRegister directs the peer
// to re-register immediately.
type AckBody struct {
	NeedsRegister bool `json:"needs_register,omitempty"`
}

// DefaultRoutes maps call kinds to the capability a downstream agent
// must advertise to serve them.
var DefaultRoutes = map[string]string{
	"code_review": "code.review",
	"debug":       "debug.assist",
}

// Config assembles a Coordinator.
type Config struct {
	AgentID identity.AgentID
	// Responder sends forwarded frames. Required.
	Responder agent.Responder
	// Routes maps call kinds to required capabilities. Defaults to
	// DefaultRoutes.
	Routes map[string]string
	// CallDeadline bounds each forwarded call; the pending entry carries
	// a little slack on top (default 60s + 5s).
	CallDeadline time.Duration
	// PendingSlack is added to the call deadline for the pending entry.
	PendingSlack time.Duration
	// Observer receives timeout audit events. Optional.
	Observer audit.Observer
}

// Coordinator default timing.
const (
	DefaultCallDeadline = 60 * time.Second
	DefaultPendingSlack = 5 * time.Second
)

// Coordinator routes Calls to downstream agents and forwards their
// Responses back to the originating peer. It implements agent.Handler
// so a kernel can host it directly, and agent.Sweeper so the kernel's
// sweep task expires its pending table.
type Coordinator struct {
	agent.UnimplementedHandler

	agentID   identity.AgentID
	responder agent.Responder
	table     *Table
	routes    map[string]string
	deadline  time.Duration
	slack     time.Duration
	observer  audit.Observer

	mu     sync.RWMutex
	agents map[string]AgentInfo
}

// New validates the config and builds a coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Responder == nil {
		return nil, fmt.Errorf("coordinator: responder is required")
	}
	if cfg.Routes == nil {
		cfg.Routes = DefaultRoutes
	}
	if cfg.CallDeadline <= 0 {
		cfg.CallDeadline = DefaultCallDeadline
	}
	if cfg.PendingSlack <= 0 {
		cfg.PendingSlack = DefaultPendingSlack
	}
	return &Coordinator{
		agentID:   cfg.AgentID,
		responder: cfg.Responder,
		table:     NewTable(),
		routes:    cfg.Routes,
		deadline:  cfg.CallDeadline,
		slack:     cfg.PendingSlack,
		observer:  cfg.Observer,
	}, nil
}

// Table exposes the pending-request table.
func (c *Coordinator) Table() *Table {
	return c.table
}

// Agents returns the current directory snapshot.
func (c *Coordinator) Agents() []AgentInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]AgentInfo, 0, len(c.agents))
	for _, info := range c.agents {
		out = append(out, info)
	}
	return out
}

// HandleRegister stores the agent in the directory and acks.
func (c *Coordinator) HandleRegister(_ context.Context, hc *agent.HandlerContext) error {
	var body RegisterBody
	if err := json.Unmarshal(hc.Message.Payload, &body); err != nil {
		return fmt.Errorf("coordinator: decode register: %w", err)
	}
	if body.AgentID == "" || body.Endpoint == "" {
		return fmt.Errorf("coordinator: register missing agent_id or endpoint")
	}

	c.mu.Lock()
	if c.agents == nil {
		c.agents = make(map[string]AgentInfo)
	}
	c.agents[body.AgentID] = AgentInfo{
		AgentID:      body.AgentID,
		Name:         body.Name,
		Capabilities: body.Capabilities,
		Endpoint:     body.Endpoint,
		LastSeen:     time.Now(),
	}
	c.mu.Unlock()

	log.Printf("coordinator %s: registered %s (%s) capabilities=%v", c.agentID, body.Name, body.AgentID, body.Capabilities)
	return c.sendAck(hc.Peer, AckBody{})
}

// HandleHeartbeat refreshes liveness. An unknown agent is told to
// re-register; a cessation marker drops it from the directory.
func (c *Coordinator) HandleHeartbeat(_ context.Context, hc *agent.HandlerContext) error {
	var body HeartbeatBody
	if err := json.Unmarshal(hc.Message.Payload, &body); err != nil {
		return fmt.Errorf("coordinator: decode heartbeat: %w", err)
	}

	if body.Ceasing {
		c.mu.Lock()
		delete(c.agents, body.AgentID)
		c.mu.Unlock()
		log.Printf("coordinator %s: agent %s deregistered", c.agentID, body.AgentID)
		return c.sendAck(hc.Peer, AckBody{})
	}

	c.mu.Lock()
	info, known := c.agents[body.AgentID]
	if known {
		info.LastSeen = time.Now()
		c.agents[body.AgentID] = info
	}
	c.mu.Unlock()

	return c.sendAck(hc.Peer, AckBody{NeedsRegister: !known})
}

// HandleDiscover answers with the directory snapshot.
func (c *Coordinator) HandleDiscover(_ context.Context, hc *agent.HandlerContext) error {
	snapshot := c.Agents()
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("coordinator: encode discover response: %w", err)
	}
	return c.responder.Send(wire.NewMessage(wire.TypeResponse, payload), hc.Peer)
}

// HandleCall mints a correlation id, tracks the originator, and forwards
// the call to a capability-matched downstream agent.
func (c *Coordinator) HandleCall(_ context.Context, hc *agent.HandlerContext) error {
	var payload map[string]any
	if err := json.Unmarshal(hc.Message.Payload, &payload); err != nil {
		c.replyError(hc.Peer, wire.ErrCodePayloadParse, "call payload is not an object", "")
		return fmt.Errorf("coordinator: decode call: %w", err)
	}

	kind, _ := payload["type"].(string)
	capability, routed := c.routes[kind]
	if !routed {
		c.replyError(hc.Peer, wire.ErrCodeNoRoute, fmt.Sprintf("no route for call kind %q", kind), "")
		return nil
	}

	target, ok := c.selectAgent(capability)
	if !ok {
		c.replyError(hc.Peer, wire.ErrCodeNoRoute, fmt.Sprintf("no agent advertises %q", capability), "")
		return nil
	}

	endpoint, err := net.ResolveUDPAddr("udp", target.Endpoint)
	if err != nil {
		c.replyError(hc.Peer, wire.ErrCodeInternal, "downstream endpoint unresolvable", "")
		return fmt.Errorf("coordinator: resolve endpoint %q: %w", target.Endpoint, err)
	}

	corrID := uuid.New().String()
	deadline := time.Now().Add(c.deadline + c.slack)
	if err := c.table.Insert(corrID, hc.Peer, kind, deadline); err != nil {
		c.replyError(hc.Peer, wire.ErrCodeInternal, "correlation id collision", "")
		return err
	}

	payload["correlation_id"] = corrID
	forwarded, err := json.Marshal(payload)
	if err != nil {
		c.table.Remove(corrID)
		return fmt.Errorf("coordinator: encode forwarded call: %w", err)
	}

	if err := c.responder.Send(wire.NewMessage(wire.TypeCall, forwarded), endpoint); err != nil {
		c.table.Remove(corrID)
		c.replyError(hc.Peer, wire.ErrCodeInternal, "forward failed", corrID)
		return err
	}

	log.Printf("coordinator %s: forwarded %s call %s to %s", c.agentID, kind, corrID, target.Name)
	return nil
}

// HandleResponse takes the pending entry and forwards the body unchanged
// to the originator. A response for an unknown or expired id is dropped
// with a counter; the originator has already received a Timeout.
func (c *Coordinator) HandleResponse(_ context.Context, hc *agent.HandlerContext) error {
	corrID := extractCorrelationID(hc.Message.Payload)
	if corrID == "" {
		observability.RecordDroppedFrame("response_without_correlation")
		return nil
	}

	entry, ok := c.table.Take(corrID)
	if !ok {
		observability.RecordLateResponse()
		log.Printf("coordinator %s: dropping late response for %s", c.agentID, corrID)
		return nil
	}

	msg := hc.Message
	return c.responder.Send(msg, entry.Origin)
}

// Stream frames are forwarded in arrival order; the pending entry is
// held until StreamClose so every frame of the stream can route.
func (c *Coordinator) HandleStreamOpen(_ context.Context, hc *agent.HandlerContext) error {
	return c.forwardStreamFrame(hc, false)
}

// HandleStreamChunk forwards one delta frame.
func (c *Coordinator) HandleStreamChunk(_ context.Context, hc *agent.HandlerContext) error {
	return c.forwardStreamFrame(hc, false)
}

// HandleStreamClose forwards the terminator and releases the id.
func (c *Coordinator) HandleStreamClose(_ context.Context, hc *agent.HandlerContext) error {
	return c.forwardStreamFrame(hc, true)
}

func (c *Coordinator) forwardStreamFrame(hc *agent.HandlerContext, terminal bool) error {
	corrID := extractCorrelationID(hc.Message.Payload)
	if corrID == "" {
		observability.RecordDroppedFrame("stream_without_correlation")
		return nil
	}

	entry, ok := c.table.Lookup(corrID)
	if !ok {
		observability.RecordLateResponse()
		return nil
	}
	if terminal {
		c.table.Remove(corrID)
	}
	return c.responder.Send(hc.Message, entry.Origin)
}

// Sweep expires pending entries: each originator receives a timeout
// response and the fan-out hears a synthetic Timeout event.
func (c *Coordinator) Sweep(now time.Time) {
	for _, expired := range c.table.Sweep(now) {
		body, err := json.Marshal(agent.ResponsePayload{
			Status:        agent.StatusError,
			CorrelationID: expired.CorrelationID,
			Reason:        "call timed out",
		})
		if err == nil {
			if sendErr := c.responder.Send(wire.NewMessage(wire.TypeResponse, body), expired.Entry.Origin); sendErr != nil {
				log.Printf("coordinator %s: timeout notification for %s: %v", c.agentID, expired.CorrelationID, sendErr)
			}
		}

		if c.observer != nil {
			ev := audit.NewEvent(audit.KindTimeout, c.agentID, expired.CorrelationID).
				WithReason("pending request expired").
				WithMetadata("call_kind", expired.Entry.Kind)
			observability.RecordAuditEvent(ev.Kind)
			if err := c.observer.Observe(ev); err != nil {
				log.Printf("coordinator %s: timeout observer: %v", c.agentID, err)
			}
		}
	}
}

// selectAgent picks a registered agent advertising the capability. When
// several agents advertise it, which one is picked is not defined.
func (c *Coordinator) selectAgent(capability string) (AgentInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, info := range c.agents {
		for _, cap := range info.Capabilities {
			if cap == capability {
				return info, true
			}
		}
	}
	return AgentInfo{}, false
}

func (c *Coordinator) sendAck(peer net.Addr, body AckBody) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("coordinator: encode ack: %w", err)
	}
	return c.responder.Send(wire.NewMessage(wire.TypeAck, payload), peer)
}

func (c *Coordinator) replyError(peer net.Addr, code wire.ErrorCode, reason, corrID string) {
	payload, err := json.Marshal(wire.ErrorBody{Code: code, Reason: reason, CorrelationID: corrID})
	if err != nil {
		return
	}
	if err := c.responder.Send(wire.Message{Type: wire.TypeError, Trace: wire.NewTraceID(), Payload: payload}, peer); err != nil {
		log.Printf("coordinator %s: send error frame: %v", c.agentID, err)
	}
}

func extractCorrelationID(payload []byte) string {
	var probe struct {
		CorrelationID string `json:"correlation_id"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return ""
	}
	return probe.CorrelationID
}
