package coordinator

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mxpgo-dev/mxpgo/agent"
	"github.com/mxpgo-dev/mxpgo/audit"
	"github.com/mxpgo-dev/mxpgo/identity"
	"github.com/mxpgo-dev/mxpgo/wire"
)

type sentFrame struct {
	msg  wire.Message
	peer net.Addr
}

type capturingResponder struct {
	mu     sync.Mutex
	frames []sentFrame
}

func (r *capturingResponder) Send(msg wire.Message, peer net.Addr) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, sentFrame{msg: msg, peer: peer})
	return nil
}

func (r *capturingResponder) snapshot() []sentFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]sentFrame, len(r.frames))
	copy(out, r.frames)
	return out
}

type recordingSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *recordingSink) Observe(ev audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func newTestCoordinator(t *testing.T, responder agent.Responder, observer audit.Observer) *Coordinator {
	t.Helper()
	c, err := New(Config{
		AgentID:   identity.NewAgentID(),
		Responder: responder,
		Observer:  observer,
	})
	require.NoError(t, err)
	return c
}

func registerAgent(t *testing.T, c *Coordinator, name, endpoint string, capabilities ...string) {
	t.Helper()
	body, err := json.Marshal(RegisterBody{
		AgentID:      identity.NewAgentID().String(),
		Name:         name,
		Version:      "1.0.0",
		Capabilities: capabilities,
		Endpoint:     endpoint,
	})
	require.NoError(t, err)

	hc := agent.NewHandlerContext(c.agentID, wire.NewMessage(wire.TypeRegister, body), addr(40000))
	require.NoError(t, c.HandleRegister(context.Background(), hc))
}

func TestCoordinatorRoutesCallAndResponse(t *testing.T) {
	responder := &capturingResponder{}
	c := newTestCoordinator(t, responder, nil)
	registerAgent(t, c, "reviewer", "127.0.0.1:50052", "code.review")

	origin := addr(52957)
	callBody := []byte(`{"type":"code_review","code":"fn f(){}"}`)
	hc := agent.NewHandlerContext(c.agentID, wire.NewMessage(wire.TypeCall, callBody), origin)
	require.NoError(t, c.HandleCall(context.Background(), hc))

	// One ack (registration) plus the forwarded call.
	frames := responder.snapshot()
	require.Len(t, frames, 2)
	forwarded := frames[1]
	assert.Equal(t, wire.TypeCall, forwarded.msg.Type)
	assert.Equal(t, "127.0.0.1:50052", forwarded.peer.String())

	var forwardedPayload map[string]any
	require.NoError(t, json.Unmarshal(forwarded.msg.Payload, &forwardedPayload))
	corrID, _ := forwardedPayload["correlation_id"].(string)
	require.NotEmpty(t, corrID)
	assert.Equal(t, "code_review", forwardedPayload["type"])
	assert.Equal(t, "fn f(){}", forwardedPayload["code"])
	assert.Equal(t, 1, c.Table().Len())

	// Downstream answers with the echoed correlation id.
	respBody, err := json.Marshal(map[string]any{
		"status":         "complete",
		"correlation_id": corrID,
		"review":         "looks good",
	})
	require.NoError(t, err)
	respCtx := agent.NewHandlerContext(c.agentID, wire.NewMessage(wire.TypeResponse, respBody), addr(50052))
	require.NoError(t, c.HandleResponse(context.Background(), respCtx))

	frames = responder.snapshot()
	require.Len(t, frames, 3)
	relayed := frames[2]
	assert.Equal(t, wire.TypeResponse, relayed.msg.Type)
	assert.Equal(t, origin.String(), relayed.peer.String())
	// The body is forwarded unchanged.
	assert.JSONEq(t, string(respBody), string(relayed.msg.Payload))

	// The correlation id was released after forwarding.
	assert.Equal(t, 0, c.Table().Len())
}

func TestCoordinatorDropsLateResponse(t *testing.T) {
	responder := &capturingResponder{}
	c := newTestCoordinator(t, responder, nil)

	respBody := []byte(`{"status":"complete","correlation_id":"never-tracked"}`)
	hc := agent.NewHandlerContext(c.agentID, wire.NewMessage(wire.TypeResponse, respBody), addr(50052))
	require.NoError(t, c.HandleResponse(context.Background(), hc))

	// Nothing forwarded.
	assert.Empty(t, responder.snapshot())
}

func TestCoordinatorNoRouteForUnknownKind(t *testing.T) {
	responder := &capturingResponder{}
	c := newTestCoordinator(t, responder, nil)

	hc := agent.NewHandlerContext(c.agentID, wire.NewMessage(wire.TypeCall, []byte(`{"type":"mystery"}`)), addr(52957))
	require.NoError(t, c.HandleCall(context.Background(), hc))

	frames := responder.snapshot()
	require.Len(t, frames, 1)
	require.Equal(t, wire.TypeError, frames[0].msg.Type)
	body, err := wire.ParseErrorBody(frames[0].msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, wire.ErrCodeNoRoute, body.Code)
	assert.Equal(t, 0, c.Table().Len())
}

func TestCoordinatorSweepNotifiesOriginator(t *testing.T) {
	responder := &capturingResponder{}
	sink := &recordingSink{}
	c := newTestCoordinator(t, responder, audit.NewFanout(sink))

	origin := addr(52957)
	require.NoError(t, c.Table().Insert("x-timeout", origin, "debug", time.Now().Add(-time.Second)))

	c.Sweep(time.Now())

	frames := responder.snapshot()
	require.Len(t, frames, 1)
	require.Equal(t, wire.TypeResponse, frames[0].msg.Type)
	assert.Equal(t, origin.String(), frames[0].peer.String())

	var body agent.ResponsePayload
	require.NoError(t, json.Unmarshal(frames[0].msg.Payload, &body))
	assert.Equal(t, agent.StatusError, body.Status)
	assert.Equal(t, "x-timeout", body.CorrelationID)
	assert.Contains(t, body.Reason, "timed out")

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.events, 1)
	assert.Equal(t, audit.KindTimeout, sink.events[0].Kind)
	assert.Equal(t, "x-timeout", sink.events[0].Subject)
}

func TestCoordinatorForwardsStreamFramesInOrder(t *testing.T) {
	responder := &capturingResponder{}
	c := newTestCoordinator(t, responder, nil)

	origin := addr(52957)
	require.NoError(t, c.Table().Insert("s1", origin, "code_review", time.Now().Add(time.Minute)))

	downstream := addr(50052)
	sendStream := func(msgType wire.MessageType, payload string) {
		hc := agent.NewHandlerContext(c.agentID, wire.NewMessage(msgType, []byte(payload)), downstream)
		var err error
		switch msgType {
		case wire.TypeStreamOpen:
			err = c.HandleStreamOpen(context.Background(), hc)
		case wire.TypeStreamChunk:
			err = c.HandleStreamChunk(context.Background(), hc)
		case wire.TypeStreamClose:
			err = c.HandleStreamClose(context.Background(), hc)
		}
		require.NoError(t, err)
	}

	sendStream(wire.TypeStreamOpen, `{"correlation_id":"s1"}`)
	sendStream(wire.TypeStreamChunk, `{"correlation_id":"s1","delta":"hel"}`)
	sendStream(wire.TypeStreamChunk, `{"correlation_id":"s1","delta":"lo"}`)
	sendStream(wire.TypeStreamClose, `{"correlation_id":"s1"}`)

	frames := responder.snapshot()
	require.Len(t, frames, 4)
	wantTypes := []wire.MessageType{wire.TypeStreamOpen, wire.TypeStreamChunk, wire.TypeStreamChunk, wire.TypeStreamClose}
	for i, frame := range frames {
		assert.Equal(t, wantTypes[i], frame.msg.Type)
		assert.Equal(t, origin.String(), frame.peer.String())
	}

	// StreamClose released the correlation id.
	assert.Equal(t, 0, c.Table().Len())
}

func TestCoordinatorHeartbeatDirective(t *testing.T) {
	responder := &capturingResponder{}
	c := newTestCoordinator(t, responder, nil)

	// Heartbeat from an unknown agent: ack carries needs_register.
	hb, err := json.Marshal(HeartbeatBody{AgentID: "ghost"})
	require.NoError(t, err)
	hc := agent.NewHandlerContext(c.agentID, wire.NewMessage(wire.TypeHeartbeat, hb), addr(50060))
	require.NoError(t, c.HandleHeartbeat(context.Background(), hc))

	frames := responder.snapshot()
	require.Len(t, frames, 1)
	require.Equal(t, wire.TypeAck, frames[0].msg.Type)
	var ack AckBody
	require.NoError(t, json.Unmarshal(frames[0].msg.Payload, &ack))
	assert.True(t, ack.NeedsRegister)
}
