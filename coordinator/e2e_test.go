package coordinator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mxpgo-dev/mxpgo/agent"
	"github.com/mxpgo-dev/mxpgo/identity"
	"github.com/mxpgo-dev/mxpgo/registry"
	"github.com/mxpgo-dev/mxpgo/transport"
	"github.com/mxpgo-dev/mxpgo/wire"
)

// reviewerHandler answers code_review calls with a single Response that
// echoes the correlation id, standing in for a downstream agent.
type reviewerHandler struct {
	agent.UnimplementedHandler
	responder agent.Responder
	onAck     func([]byte)
}

func (h *reviewerHandler) HandleCall(_ context.Context, hc *agent.HandlerContext) error {
	var payload struct {
		Type          string `json:"type"`
		CorrelationID string `json:"correlation_id"`
		Code          string `json:"code"`
	}
	if err := json.Unmarshal(hc.Message.Payload, &payload); err != nil {
		return err
	}

	body, err := json.Marshal(map[string]any{
		"status":         "complete",
		"correlation_id": payload.CorrelationID,
		"review":         "no issues found in " + payload.Code,
	})
	if err != nil {
		return err
	}
	return h.responder.Send(wire.NewMessage(wire.TypeResponse, body), hc.Peer)
}

func (h *reviewerHandler) HandleAck(_ context.Context, hc *agent.HandlerContext) error {
	if h.onAck != nil {
		h.onAck(hc.Message.Payload)
	}
	return nil
}

func bindKernel(t *testing.T, name string, handler agent.Handler) *agent.Kernel {
	t.Helper()
	cap, err := identity.NewCapability("code.review", "Code Review", "1.0.0", "read:code")
	require.NoError(t, err)
	manifest, err := identity.NewManifest(identity.NewAgentID(), name, "0.1.0", []identity.Capability{cap})
	require.NoError(t, err)

	k, err := agent.NewKernel(agent.KernelConfig{
		Manifest:          manifest,
		BindAddr:          "127.0.0.1:0",
		Transport:         transport.New(transport.Config{ReadTimeout: 50 * time.Millisecond}),
		Handler:           handler,
		Scheduler:         agent.SchedulerConfig{MaxConcurrent: 4, QueueDepth: 16},
		HeartbeatInterval: time.Minute,
		SweepInterval:     50 * time.Millisecond,
		DrainDeadline:     time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, k.Bind())
	t.Cleanup(func() {
		if k.State() != agent.StateTerminated {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			k.Shutdown(ctx)
		}
	})
	return k
}

// lateCoordinatorHandler lets the coordinator be built after its kernel
// is bound.
type lateCoordinatorHandler struct {
	agent.UnimplementedHandler
	coord *Coordinator
}

func (h *lateCoordinatorHandler) HandleRegister(ctx context.Context, hc *agent.HandlerContext) error {
	return h.coord.HandleRegister(ctx, hc)
}

func (h *lateCoordinatorHandler) HandleHeartbeat(ctx context.Context, hc *agent.HandlerContext) error {
	return h.coord.HandleHeartbeat(ctx, hc)
}

func (h *lateCoordinatorHandler) HandleCall(ctx context.Context, hc *agent.HandlerContext) error {
	return h.coord.HandleCall(ctx, hc)
}

func (h *lateCoordinatorHandler) HandleResponse(ctx context.Context, hc *agent.HandlerContext) error {
	return h.coord.HandleResponse(ctx, hc)
}

func TestCoordinatorRoutingOverTheWire(t *testing.T) {
	// Coordinator kernel.
	coordHandler := &lateCoordinatorHandler{}
	coordKernel := bindKernel(t, "coordinator", coordHandler)
	coord, err := New(Config{
		AgentID:   coordKernel.AgentID(),
		Responder: coordKernel.Responder(),
	})
	require.NoError(t, err)
	coordHandler.coord = coord
	coordKernel.SetSweeper(coord)
	require.NoError(t, coordKernel.Start(context.Background()))

	// Downstream reviewer kernel.
	reviewer := &reviewerHandler{}
	reviewerKernel := bindKernel(t, "reviewer", reviewer)
	reviewer.responder = reviewerKernel.Responder()
	require.NoError(t, reviewerKernel.Start(context.Background()))

	// The reviewer registers with the coordinator over the wire.
	client, err := registry.NewClient(registry.Config{
		Manifest:   mustManifest(t, "reviewer"),
		Endpoint:   reviewerKernel.Handle().LocalAddr().String(),
		Handle:     reviewerKernel.Handle(),
		Directory:  coordKernel.Handle().LocalAddr(),
		AckTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	reviewer.onAck = client.HandleAck
	require.NoError(t, client.RegisterOnce(context.Background()))

	// A plain peer sends the call to the coordinator.
	tr := transport.New(transport.Config{ReadTimeout: 3 * time.Second})
	peer, err := tr.Bind("127.0.0.1:0")
	require.NoError(t, err)
	defer peer.Close()

	codec := wire.NewFrameCodec()
	call := []byte(`{"type":"code_review","code":"fn f(){}"}`)
	frame, err := codec.Encode(wire.NewMessage(wire.TypeCall, call))
	require.NoError(t, err)
	_, err = peer.Send(frame, coordKernel.Handle().LocalAddr())
	require.NoError(t, err)

	// The response comes back with the coordinator-minted correlation id.
	buf := make([]byte, 64*1024)
	n, _, err := peer.Recv(buf)
	require.NoError(t, err)
	msg, err := codec.Decode(buf[:n])
	require.NoError(t, err)
	require.Equal(t, wire.TypeResponse, msg.Type)

	var response struct {
		Status        string `json:"status"`
		CorrelationID string `json:"correlation_id"`
		Review        string `json:"review"`
	}
	require.NoError(t, json.Unmarshal(msg.Payload, &response))
	assert.Equal(t, "complete", response.Status)
	assert.NotEmpty(t, response.CorrelationID)
	assert.Contains(t, response.Review, "fn f(){}")

	// Property: the correlation id is gone once the response forwarded.
	require.Eventually(t, func() bool {
		return coord.Table().Len() == 0
	}, time.Second, 10*time.Millisecond)
}

func mustManifest(t *testing.T, name string) identity.Manifest {
	t.Helper()
	cap, err := identity.NewCapability("code.review", "Code Review", "1.0.0", "read:code")
	require.NoError(t, err)
	m, err := identity.NewManifest(identity.NewAgentID(), name, "0.1.0", []identity.Capability{cap})
	require.NoError(t, err)
	return m
}
