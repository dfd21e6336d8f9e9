package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mxpgo-dev/mxpgo/audit"
	"github.com/mxpgo-dev/mxpgo/identity"
	"github.com/mxpgo-dev/mxpgo/memory"
	"github.com/mxpgo-dev/mxpgo/model"
	"github.com/mxpgo-dev/mxpgo/observability"
	"github.com/mxpgo-dev/mxpgo/policy"
	"github.com/mxpgo-dev/mxpgo/tool"
	"github.com/mxpgo-dev/mxpgo/transport"
	"github.com/mxpgo-dev/mxpgo/wire"
)

// Responder sends reply frames back to a peer. The kernel supplies a
// transport-backed implementation; tests capture frames in memory.
type Responder interface {
	Send(msg wire.Message, peer net.Addr) error
}

// NewWireResponder builds a responder over a transport handle and codec.
func NewWireResponder(handle *transport.Handle, codec wire.Codec) Responder {
	return &wireResponder{handle: handle, codec: codec}
}

type wireResponder struct {
	handle *transport.Handle
	codec  wire.Codec
}

func (r *wireResponder) Send(msg wire.Message, peer net.Addr) error {
	frame, err := r.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("agent: encode %s frame: %w", msg.Type, err)
	}
	if _, err := r.handle.Send(frame, peer); err != nil {
		return fmt.Errorf("agent: send %s to %s: %w", msg.Type, peer, err)
	}
	return nil
}

// CallPayload is the structured body of a Call frame. A present
// correlation id means the call was forwarded through a coordinator and
// the reply must echo it.
type CallPayload struct {
	Type            string                `json:"type"`
	CorrelationID   string                `json:"correlation_id,omitempty"`
	Tool            *ToolInvocation       `json:"tool,omitempty"`
	Messages        []model.PromptMessage `json:"messages,omitempty"`
	Code            string                `json:"code,omitempty"`
	Error           string                `json:"error,omitempty"`
	Temperature     float32               `json:"temperature,omitempty"`
	MaxOutputTokens int                   `json:"max_output_tokens,omitempty"`
}

// ToolInvocation selects a registered tool and its input.
type ToolInvocation struct {
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// Response statuses on the wire.
const (
	StatusComplete  = "complete"
	StatusError     = "error"
	StatusEscalated = "escalated"
)

// ResponsePayload is the structured body of a Response frame.
type ResponsePayload struct {
	Status        string   `json:"status"`
	CorrelationID string   `json:"correlation_id,omitempty"`
	Reason        string   `json:"reason,omitempty"`
	Approvers     []string `json:"approvers,omitempty"`
	Result        any      `json:"result,omitempty"`
}

// StreamOpenPayload opens a streamed reply.
type StreamOpenPayload struct {
	CorrelationID string `json:"correlation_id,omitempty"`
}

// StreamChunkPayload carries one text delta.
type StreamChunkPayload struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	Delta         string `json:"delta"`
}

// StreamClosePayload terminates a streamed reply. Error is set when the
// stream ended abnormally (cancellation or provider failure).
type StreamClosePayload struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	Error         string `json:"error,omitempty"`
}

// ExecutorConfig assembles a CallExecutor.
type ExecutorConfig struct {
	AgentID identity.AgentID
	// Tools resolves tool invocations. Required.
	Tools *tool.Registry
	// Adapter serves model inference when a call carries no tool. Required
	// unless every call is a tool call.
	Adapter model.Adapter
	// Policy gates every execution step. Nil allows everything.
	Policy policy.Engine
	// Memory records the exchange. Optional.
	Memory *memory.Bus
	// Observer receives every policy decision and call audit event before
	// the executor acts on it. Optional.
	Observer audit.Observer
	// Responder sends reply frames. Required.
	Responder Responder
	// CallDeadline bounds each execution (default 60s).
	CallDeadline time.Duration
}

// DefaultCallDeadline bounds call executions when unconfigured.
const DefaultCallDeadline = 60 * time.Second

// CallExecutor runs the governed pipeline for one inbound Call: parse,
// policy gate, tool or model execution, wire reply, memory records,
// observer notification.
type CallExecutor struct {
	agentID      identity.AgentID
	tools        *tool.Registry
	adapter      model.Adapter
	policy       policy.Engine
	memory       *memory.Bus
	observer     audit.Observer
	responder    Responder
	callDeadline time.Duration
	tracer       trace.Tracer
}

// NewCallExecutor validates the config and builds the executor.
func NewCallExecutor(cfg ExecutorConfig) (*CallExecutor, error) {
	if cfg.Tools == nil {
		return nil, errors.New("agent: executor needs a tool registry")
	}
	if cfg.Responder == nil {
		return nil, errors.New("agent: executor needs a responder")
	}
	deadline := cfg.CallDeadline
	if deadline <= 0 {
		deadline = DefaultCallDeadline
	}
	return &CallExecutor{
		agentID:      cfg.AgentID,
		tools:        cfg.Tools,
		adapter:      cfg.Adapter,
		policy:       cfg.Policy,
		memory:       cfg.Memory,
		observer:     cfg.Observer,
		responder:    cfg.Responder,
		callDeadline: deadline,
		tracer:       observability.Tracer(),
	}, nil
}

// Execute runs the pipeline for one Call message. Failures before the
// reply boundary are converted into wire errors; failures after it are
// logged and recorded but never alter the wire.
func (e *CallExecutor) Execute(ctx context.Context, hc *HandlerContext) error {
	started := time.Now()

	var payload CallPayload
	if err := json.Unmarshal(hc.Message.Payload, &payload); err != nil {
		e.sendParseError(hc, err)
		observability.RecordCall(StatusError, "unparsed", time.Since(started))
		return fmt.Errorf("agent: parse call payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.callDeadline)
	defer cancel()

	ctx, span := e.tracer.Start(ctx, "agent.call",
		trace.WithAttributes(
			attribute.String("call.kind", payload.Type),
			attribute.Bool("call.forwarded", payload.CorrelationID != ""),
		))
	defer span.End()

	e.recordInbound(ctx, hc, &payload)

	var err error
	if payload.Tool != nil {
		err = e.executeTool(ctx, hc, &payload)
	} else {
		err = e.executeModel(ctx, hc, &payload)
	}

	status := StatusComplete
	if err != nil {
		status = StatusError
		span.RecordError(err)
	}
	observability.RecordCall(status, payload.Type, time.Since(started))
	return err
}

// gate evaluates the policy request, notifies the observer fan-out, and
// answers the peer for deny/escalate outcomes. The boolean reports
// whether execution may proceed.
func (e *CallExecutor) gate(ctx context.Context, hc *HandlerContext, payload *CallPayload, req *policy.Request) (bool, error) {
	if e.policy == nil {
		return true, nil
	}

	decision, err := e.policy.Evaluate(ctx, req)
	if err != nil {
		e.respond(hc, ResponsePayload{
			Status:        StatusError,
			CorrelationID: payload.CorrelationID,
			Reason:        "policy engine failure",
		})
		return false, fmt.Errorf("agent: policy evaluation for %s %q: %w", req.Action, req.Subject, err)
	}

	// The fan-out hears the decision before the executor acts on it.
	e.notify(audit.NewEvent(audit.KindPolicyDecision, e.agentID, req.Subject).WithDecision(decision))

	switch {
	case decision.IsDeny():
		e.respond(hc, ResponsePayload{
			Status:        StatusError,
			CorrelationID: payload.CorrelationID,
			Reason:        decision.Reason,
		})
		return false, nil
	case decision.IsEscalate():
		e.respond(hc, ResponsePayload{
			Status:        StatusEscalated,
			CorrelationID: payload.CorrelationID,
			Reason:        decision.Reason,
			Approvers:     decision.Approvers,
		})
		return false, nil
	}
	return true, nil
}

func (e *CallExecutor) executeTool(ctx context.Context, hc *HandlerContext, payload *CallPayload) error {
	inv := payload.Tool
	req := policy.NewRequest(e.agentID, policy.ActionToolInvoke, inv.Name).
		WithMetadata("call_kind", payload.Type)
	if meta, ok := e.tools.Get(inv.Name); ok {
		req = req.WithMetadata("tool_version", meta.Version).WithScopes(meta.Capabilities...)
	}

	proceed, err := e.gate(ctx, hc, payload, req)
	if err != nil || !proceed {
		return err
	}

	result, err := e.tools.Invoke(ctx, inv.Name, inv.Input)
	if err != nil {
		e.respond(hc, ResponsePayload{
			Status:        StatusError,
			CorrelationID: payload.CorrelationID,
			Reason:        err.Error(),
		})
		e.recordFailure(ctx, inv.Name, err)
		return err
	}

	e.respond(hc, ResponsePayload{
		Status:        StatusComplete,
		CorrelationID: payload.CorrelationID,
		Result:        result,
	})

	// Past the reply boundary: record failures are logged, never re-sent.
	e.recordToolResult(ctx, inv.Name, result)
	e.notify(audit.NewEvent(audit.KindCall, e.agentID, inv.Name).
		WithReason(StatusComplete).
		WithMetadata("call_kind", payload.Type))
	return nil
}

func (e *CallExecutor) executeModel(ctx context.Context, hc *HandlerContext, payload *CallPayload) error {
	if e.adapter == nil {
		e.respond(hc, ResponsePayload{
			Status:        StatusError,
			CorrelationID: payload.CorrelationID,
			Reason:        "no model adapter configured",
		})
		return errors.New("agent: no model adapter configured")
	}

	meta := e.adapter.Metadata()
	req := policy.NewRequest(e.agentID, policy.ActionModelInfer, meta.Subject()).
		WithMetadata("call_kind", payload.Type)

	proceed, err := e.gate(ctx, hc, payload, req)
	if err != nil || !proceed {
		return err
	}

	messages, err := assemblePrompt(payload)
	if err != nil {
		e.respond(hc, ResponsePayload{
			Status:        StatusError,
			CorrelationID: payload.CorrelationID,
			Reason:        err.Error(),
		})
		return err
	}

	inferReq, err := model.NewRequest(messages)
	if err != nil {
		e.respond(hc, ResponsePayload{
			Status:        StatusError,
			CorrelationID: payload.CorrelationID,
			Reason:        err.Error(),
		})
		return err
	}
	inferReq.Temperature = payload.Temperature
	inferReq.MaxOutputTokens = payload.MaxOutputTokens

	stream, err := e.adapter.Infer(ctx, inferReq)
	if err != nil {
		e.respond(hc, ResponsePayload{
			Status:        StatusError,
			CorrelationID: payload.CorrelationID,
			Reason:        err.Error(),
		})
		e.recordFailure(ctx, meta.Subject(), err)
		return err
	}

	response, streamErr := e.forwardStream(ctx, hc, payload, stream)

	// Reply boundary crossed once StreamClose went out.
	e.recordOutput(ctx, response)
	status := StatusComplete
	if streamErr != nil {
		status = StatusError
	}
	e.notify(audit.NewEvent(audit.KindCall, e.agentID, meta.Subject()).
		WithReason(status).
		WithMetadata("call_kind", payload.Type))
	return streamErr
}

// forwardStream relays the model stream to the peer one delta at a time:
// StreamOpen, a StreamChunk per delta, then StreamClose. Nothing is
// buffered beyond the chunk in flight. Cancellation trips the adapter
// stream and still emits a final StreamClose with the error field set.
func (e *CallExecutor) forwardStream(ctx context.Context, hc *HandlerContext, payload *CallPayload, stream model.Stream) (string, error) {
	defer stream.Close()

	e.send(hc, wire.TypeStreamOpen, StreamOpenPayload{CorrelationID: payload.CorrelationID})

	var response string
	for {
		if err := ctx.Err(); err != nil {
			e.send(hc, wire.TypeStreamClose, StreamClosePayload{
				CorrelationID: payload.CorrelationID,
				Error:         "cancelled",
			})
			return response, fmt.Errorf("agent: model stream cancelled: %w", err)
		}

		chunk, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				e.send(hc, wire.TypeStreamClose, StreamClosePayload{CorrelationID: payload.CorrelationID})
				return response, nil
			}
			closeBody := StreamClosePayload{CorrelationID: payload.CorrelationID}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				closeBody.Error = "cancelled"
			} else {
				closeBody.Error = err.Error()
			}
			e.send(hc, wire.TypeStreamClose, closeBody)
			return response, fmt.Errorf("agent: model stream aborted: %w", err)
		}

		if chunk.Delta != "" {
			response += chunk.Delta
			e.send(hc, wire.TypeStreamChunk, StreamChunkPayload{
				CorrelationID: payload.CorrelationID,
				Delta:         chunk.Delta,
			})
		}
		if chunk.Done {
			e.send(hc, wire.TypeStreamClose, StreamClosePayload{CorrelationID: payload.CorrelationID})
			return response, nil
		}
	}
}

// assemblePrompt turns a call payload into prompt messages. Explicit
// messages win; otherwise known call kinds synthesize their prompt.
func assemblePrompt(payload *CallPayload) ([]model.PromptMessage, error) {
	if len(payload.Messages) > 0 {
		return payload.Messages, nil
	}
	switch payload.Type {
	case "code_review":
		if payload.Code == "" {
			return nil, errors.New("agent: code_review call is missing code")
		}
		return []model.PromptMessage{
			{Role: model.RoleSystem, Content: "You are a meticulous code reviewer. Point out bugs, risks, and style problems."},
			{Role: model.RoleUser, Content: "Review this code:\n\n" + payload.Code},
		}, nil
	case "debug":
		if payload.Error == "" {
			return nil, errors.New("agent: debug call is missing error")
		}
		return []model.PromptMessage{
			{Role: model.RoleSystem, Content: "You are a debugging assistant. Explain the error and suggest a fix."},
			{Role: model.RoleUser, Content: "Debug this error:\n\n" + payload.Error},
		}, nil
	}
	return nil, fmt.Errorf("agent: call kind %q carries neither messages nor a known prompt shape", payload.Type)
}

func (e *CallExecutor) respond(hc *HandlerContext, body ResponsePayload) {
	e.send(hc, wire.TypeResponse, body)
}

func (e *CallExecutor) send(hc *HandlerContext, msgType wire.MessageType, body any) {
	payload, err := json.Marshal(body)
	if err != nil {
		log.Printf("agent %s: encode %s payload: %v", e.agentID, msgType, err)
		return
	}
	if err := e.responder.Send(wire.NewMessage(msgType, payload), hc.Peer); err != nil {
		log.Printf("agent %s: reply %s to %s: %v", e.agentID, msgType, hc.Peer, err)
	}
}

func (e *CallExecutor) sendParseError(hc *HandlerContext, err error) {
	msg := wire.NewErrorMessage(wire.ErrCodePayloadParse, err.Error())
	if sendErr := e.responder.Send(msg, hc.Peer); sendErr != nil {
		log.Printf("agent %s: send parse error to %s: %v", e.agentID, hc.Peer, sendErr)
	}
}

func (e *CallExecutor) notify(ev audit.Event) {
	if e.observer == nil {
		return
	}
	observability.RecordAuditEvent(ev.Kind)
	if err := e.observer.Observe(ev); err != nil {
		log.Printf("agent %s: observer: %v", e.agentID, err)
	}
}

func (e *CallExecutor) recordInbound(ctx context.Context, hc *HandlerContext, payload *CallPayload) {
	if e.memory == nil {
		return
	}
	rec := memory.NewRecord(memory.ChannelInput, hc.Message.Payload).
		WithTag("call").
		WithMetadata("call_kind", payload.Type).
		WithMetadata("trace_id", hc.Message.Trace.String())
	e.record(ctx, rec)
}

func (e *CallExecutor) recordToolResult(ctx context.Context, name string, result any) {
	if e.memory == nil {
		return
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		log.Printf("agent %s: encode tool result for memory: %v", e.agentID, err)
		return
	}
	rec := memory.NewRecord(memory.ChannelTool, encoded).
		WithTag("call").
		WithMetadata("tool_name", name)
	e.record(ctx, rec)
}

func (e *CallExecutor) recordOutput(ctx context.Context, response string) {
	if e.memory == nil || response == "" {
		return
	}
	rec := memory.NewRecord(memory.ChannelOutput, []byte(response)).WithTag("call")
	e.record(ctx, rec)
}

func (e *CallExecutor) recordFailure(ctx context.Context, subject string, failure error) {
	if e.memory == nil {
		return
	}
	rec := memory.NewRecord(memory.ChannelSystem, []byte(failure.Error())).
		WithTag("failure").
		WithMetadata("subject", subject)
	e.record(ctx, rec)
}

func (e *CallExecutor) record(ctx context.Context, rec *memory.Record) {
	if err := e.memory.Record(ctx, rec); err != nil {
		if errors.Is(err, memory.ErrRecordDenied) {
			observability.RecordMemoryWrite(string(rec.Channel), "denied")
			return
		}
		observability.RecordMemoryWrite(string(rec.Channel), "error")
		log.Printf("agent %s: memory record on %s: %v", e.agentID, rec.Channel, err)
		return
	}
	observability.RecordMemoryWrite(string(rec.Channel), "ok")
}

// CallHandler adapts the executor (plus optional hooks) to the Handler
// interface so the kernel can dispatch to it.
type CallHandler struct {
	UnimplementedHandler
	executor *CallExecutor
	// OnAck, when set, receives Ack payloads (registry directives).
	OnAck func(payload []byte)
}

// NewCallHandler wraps the executor.
func NewCallHandler(executor *CallExecutor) *CallHandler {
	return &CallHandler{executor: executor}
}

// HandleCall runs the call pipeline.
func (h *CallHandler) HandleCall(ctx context.Context, hc *HandlerContext) error {
	return h.executor.Execute(ctx, hc)
}

// HandleAck forwards registry directives.
func (h *CallHandler) HandleAck(_ context.Context, hc *HandlerContext) error {
	if h.OnAck != nil {
		h.OnAck(hc.Message.Payload)
	}
	return nil
}

// HandleError logs peer-reported protocol errors.
func (h *CallHandler) HandleError(_ context.Context, hc *HandlerContext) error {
	body, err := wire.ParseErrorBody(hc.Message.Payload)
	if err != nil {
		log.Printf("agent: undecodable error frame from %s", hc.Peer)
		return nil
	}
	log.Printf("agent: peer %s reported %s: %s", hc.Peer, body.Code, body.Reason)
	return nil
}
