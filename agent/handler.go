package agent

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/mxpgo-dev/mxpgo/identity"
	"github.com/mxpgo-dev/mxpgo/wire"
)

// HandlerContext carries a decoded message into its handler.
type HandlerContext struct {
	AgentID    identity.AgentID
	ReceivedAt time.Time
	Message    wire.Message
	Peer       net.Addr
}

// NewHandlerContext stamps the context with the receive time.
func NewHandlerContext(agentID identity.AgentID, msg wire.Message, peer net.Addr) *HandlerContext {
	return &HandlerContext{
		AgentID:    agentID,
		ReceivedAt: time.Now(),
		Message:    msg,
		Peer:       peer,
	}
}

// Handler receives dispatched messages, one method per type tag. Embed
// UnimplementedHandler to pick up defaults for the types an agent does
// not handle.
type Handler interface {
	HandleRegister(ctx context.Context, hc *HandlerContext) error
	HandleDiscover(ctx context.Context, hc *HandlerContext) error
	HandleHeartbeat(ctx context.Context, hc *HandlerContext) error
	HandleCall(ctx context.Context, hc *HandlerContext) error
	HandleResponse(ctx context.Context, hc *HandlerContext) error
	HandleEvent(ctx context.Context, hc *HandlerContext) error
	HandleStreamOpen(ctx context.Context, hc *HandlerContext) error
	HandleStreamChunk(ctx context.Context, hc *HandlerContext) error
	HandleStreamClose(ctx context.Context, hc *HandlerContext) error
	HandleAck(ctx context.Context, hc *HandlerContext) error
	HandleError(ctx context.Context, hc *HandlerContext) error
}

// UnsupportedTypeError reports a message type the handler does not
// implement.
type UnsupportedTypeError struct {
	Type wire.MessageType
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("agent: message type %s is not supported", e.Type)
}

// UnknownTypeError reports a type tag outside the defined set.
type UnknownTypeError struct {
	Type wire.MessageType
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("agent: unknown message type %s", e.Type)
}

// UnimplementedHandler provides default implementations that reject every
// type. Concrete handlers embed it and override what they support.
type UnimplementedHandler struct{}

func (UnimplementedHandler) HandleRegister(context.Context, *HandlerContext) error {
	return &UnsupportedTypeError{Type: wire.TypeRegister}
}

func (UnimplementedHandler) HandleDiscover(context.Context, *HandlerContext) error {
	return &UnsupportedTypeError{Type: wire.TypeDiscover}
}

func (UnimplementedHandler) HandleHeartbeat(context.Context, *HandlerContext) error {
	return &UnsupportedTypeError{Type: wire.TypeHeartbeat}
}

func (UnimplementedHandler) HandleCall(context.Context, *HandlerContext) error {
	return &UnsupportedTypeError{Type: wire.TypeCall}
}

func (UnimplementedHandler) HandleResponse(context.Context, *HandlerContext) error {
	return &UnsupportedTypeError{Type: wire.TypeResponse}
}

func (UnimplementedHandler) HandleEvent(context.Context, *HandlerContext) error {
	return &UnsupportedTypeError{Type: wire.TypeEvent}
}

func (UnimplementedHandler) HandleStreamOpen(context.Context, *HandlerContext) error {
	return &UnsupportedTypeError{Type: wire.TypeStreamOpen}
}

func (UnimplementedHandler) HandleStreamChunk(context.Context, *HandlerContext) error {
	return &UnsupportedTypeError{Type: wire.TypeStreamChunk}
}

func (UnimplementedHandler) HandleStreamClose(context.Context, *HandlerContext) error {
	return &UnsupportedTypeError{Type: wire.TypeStreamClose}
}

func (UnimplementedHandler) HandleAck(context.Context, *HandlerContext) error {
	return &UnsupportedTypeError{Type: wire.TypeAck}
}

func (UnimplementedHandler) HandleError(context.Context, *HandlerContext) error {
	return &UnsupportedTypeError{Type: wire.TypeError}
}

// Dispatch routes the message to exactly one handler method by its type
// tag. An undefined tag yields UnknownTypeError.
func Dispatch(ctx context.Context, h Handler, hc *HandlerContext) error {
	switch hc.Message.Type {
	case wire.TypeRegister:
		return h.HandleRegister(ctx, hc)
	case wire.TypeDiscover:
		return h.HandleDiscover(ctx, hc)
	case wire.TypeHeartbeat:
		return h.HandleHeartbeat(ctx, hc)
	case wire.TypeCall:
		return h.HandleCall(ctx, hc)
	case wire.TypeResponse:
		return h.HandleResponse(ctx, hc)
	case wire.TypeEvent:
		return h.HandleEvent(ctx, hc)
	case wire.TypeStreamOpen:
		return h.HandleStreamOpen(ctx, hc)
	case wire.TypeStreamChunk:
		return h.HandleStreamChunk(ctx, hc)
	case wire.TypeStreamClose:
		return h.HandleStreamClose(ctx, hc)
	case wire.TypeAck:
		return h.HandleAck(ctx, hc)
	case wire.TypeError:
		return h.HandleError(ctx, hc)
	}
	return &UnknownTypeError{Type: hc.Message.Type}
}
