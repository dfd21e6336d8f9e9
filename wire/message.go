// Package wire defines the MXP message model and the codec collaborator
// contract. The kernel and coordinator never touch raw frames directly;
// they encode and decode through a Codec and operate on Message values.
package wire

import (
	"fmt"

	"github.com/google/uuid"
)

// MessageType identifies the kind of MXP frame. The numeric codes are part
// of the wire contract and must round-trip unchanged.
type MessageType uint8

const (
	TypeRegister    MessageType = 0x01
	TypeDiscover    MessageType = 0x02
	TypeHeartbeat   MessageType = 0x03
	TypeCall        MessageType = 0x10
	TypeResponse    MessageType = 0x11
	TypeEvent       MessageType = 0x12
	TypeStreamOpen  MessageType = 0x20
	TypeStreamChunk MessageType = 0x21
	TypeStreamClose MessageType = 0x22
	TypeAck         MessageType = 0xF0
	TypeError       MessageType = 0xF1
)

// MaxPayloadSize is the largest payload a frame may carry (16 MiB).
const MaxPayloadSize = 16 << 20

// Valid reports whether t is one of the defined message types.
func (t MessageType) Valid() bool {
	switch t {
	case TypeRegister, TypeDiscover, TypeHeartbeat,
		TypeCall, TypeResponse, TypeEvent,
		TypeStreamOpen, TypeStreamChunk, TypeStreamClose,
		TypeAck, TypeError:
		return true
	}
	return false
}

func (t MessageType) String() string {
	switch t {
	case TypeRegister:
		return "register"
	case TypeDiscover:
		return "discover"
	case TypeHeartbeat:
		return "heartbeat"
	case TypeCall:
		return "call"
	case TypeResponse:
		return "response"
	case TypeEvent:
		return "event"
	case TypeStreamOpen:
		return "stream_open"
	case TypeStreamChunk:
		return "stream_chunk"
	case TypeStreamClose:
		return "stream_close"
	case TypeAck:
		return "ack"
	case TypeError:
		return "error"
	}
	return fmt.Sprintf("unknown(0x%02X)", uint8(t))
}

// TraceID is the 16-byte identifier carried by every frame.
type TraceID [16]byte

// NewTraceID returns a fresh random trace id.
func NewTraceID() TraceID {
	return TraceID(uuid.New())
}

func (id TraceID) String() string {
	return uuid.UUID(id).String()
}

// IsZero reports whether the trace id is all zeroes.
func (id TraceID) IsZero() bool {
	return id == TraceID{}
}

// Message is a decoded MXP frame. The payload is opaque to the transport
// layer; handlers interpret it according to the message type.
type Message struct {
	Type    MessageType
	Trace   TraceID
	Payload []byte
}

// NewMessage builds a message of the given type with a fresh trace id.
func NewMessage(t MessageType, payload []byte) Message {
	return Message{Type: t, Trace: NewTraceID(), Payload: payload}
}

func (m Message) String() string {
	return fmt.Sprintf("Message{type:%s, trace:%s, payload:%d bytes}", m.Type, m.Trace, len(m.Payload))
}
