package wire

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameCodecRoundTrip(t *testing.T) {
	codec := NewFrameCodec()

	types := []MessageType{
		TypeRegister, TypeDiscover, TypeHeartbeat,
		TypeCall, TypeResponse, TypeEvent,
		TypeStreamOpen, TypeStreamChunk, TypeStreamClose,
		TypeAck, TypeError,
	}

	for _, mt := range types {
		msg := NewMessage(mt, []byte("payload-"+mt.String()))
		frame, err := codec.Encode(msg)
		require.NoError(t, err, mt.String())

		decoded, err := codec.Decode(frame)
		require.NoError(t, err, mt.String())
		assert.Equal(t, msg.Type, decoded.Type)
		assert.Equal(t, msg.Trace, decoded.Trace)
		assert.Equal(t, msg.Payload, decoded.Payload)
	}
}

func TestFrameCodecEmptyPayload(t *testing.T) {
	codec := NewFrameCodec()
	msg := NewMessage(TypeAck, nil)

	frame, err := codec.Encode(msg)
	require.NoError(t, err)

	decoded, err := codec.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, TypeAck, decoded.Type)
	assert.Empty(t, decoded.Payload)
}

func TestFrameCodecChecksumMismatch(t *testing.T) {
	codec := NewFrameCodec()
	frame, err := codec.Encode(NewMessage(TypeCall, []byte("hello")))
	require.NoError(t, err)

	// Flip one payload byte.
	frame[headerLen] ^= 0xFF

	_, err = codec.Decode(frame)
	var cerr *CodecError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, CodecChecksumMismatch, cerr.Kind)
}

func TestFrameCodecUnknownType(t *testing.T) {
	codec := NewFrameCodec()

	// Encoding an undefined tag is rejected outright.
	_, err := codec.Encode(Message{Type: MessageType(0x7F)})
	var cerr *CodecError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, CodecUnknownType, cerr.Kind)

	// A frame whose tag was rewritten in flight with a recomputed checksum
	// is still rejected as an unknown type.
	frame, err := codec.Encode(NewMessage(TypeCall, []byte("x")))
	require.NoError(t, err)
	frame[3] = 0x7F
	sum := crc32.ChecksumIEEE(frame[:len(frame)-trailerLen])
	binary.BigEndian.PutUint32(frame[len(frame)-trailerLen:], sum)

	_, err = codec.Decode(frame)
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, CodecUnknownType, cerr.Kind)
}

func TestFrameCodecTruncatedFrame(t *testing.T) {
	codec := NewFrameCodec()
	frame, err := codec.Encode(NewMessage(TypeCall, []byte("hello world")))
	require.NoError(t, err)

	_, err = codec.Decode(frame[:len(frame)-3])
	var cerr *CodecError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, CodecMalformed, cerr.Kind)
}

func TestFrameCodecPayloadSizeBoundary(t *testing.T) {
	codec := NewFrameCodec()

	// Exactly 16 MiB is accepted.
	max := bytes.Repeat([]byte{0xAB}, MaxPayloadSize)
	frame, err := codec.Encode(NewMessage(TypeCall, max))
	require.NoError(t, err)
	decoded, err := codec.Decode(frame)
	require.NoError(t, err)
	assert.Len(t, decoded.Payload, MaxPayloadSize)

	// One byte more is rejected.
	_, err = codec.Encode(NewMessage(TypeCall, append(max, 0x01)))
	var cerr *CodecError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, CodecOversize, cerr.Kind)
}

func TestErrorBodyRoundTrip(t *testing.T) {
	msg := NewErrorMessage(ErrCodeOverloaded, "queue full")
	body, err := ParseErrorBody(msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, ErrCodeOverloaded, body.Code)
	assert.Equal(t, "queue full", body.Reason)
}

func TestMessageTypeValid(t *testing.T) {
	assert.True(t, TypeCall.Valid())
	assert.True(t, TypeError.Valid())
	assert.False(t, MessageType(0x00).Valid())
	assert.False(t, MessageType(0x7F).Valid())
}
