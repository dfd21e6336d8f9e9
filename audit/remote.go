package audit

import (
	"encoding/json"
	"fmt"
	"net"

	"github.com/mxpgo-dev/mxpgo/transport"
	"github.com/mxpgo-dev/mxpgo/wire"
)

// RemoteSink encodes each event as an Event frame and sends it to the
// configured governance peer. Network errors surface to the fan-out,
// which logs them; there is no retry queue.
type RemoteSink struct {
	handle *transport.Handle
	codec  wire.Codec
	peer   net.Addr
}

// NewRemoteSink builds a sink over the shared transport handle.
func NewRemoteSink(handle *transport.Handle, codec wire.Codec, peer net.Addr) *RemoteSink {
	return &RemoteSink{handle: handle, codec: codec, peer: peer}
}

// Observe sends the event to the governance peer.
func (s *RemoteSink) Observe(ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("audit: encode event: %w", err)
	}
	frame, err := s.codec.Encode(wire.NewMessage(wire.TypeEvent, payload))
	if err != nil {
		return fmt.Errorf("audit: encode frame: %w", err)
	}
	if _, err := s.handle.Send(frame, s.peer); err != nil {
		return fmt.Errorf("audit: send to governance peer %s: %w", s.peer, err)
	}
	return nil
}
