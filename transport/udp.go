// Package transport provides the datagram endpoint the kernel sends and
// receives MXP frames through. The wire is unreliable by design; request
// timeouts, not retransmission, are the recovery primitive.
package transport

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/mxpgo-dev/mxpgo/wire"
)

var (
	// ErrWouldBlock is returned by Recv when the read timeout elapses with
	// no frame. It is a normal condition, not a fault: callers re-enter
	// their loop (and check the shutdown flag) without logging an error.
	ErrWouldBlock = errors.New("transport: recv would block")

	// ErrPayloadTooLarge is returned by Send for payloads above the 16 MiB cap.
	ErrPayloadTooLarge = errors.New("transport: payload too large")

	// ErrClosed is returned once the handle has been closed.
	ErrClosed = errors.New("transport: handle closed")
)

// Config controls endpoint behavior.
type Config struct {
	// ReadTimeout bounds each Recv. Zero or negative blocks indefinitely,
	// which prevents cooperative shutdown and is not recommended.
	ReadTimeout time.Duration
}

// DefaultReadTimeout is the recommended read timeout. New does not apply
// it: a zero ReadTimeout blocks indefinitely.
const DefaultReadTimeout = 30 * time.Second

// Transport binds local UDP endpoints.
type Transport struct {
	cfg Config
}

// New creates a transport with the supplied configuration.
func New(cfg Config) *Transport {
	return &Transport{cfg: cfg}
}

// Bind opens a datagram socket on the local address.
func (t *Transport) Bind(localAddr string) (*Handle, error) {
	addr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %s: %w", localAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: bind %s: %w", localAddr, err)
	}
	return &Handle{conn: conn, readTimeout: t.cfg.ReadTimeout}, nil
}

// Handle is a bound datagram endpoint. A single Handle may be shared by
// multiple sender goroutines; Recv is intended for one dispatcher
// goroutine only.
type Handle struct {
	conn        *net.UDPConn
	readTimeout time.Duration
}

// LocalAddr returns the bound address.
func (h *Handle) LocalAddr() net.Addr {
	return h.conn.LocalAddr()
}

// Send writes one datagram to the peer. Payloads above wire.MaxPayloadSize
// fail with ErrPayloadTooLarge before any bytes hit the socket.
func (h *Handle) Send(b []byte, peer net.Addr) (int, error) {
	if len(b) > wire.MaxPayloadSize {
		return 0, ErrPayloadTooLarge
	}
	n, err := h.conn.WriteTo(b, peer)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return n, ErrClosed
		}
		return n, fmt.Errorf("transport: send to %s: %w", peer, err)
	}
	return n, nil
}

// Recv blocks for the next datagram, up to the configured read timeout.
// An elapsed timeout surfaces as ErrWouldBlock so the caller can re-enter
// its loop without treating it as a fault.
func (h *Handle) Recv(buf []byte) (int, net.Addr, error) {
	if h.readTimeout > 0 {
		if err := h.conn.SetReadDeadline(time.Now().Add(h.readTimeout)); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return 0, nil, ErrClosed
			}
			return 0, nil, fmt.Errorf("transport: set read deadline: %w", err)
		}
	}
	n, peer, err := h.conn.ReadFrom(buf)
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return 0, nil, ErrWouldBlock
		}
		if errors.Is(err, net.ErrClosed) {
			return 0, nil, ErrClosed
		}
		return 0, nil, fmt.Errorf("transport: recv: %w", err)
	}
	return n, peer, nil
}

// Close releases the socket. Any blocked Recv returns ErrClosed.
func (h *Handle) Close() error {
	return h.conn.Close()
}
