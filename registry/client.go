// Package registry implements the directory-facing client: registration,
// the heartbeat cadence, and deregistration over the wire. Transient
// failures back off exponentially; persistent failure degrades the
// registry status without stopping the kernel.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mxpgo-dev/mxpgo/identity"
	"github.com/mxpgo-dev/mxpgo/transport"
	"github.com/mxpgo-dev/mxpgo/wire"
)

// Status describes the client's relationship with the directory.
type Status int32

const (
	// StatusUnregistered means no successful registration yet.
	StatusUnregistered Status = iota
	// StatusRegistered means the directory acked the manifest.
	StatusRegistered
	// StatusDegraded means registration keeps failing; local operation
	// continues regardless.
	StatusDegraded
)

func (s Status) String() string {
	switch s {
	case StatusUnregistered:
		return "unregistered"
	case StatusRegistered:
		return "registered"
	case StatusDegraded:
		return "degraded"
	}
	return "unknown"
}

// RegisterBody is the Register frame payload.
type RegisterBody struct {
	AgentID      string   `json:"agent_id"`
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
	Endpoint     string   `json:"endpoint"`
}

// HeartbeatBody is the Heartbeat frame payload. Ceasing marks the final
// heartbeat sent while retiring.
type HeartbeatBody struct {
	AgentID string `json:"agent_id"`
	Ceasing bool   `json:"ceasing,omitempty"`
}

// AckBody is the Ack frame payload from the directory.
type AckBody struct {
	NeedsRegister bool `json:"needs_register,omitempty"`
}

// Config assembles a Client.
type Config struct {
	Manifest identity.Manifest
	// Endpoint is the address advertised for inbound calls.
	Endpoint string
	// Handle is the shared transport endpoint frames go out through.
	Handle *transport.Handle
	// Codec frames the payloads. Defaults to the frame codec.
	Codec wire.Codec
	// Directory is the registry peer address.
	Directory net.Addr
	// InitialBackoff starts the retry ladder (default 500ms).
	InitialBackoff time.Duration
	// MaxBackoff caps the retry ladder (default 30s).
	MaxBackoff time.Duration
	// AckTimeout bounds each register round trip (default 5s).
	AckTimeout time.Duration
	// MaxAttempts bounds Register before the status degrades
	// (default 5).
	MaxAttempts int
}

// Registry client defaults.
const (
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = 30 * time.Second
	DefaultAckTimeout     = 5 * time.Second
	DefaultMaxAttempts    = 5
)

// Client sends Register, Heartbeat, and cessation frames to the
// directory. Ack frames arrive on the agent's endpoint and are fed in
// through HandleAck by the kernel's ack handler.
type Client struct {
	cfg    Config
	codec  wire.Codec
	status atomic.Int32

	mu      sync.Mutex
	waiters []chan AckBody
}

// NewClient validates the config and builds a client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Handle == nil {
		return nil, errors.New("registry: transport handle is required")
	}
	if cfg.Directory == nil {
		return nil, errors.New("registry: directory address is required")
	}
	if cfg.Codec == nil {
		cfg.Codec = wire.NewFrameCodec()
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &Client{cfg: cfg, codec: cfg.Codec}, nil
}

// Status returns the current registry status.
func (c *Client) Status() Status {
	return Status(c.status.Load())
}

// HandleAck ingests an Ack payload received on the agent's endpoint. A
// needs_register directive triggers an immediate re-registration.
func (c *Client) HandleAck(payload []byte) {
	var body AckBody
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &body); err != nil {
			log.Printf("registry: undecodable ack: %v", err)
			return
		}
	}

	c.mu.Lock()
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()

	for _, w := range waiters {
		select {
		case w <- body:
		default:
		}
	}

	if body.NeedsRegister {
		log.Printf("registry: directory requested re-registration")
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.AckTimeout)
			defer cancel()
			if err := c.RegisterOnce(ctx); err != nil {
				log.Printf("registry: re-registration failed: %v", err)
			}
		}()
	}
}

// RegisterOnce sends a single Register frame and waits for the ack.
func (c *Client) RegisterOnce(ctx context.Context) error {
	body, err := json.Marshal(RegisterBody{
		AgentID:      c.cfg.Manifest.ID.String(),
		Name:         c.cfg.Manifest.Name,
		Version:      c.cfg.Manifest.Version,
		Capabilities: c.cfg.Manifest.CapabilityIDs(),
		Endpoint:     c.cfg.Endpoint,
	})
	if err != nil {
		return fmt.Errorf("registry: encode register: %w", err)
	}

	ackCh := make(chan AckBody, 1)
	c.mu.Lock()
	c.waiters = append(c.waiters, ackCh)
	c.mu.Unlock()

	if err := c.send(wire.TypeRegister, body); err != nil {
		return err
	}

	timer := time.NewTimer(c.cfg.AckTimeout)
	defer timer.Stop()
	select {
	case <-ackCh:
		c.status.Store(int32(StatusRegistered))
		log.Printf("registry: agent %s registered with %s", c.cfg.Manifest.Name, c.cfg.Directory)
		return nil
	case <-timer.C:
		return fmt.Errorf("registry: no ack within %s", c.cfg.AckTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Register retries RegisterOnce with bounded exponential backoff and
// jitter. After MaxAttempts failures the status degrades and the last
// error is returned; the kernel keeps running either way.
func (c *Client) Register(ctx context.Context) error {
	backoff := c.cfg.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = c.RegisterOnce(ctx)
		if lastErr == nil {
			return nil
		}
		log.Printf("registry: registration attempt %d failed: %v", attempt, lastErr)

		if attempt == c.cfg.MaxAttempts {
			break
		}

		delay := backoff + time.Duration(rand.Int63n(int64(backoff)/2+1))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}

	c.status.Store(int32(StatusDegraded))
	return fmt.Errorf("registry: degraded after %d attempts: %w", c.cfg.MaxAttempts, lastErr)
}

// Heartbeat emits one liveness frame. The directory's ack (and any
// needs_register directive) arrives asynchronously via HandleAck.
func (c *Client) Heartbeat(_ context.Context) error {
	body, err := json.Marshal(HeartbeatBody{AgentID: c.cfg.Manifest.ID.String()})
	if err != nil {
		return fmt.Errorf("registry: encode heartbeat: %w", err)
	}
	return c.send(wire.TypeHeartbeat, body)
}

// Deregister sends the final heartbeat with the cessation marker.
func (c *Client) Deregister(_ context.Context) error {
	body, err := json.Marshal(HeartbeatBody{
		AgentID: c.cfg.Manifest.ID.String(),
		Ceasing: true,
	})
	if err != nil {
		return fmt.Errorf("registry: encode cessation heartbeat: %w", err)
	}
	if err := c.send(wire.TypeHeartbeat, body); err != nil {
		return err
	}
	c.status.Store(int32(StatusUnregistered))
	return nil
}

func (c *Client) send(msgType wire.MessageType, payload []byte) error {
	frame, err := c.codec.Encode(wire.NewMessage(msgType, payload))
	if err != nil {
		return fmt.Errorf("registry: encode %s frame: %w", msgType, err)
	}
	if _, err := c.cfg.Handle.Send(frame, c.cfg.Directory); err != nil {
		return fmt.Errorf("registry: send %s: %w", msgType, err)
	}
	return nil
}
