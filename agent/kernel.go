package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/mxpgo-dev/mxpgo/identity"
	"github.com/mxpgo-dev/mxpgo/observability"
	"github.com/mxpgo-dev/mxpgo/transport"
	"github.com/mxpgo-dev/mxpgo/wire"
)

// RegistryHooks is implemented by the registry client. The kernel drives
// it from lifecycle transitions and the heartbeat task.
type RegistryHooks interface {
	Register(ctx context.Context) error
	Heartbeat(ctx context.Context) error
	Deregister(ctx context.Context) error
}

// Sweeper expires pending-table entries. The coordinator implements it;
// the kernel drives it on the sweep cadence.
type Sweeper interface {
	Sweep(now time.Time)
}

// KernelConfig assembles a Kernel.
type KernelConfig struct {
	Manifest identity.Manifest
	// BindAddr is the local datagram address.
	BindAddr string
	// Transport creates the endpoint. Required.
	Transport *transport.Transport
	// Codec encodes and decodes frames. Defaults to the frame codec.
	Codec wire.Codec
	// Handler receives dispatched messages. Required.
	Handler Handler
	// Scheduler bounds concurrent call executions and the inbound queue.
	Scheduler SchedulerConfig
	// HeartbeatInterval defaults to 5s.
	HeartbeatInterval time.Duration
	// SweepInterval defaults to 1s.
	SweepInterval time.Duration
	// DrainDeadline bounds shutdown draining (default 10s).
	DrainDeadline time.Duration
}

// Kernel periodic-task defaults.
const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultSweepInterval     = time.Second
	DefaultDrainDeadline     = 10 * time.Second
)

// ErrNotBound is returned by Start before Bind succeeded.
var ErrNotBound = errors.New("agent: kernel is not bound")

// Kernel wires the lifecycle, scheduler, transport loop, and periodic
// tasks around a message handler. It exclusively owns the state machine
// and the scheduler; the transport handle is shared with senders.
type Kernel struct {
	cfg       KernelConfig
	lifecycle *Lifecycle
	scheduler *Scheduler
	codec     wire.Codec
	handle    *transport.Handle
	responder Responder
	cron      *cron.Cron
	registry  RegistryHooks
	sweeper   Sweeper

	shutdown atomic.Bool
	group    *errgroup.Group
	groupCtx context.Context
	cancel   context.CancelFunc
}

// NewKernel validates the config and builds the kernel in StateInit.
func NewKernel(cfg KernelConfig) (*Kernel, error) {
	if cfg.Transport == nil {
		return nil, errors.New("agent: kernel needs a transport")
	}
	if cfg.Handler == nil {
		return nil, errors.New("agent: kernel needs a handler")
	}
	if cfg.BindAddr == "" {
		return nil, errors.New("agent: kernel needs a bind address")
	}
	if cfg.Codec == nil {
		cfg.Codec = wire.NewFrameCodec()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.DrainDeadline <= 0 {
		cfg.DrainDeadline = DefaultDrainDeadline
	}

	return &Kernel{
		cfg:       cfg,
		lifecycle: NewLifecycle(cfg.Manifest.ID),
		scheduler: NewScheduler(cfg.Scheduler),
		codec:     cfg.Codec,
	}, nil
}

// SetRegistry attaches the registry client. Call before Bind.
func (k *Kernel) SetRegistry(r RegistryHooks) {
	k.registry = r
}

// SetSweeper attaches the pending-table sweeper. Call before Bind.
func (k *Kernel) SetSweeper(s Sweeper) {
	k.sweeper = s
}

// AgentID returns the kernel's agent id.
func (k *Kernel) AgentID() identity.AgentID {
	return k.cfg.Manifest.ID
}

// State returns the current lifecycle state.
func (k *Kernel) State() State {
	return k.lifecycle.State()
}

// Handle returns the bound endpoint, or nil before Bind.
func (k *Kernel) Handle() *transport.Handle {
	return k.handle
}

// Responder returns the reply path over the bound endpoint.
func (k *Kernel) Responder() Responder {
	return k.responder
}

// Bind opens the endpoint, wires the reply path, starts the periodic
// tasks, and moves Init -> Ready. A bind failure leaves the kernel in
// StateInit.
func (k *Kernel) Bind() error {
	handle, err := k.cfg.Transport.Bind(k.cfg.BindAddr)
	if err != nil {
		return err
	}
	k.handle = handle
	k.responder = NewWireResponder(handle, k.codec)

	if _, err := k.lifecycle.Transition(EventBoot); err != nil {
		handle.Close()
		return err
	}

	k.cron = cron.New()
	if _, err := k.cron.AddFunc(fmt.Sprintf("@every %s", k.cfg.HeartbeatInterval), k.heartbeatTick); err != nil {
		handle.Close()
		return fmt.Errorf("agent: schedule heartbeat: %w", err)
	}
	if _, err := k.cron.AddFunc(fmt.Sprintf("@every %s", k.cfg.SweepInterval), k.sweepTick); err != nil {
		handle.Close()
		return fmt.Errorf("agent: schedule sweep: %w", err)
	}
	k.cron.Start()

	log.Printf("agent %s: bound %s", k.AgentID(), handle.LocalAddr())
	return nil
}

// Start moves Ready -> Active and launches the message loop plus the
// initial registration.
func (k *Kernel) Start(ctx context.Context) error {
	if k.handle == nil {
		return ErrNotBound
	}
	if _, err := k.lifecycle.Transition(EventActivate); err != nil {
		return err
	}

	k.groupCtx, k.cancel = context.WithCancel(ctx)
	k.group, k.groupCtx = errgroup.WithContext(k.groupCtx)

	k.group.Go(func() error {
		return k.messageLoop(k.groupCtx)
	})

	if k.registry != nil {
		registry := k.registry
		k.group.Go(func() error {
			if err := registry.Register(k.groupCtx); err != nil {
				log.Printf("agent %s: registration degraded: %v", k.AgentID(), err)
			}
			return nil
		})
	}
	return nil
}

// Suspend pauses workload processing (Active -> Suspended).
func (k *Kernel) Suspend() error {
	_, err := k.lifecycle.Transition(EventSuspend)
	return err
}

// Resume continues after a suspension (Suspended -> Active).
func (k *Kernel) Resume() error {
	_, err := k.lifecycle.Transition(EventResume)
	return err
}

// Shutdown retires the kernel: no new work is accepted, inflight calls
// get up to the drain deadline, then the state reaches Terminated and
// the endpoint closes.
func (k *Kernel) Shutdown(ctx context.Context) error {
	if _, err := k.lifecycle.Transition(EventRetire); err != nil {
		// Already retiring is fine; anything else is a real misuse.
		if k.lifecycle.State() != StateRetiring {
			return err
		}
	}
	k.shutdown.Store(true)

	if k.cron != nil {
		<-k.cron.Stop().Done()
	}

	if k.registry != nil {
		if err := k.registry.Deregister(ctx); err != nil {
			log.Printf("agent %s: deregister: %v", k.AgentID(), err)
		}
	}

	k.scheduler.Close()
	if !k.scheduler.Drain(k.cfg.DrainDeadline) {
		log.Printf("agent %s: drain deadline elapsed with calls still inflight", k.AgentID())
	}

	if _, err := k.lifecycle.Transition(EventTerminate); err != nil {
		return err
	}

	if k.cancel != nil {
		k.cancel()
	}
	if k.handle != nil {
		k.handle.Close()
	}
	if k.group != nil {
		if err := k.group.Wait(); err != nil {
			return err
		}
	}
	log.Printf("agent %s: terminated", k.AgentID())
	return nil
}

func (k *Kernel) heartbeatTick() {
	state := k.lifecycle.State()
	if !state.HeartbeatAllowed() || k.registry == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), k.cfg.HeartbeatInterval)
	defer cancel()
	if err := k.registry.Heartbeat(ctx); err != nil {
		log.Printf("agent %s: heartbeat: %v", k.AgentID(), err)
		return
	}
	observability.RecordHeartbeat()
}

func (k *Kernel) sweepTick() {
	if k.sweeper == nil {
		return
	}
	k.sweeper.Sweep(time.Now())
}

// messageLoop is the single recv-and-dispatch task for the bound handle.
// WouldBlock returns are the cooperative shutdown checkpoints.
func (k *Kernel) messageLoop(ctx context.Context) error {
	buf := make([]byte, 64*1024)
	for {
		if k.shutdown.Load() {
			return nil
		}

		n, peer, err := k.handle.Recv(buf)
		if err != nil {
			switch {
			case errors.Is(err, transport.ErrWouldBlock):
				continue
			case errors.Is(err, transport.ErrClosed):
				return nil
			default:
				if k.shutdown.Load() {
					return nil
				}
				return fmt.Errorf("agent: transport fault: %w", err)
			}
		}

		frame := make([]byte, n)
		copy(frame, buf[:n])

		msg, err := k.codec.Decode(frame)
		if err != nil {
			k.handleDecodeFailure(err, peer)
			continue
		}
		observability.RecordFrame(msg.Type.String())

		if k.lifecycle.State() == StateRetiring && msg.Type == wire.TypeCall {
			k.replyError(peer, wire.ErrCodeRetiring, "agent is retiring")
			continue
		}

		hc := NewHandlerContext(k.AgentID(), msg, peer)
		if err := k.scheduler.Submit(func() { k.dispatch(ctx, hc) }); err != nil {
			if errors.Is(err, ErrOverloaded) {
				observability.RecordOverloadRejection()
				if msg.Type == wire.TypeCall {
					k.replyError(peer, wire.ErrCodeOverloaded, "inbound queue full")
				}
				continue
			}
			// Scheduler closed: retiring, nothing more to accept.
			continue
		}
	}
}

func (k *Kernel) dispatch(ctx context.Context, hc *HandlerContext) {
	if err := Dispatch(ctx, k.cfg.Handler, hc); err != nil {
		var unsupported *UnsupportedTypeError
		if errors.As(err, &unsupported) {
			observability.RecordDroppedFrame("unsupported")
			k.replyError(hc.Peer, wire.ErrCodeUnsupported, unsupported.Error())
			return
		}
		var unknown *UnknownTypeError
		if errors.As(err, &unknown) {
			observability.RecordDroppedFrame("unknown_type")
			k.replyError(hc.Peer, wire.ErrCodeUnknownType, unknown.Error())
			return
		}
		log.Printf("agent %s: handle %s from %s: %v", k.AgentID(), hc.Message.Type, hc.Peer, err)
	}
}

func (k *Kernel) handleDecodeFailure(err error, peer net.Addr) {
	var cerr *wire.CodecError
	reason := "malformed"
	if errors.As(err, &cerr) {
		reason = cerr.Kind.String()
		if cerr.Kind == wire.CodecUnknownType {
			k.replyError(peer, wire.ErrCodeUnknownType, "unknown message type")
		}
	}
	observability.RecordDroppedFrame(reason)
}

func (k *Kernel) replyError(peer net.Addr, code wire.ErrorCode, reason string) {
	if err := k.responder.Send(wire.NewErrorMessage(code, reason), peer); err != nil {
		log.Printf("agent %s: send error frame to %s: %v", k.AgentID(), peer, err)
	}
}
