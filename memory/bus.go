package memory

import (
	"context"
	"errors"
	"fmt"

	"github.com/mxpgo-dev/mxpgo/audit"
	"github.com/mxpgo-dev/mxpgo/identity"
	"github.com/mxpgo-dev/mxpgo/policy"
)

// ErrRecordDenied is returned when the policy engine rejects a write. The
// record is dropped and an audit event emitted; nothing is stored.
var ErrRecordDenied = errors.New("memory: record denied by policy")

// BusConfig assembles a Bus.
type BusConfig struct {
	AgentID identity.AgentID
	// RingCapacity bounds the volatile ring (DefaultRingCapacity if zero).
	RingCapacity int
	// Journal is required.
	Journal Journal
	// Policy gates every write as a memory-write action. Nil disables
	// gating (everything is recorded).
	Policy policy.Engine
	// Observer receives a drop event, carrying the decision, for each
	// rejected write. Optional.
	Observer audit.Observer
}

// Bus accepts record writes and fans them to the volatile ring and the
// journal. Writes are policy-gated: a record is journaled only when its
// memory-write evaluation allowed it.
type Bus struct {
	agentID  identity.AgentID
	ring     *Ring
	journal  Journal
	policy   policy.Engine
	observer audit.Observer
}

// NewBus validates the config and builds the bus.
func NewBus(cfg BusConfig) (*Bus, error) {
	if cfg.Journal == nil {
		return nil, errors.New("memory: journal is required")
	}
	return &Bus{
		agentID:  cfg.AgentID,
		ring:     NewRing(cfg.RingCapacity),
		journal:  cfg.Journal,
		policy:   cfg.Policy,
		observer: cfg.Observer,
	}, nil
}

// Record gates, then persists one record to the ring and the journal.
func (b *Bus) Record(ctx context.Context, rec *Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	if b.policy != nil {
		req := policy.NewRequest(b.agentID, policy.ActionMemoryWrite, string(rec.Channel))
		for _, tag := range rec.Tags {
			req = req.WithScopes(tag)
		}
		for k, v := range rec.Metadata {
			req = req.WithMetadata(k, v)
		}

		decision, err := b.policy.Evaluate(ctx, req)
		if err != nil {
			return fmt.Errorf("memory: policy evaluation: %w", err)
		}
		if !decision.IsAllow() {
			b.emitDrop(rec, decision)
			return fmt.Errorf("%w: %s", ErrRecordDenied, decision.Reason)
		}
	}

	b.ring.Push(rec)
	if err := b.journal.Append(ctx, rec); err != nil {
		return fmt.Errorf("memory: journal append: %w", err)
	}
	return nil
}

func (b *Bus) emitDrop(rec *Record, decision policy.Decision) {
	if b.observer == nil {
		return
	}
	ev := audit.NewEvent(audit.KindMemoryDrop, b.agentID, string(rec.Channel)).
		WithDecision(decision).
		WithMetadata("record_id", rec.ID.String())
	_ = b.observer.Observe(ev)
}

// Recent returns up to limit records from the volatile ring, most recent
// first.
func (b *Bus) Recent(limit int) []*Record {
	return b.ring.Snapshot(limit)
}

// JournalTail reads the last limit records from the journal.
func (b *Bus) JournalTail(ctx context.Context, limit int) ([]*Record, error) {
	return b.journal.Tail(ctx, limit)
}

// Ring exposes the volatile store for read-only consumers.
func (b *Bus) Ring() *Ring {
	return b.ring
}
