package memory

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mxpgo-dev/mxpgo/audit"
	"github.com/mxpgo-dev/mxpgo/identity"
	"github.com/mxpgo-dev/mxpgo/policy"
)

func TestRingEvictsOldest(t *testing.T) {
	ring := NewRing(2)
	ring.Push(NewRecord(ChannelInput, []byte("one")))
	ring.Push(NewRecord(ChannelInput, []byte("two")))
	ring.Push(NewRecord(ChannelInput, []byte("three")))

	snap := ring.Snapshot(10)
	require.Len(t, snap, 2)
	// Most recent first.
	assert.Equal(t, []byte("three"), snap[0].Payload)
	assert.Equal(t, []byte("two"), snap[1].Payload)
}

func TestRingSnapshotLimit(t *testing.T) {
	ring := NewRing(8)
	for i := 0; i < 5; i++ {
		ring.Push(NewRecord(ChannelOutput, []byte{byte(i)}))
	}

	snap := ring.Snapshot(3)
	require.Len(t, snap, 3)
	assert.Equal(t, []byte{4}, snap[0].Payload)
	assert.Equal(t, 5, ring.Len())
}

func TestFileJournalRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")
	journal, err := OpenFileJournal(path)
	require.NoError(t, err)
	defer journal.Close()

	ctx := context.Background()
	for _, content := range []string{"one", "two", "three"} {
		require.NoError(t, journal.Append(ctx, NewRecord(ChannelInput, []byte(content))))
	}

	tail, err := journal.Tail(ctx, 2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, []byte("two"), tail[0].Payload)
	assert.Equal(t, []byte("three"), tail[1].Payload)

	require.NoError(t, journal.Clear(ctx))
	tail, err = journal.Tail(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, tail)
}

func TestRedisJournal(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	journal := NewRedisJournal(client, "test:journal")

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		rec := NewRecord(ChannelTool, fmt.Appendf(nil, "result-%d", i))
		require.NoError(t, journal.Append(ctx, rec))
	}

	tail, err := journal.Tail(ctx, 2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, []byte("result-2"), tail[0].Payload)
	assert.Equal(t, []byte("result-3"), tail[1].Payload)

	require.NoError(t, journal.Clear(ctx))
	tail, err = journal.Tail(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, tail)
}

type recordingSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *recordingSink) Observe(ev audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func newTestBus(t *testing.T, engine policy.Engine, observer audit.Observer) *Bus {
	t.Helper()
	journal, err := OpenFileJournal(filepath.Join(t.TempDir(), "journal.log"))
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })

	bus, err := NewBus(BusConfig{
		AgentID:      identity.NewAgentID(),
		RingCapacity: 8,
		Journal:      journal,
		Policy:       engine,
		Observer:     observer,
	})
	require.NoError(t, err)
	return bus
}

func TestBusRecordsOnAllow(t *testing.T) {
	engine := policy.NewRuleEngine(policy.EngineConfig{DefaultDecision: policy.Allow()})
	bus := newTestBus(t, engine, nil)

	ctx := context.Background()
	rec := NewRecord(ChannelInput, []byte("hello")).WithTag("call")
	require.NoError(t, bus.Record(ctx, rec))

	recent := bus.Recent(1)
	require.Len(t, recent, 1)
	assert.Equal(t, []byte("hello"), recent[0].Payload)

	tail, err := bus.JournalTail(ctx, 1)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, rec.ID, tail[0].ID)
}

func TestBusDropsOnDeny(t *testing.T) {
	rule, err := policy.NewRule("no-memory",
		policy.Matcher{Action: policy.ActionMemoryWrite},
		policy.Deny("memory recording disabled"))
	require.NoError(t, err)
	engine := policy.NewRuleEngine(policy.EngineConfig{DefaultDecision: policy.Allow()}, rule)

	sink := &recordingSink{}
	bus := newTestBus(t, engine, sink)

	ctx := context.Background()
	err = bus.Record(ctx, NewRecord(ChannelOutput, []byte("secret")))
	require.ErrorIs(t, err, ErrRecordDenied)

	// Nothing journaled, nothing in the ring.
	assert.Empty(t, bus.Recent(10))
	tail, err := bus.JournalTail(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, tail)

	// A drop event reached the observer.
	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.events, 1)
	assert.Equal(t, audit.KindMemoryDrop, sink.events[0].Kind)
	require.NotNil(t, sink.events[0].Decision)
	assert.True(t, sink.events[0].Decision.IsDeny())
}

func TestBusJournaledImpliesAllowed(t *testing.T) {
	// Only input-channel writes are allowed; everything else is denied.
	rule, err := policy.NewRule("input-only",
		policy.Matcher{Action: policy.ActionMemoryWrite, Subject: string(ChannelInput)},
		policy.Allow())
	require.NoError(t, err)
	engine := policy.NewRuleEngine(policy.EngineConfig{DefaultDecision: policy.Deny("channel blocked")}, rule)

	bus := newTestBus(t, engine, nil)
	ctx := context.Background()

	require.NoError(t, bus.Record(ctx, NewRecord(ChannelInput, []byte("in"))))
	require.ErrorIs(t, bus.Record(ctx, NewRecord(ChannelOutput, []byte("out"))), ErrRecordDenied)
	require.ErrorIs(t, bus.Record(ctx, NewRecord(ChannelTool, []byte("tool"))), ErrRecordDenied)

	tail, err := bus.JournalTail(ctx, 10)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, ChannelInput, tail[0].Channel)
}

func TestRecordValidation(t *testing.T) {
	rec := NewRecord(ChannelInput, []byte("x")).WithTag("  ")
	assert.ErrorIs(t, rec.Validate(), ErrInvalidRecord)

	rec = &Record{Payload: []byte("x")}
	assert.ErrorIs(t, rec.Validate(), ErrInvalidRecord)
}
