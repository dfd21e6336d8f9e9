package coordinator

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addr(port int) net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

func TestInsertAndTake(t *testing.T) {
	table := NewTable()
	origin := addr(52957)

	require.NoError(t, table.Insert("x1", origin, "code_review", time.Now().Add(time.Minute)))
	assert.Equal(t, 1, table.Len())

	entry, ok := table.Take("x1")
	require.True(t, ok)
	assert.Equal(t, origin.String(), entry.Origin.String())
	assert.Equal(t, "code_review", entry.Kind)
	assert.Equal(t, 0, table.Len())

	// Take is remove-and-return: a second take finds nothing.
	_, ok = table.Take("x1")
	assert.False(t, ok)
}

func TestInsertDuplicate(t *testing.T) {
	table := NewTable()
	deadline := time.Now().Add(time.Minute)

	require.NoError(t, table.Insert("x1", addr(1000), "debug", deadline))
	err := table.Insert("x1", addr(1001), "debug", deadline)
	assert.ErrorIs(t, err, ErrDuplicate)

	// The original originator mapping is untouched.
	entry, ok := table.Take("x1")
	require.True(t, ok)
	assert.Equal(t, addr(1000).String(), entry.Origin.String())
}

func TestTakeAfterDeadline(t *testing.T) {
	table := NewTable()
	require.NoError(t, table.Insert("x1", addr(1000), "debug", time.Now().Add(-time.Second)))

	// Expired entries are not taken; the sweeper owns them.
	_, ok := table.Take("x1")
	assert.False(t, ok)
	assert.Equal(t, 1, table.Len())
}

func TestSweepRemovesExpiredOnly(t *testing.T) {
	table := NewTable()
	now := time.Now()

	require.NoError(t, table.Insert("expired-1", addr(1000), "debug", now.Add(-time.Second)))
	require.NoError(t, table.Insert("expired-2", addr(1001), "debug", now))
	require.NoError(t, table.Insert("live", addr(1002), "debug", now.Add(time.Minute)))

	expired := table.Sweep(now)
	assert.Len(t, expired, 2)

	ids := map[string]bool{}
	for _, e := range expired {
		ids[e.CorrelationID] = true
	}
	assert.True(t, ids["expired-1"])
	assert.True(t, ids["expired-2"])

	// After a sweep at time t, no entry with deadline <= t remains.
	assert.Equal(t, 1, table.Len())
	_, ok := table.Take("live")
	assert.True(t, ok)
}

func TestLookupKeepsEntry(t *testing.T) {
	table := NewTable()
	require.NoError(t, table.Insert("s1", addr(1000), "code_review", time.Now().Add(time.Minute)))

	_, ok := table.Lookup("s1")
	require.True(t, ok)
	assert.Equal(t, 1, table.Len())

	table.Remove("s1")
	_, ok = table.Lookup("s1")
	assert.False(t, ok)
}
