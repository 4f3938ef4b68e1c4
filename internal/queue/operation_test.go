package queue

import (
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreKey_ByteOrderMatchesDrainOrder(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ops := []Operation{
		{ID: "a", Priority: 1, QueuedAt: base},
		{ID: "b", Priority: 5, QueuedAt: base.Add(time.Second)},
		{ID: "c", Priority: 1, QueuedAt: base.Add(time.Nanosecond)},
		{ID: "d", Priority: -2, QueuedAt: base.Add(-time.Hour)},
		{ID: "e", Priority: 1, QueuedAt: base},
		{ID: "f", Priority: 0, QueuedAt: time.Unix(0, -5)},
	}

	byKey := slices.Clone(ops)
	slices.SortFunc(byKey, func(x, y Operation) int {
		switch kx, ky := x.storeKey(), y.storeKey(); {
		case kx < ky:
			return -1
		case kx > ky:
			return 1
		}
		return 0
	})

	byOrder := slices.Clone(ops)
	slices.SortFunc(byOrder, less)

	assert.Equal(t, byOrder, byKey)
	assert.Equal(t, []string{"b", "a", "e", "c", "f", "d"}, ids(byOrder))
}

func ids(ops []Operation) []string {
	out := make([]string, 0, len(ops))
	for _, op := range ops {
		out = append(out, op.ID)
	}
	return out
}

func TestStubFromKey(t *testing.T) {
	queued := time.Date(2026, 3, 1, 12, 0, 0, 42, time.UTC)
	op := Operation{ID: "0199-abc", Priority: -7, QueuedAt: queued}

	stub := stubFromKey(op.storeKey())
	assert.Equal(t, "0199-abc", stub.ID)
	assert.Equal(t, -7, stub.Priority)
	assert.True(t, queued.Equal(stub.QueuedAt))

	assert.Equal(t, Operation{ID: "garbage"}, stubFromKey("garbage"))
}

func TestOperation_Expired(t *testing.T) {
	now := time.Now()

	assert.False(t, Operation{QueuedAt: now.Add(-time.Hour)}.Expired(now), "no max age never expires")
	assert.False(t, Operation{QueuedAt: now, MaxAge: time.Minute}.Expired(now.Add(time.Minute)))
	assert.True(t, Operation{QueuedAt: now, MaxAge: time.Minute}.Expired(now.Add(time.Minute+1)))
}

func TestDecode_RejectsIncomplete(t *testing.T) {
	_, err := decode([]byte(`{"id":"x"}`))
	require.Error(t, err)

	_, err = decode([]byte(`[]`))
	require.Error(t, err)

	op, err := decode([]byte(`{"id":"x","type":"sync_keys","priority":2}`))
	require.NoError(t, err)
	assert.Equal(t, SyncKeys, op.Type)
	assert.Equal(t, 2, op.Priority)
}
