package queue

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alexjbarnes/keysync/internal/state"
)

// memKV is an in-memory state.KV for timer-driven tests.
type memKV struct {
	mu sync.Mutex
	m  map[string][]byte
}

var _ state.KV = (*memKV)(nil)

func newMemKV() *memKV {
	return &memKV{m: make(map[string][]byte)}
}

func (k *memKV) Put(_ context.Context, key string, value []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.m[key] = append([]byte{}, value...)
	return nil
}

func (k *memKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	v, ok := k.m[key]
	return append([]byte{}, v...), ok, nil
}

func (k *memKV) Delete(_ context.Context, key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.m, key)
	return nil
}

func (k *memKV) Keys(_ context.Context) ([]string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	keys := make([]string, 0, len(k.m))
	for key := range k.m {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys, nil
}

func (k *memKV) len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.m)
}

// flakyKV fails the next failKeys calls to Keys.
type flakyKV struct {
	*memKV
	failKeys atomic.Int32
}

var errStore = errors.New("store unavailable")

func (k *flakyKV) Keys(ctx context.Context) ([]string, error) {
	if k.failKeys.Add(-1) >= 0 {
		return nil, errStore
	}
	k.failKeys.Store(0)
	return k.memKV.Keys(ctx)
}

func testQueue(t *testing.T, kv state.KV, cfg Config) *Queue {
	t.Helper()
	q := New(kv, cfg, slog.New(slog.DiscardHandler))
	t.Cleanup(q.Close)
	return q
}

// failures collects OnFailed deliveries.
type failures struct {
	mu   sync.Mutex
	ops  []Operation
	errs []error
}

func (f *failures) record(op Operation, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, op)
	f.errs = append(f.errs, err)
}

func (f *failures) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ops)
}
