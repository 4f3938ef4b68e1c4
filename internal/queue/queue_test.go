package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	errs "github.com/alexjbarnes/keysync/internal/errors"
	"github.com/alexjbarnes/keysync/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("directory unavailable")

// --- Enqueue ---

func TestEnqueue_PersistsOperation(t *testing.T) {
	kv := newMemKV()
	q := testQueue(t, kv, Config{})
	ctx := context.Background()

	op, err := q.Enqueue(ctx, UploadKeys, map[string]any{"user_id": "alice"}, EnqueueOptions{Priority: 10})
	require.NoError(t, err)

	assert.NotEmpty(t, op.ID)
	assert.Equal(t, UploadKeys, op.Type)
	assert.Equal(t, 10, op.Priority)
	assert.Equal(t, 0, op.Attempts)
	assert.False(t, op.QueuedAt.IsZero())
	assert.Equal(t, 1, kv.len())

	st, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Size)
	assert.Equal(t, map[OperationType]int{UploadKeys: 1}, st.ByType)
	assert.True(t, op.QueuedAt.Equal(st.Oldest))
}

func TestEnqueue_Validation(t *testing.T) {
	q := testQueue(t, newMemKV(), Config{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "", nil, EnqueueOptions{})
	require.Error(t, err)

	_, err = q.Enqueue(ctx, SyncKeys, nil, EnqueueOptions{MaxAge: -time.Second})
	require.Error(t, err)
}

func TestEnqueue_QueueFull(t *testing.T) {
	q := testQueue(t, newMemKV(), Config{MaxSize: 2})
	ctx := context.Background()

	for range 2 {
		_, err := q.Enqueue(ctx, SyncKeys, nil, EnqueueOptions{})
		require.NoError(t, err)
	}

	_, err := q.Enqueue(ctx, SyncKeys, nil, EnqueueOptions{})
	require.ErrorIs(t, err, errs.ErrQueueFull)
}

func TestEnqueue_AfterClose(t *testing.T) {
	q := testQueue(t, newMemKV(), Config{})
	q.Close()
	q.Close()

	_, err := q.Enqueue(context.Background(), SyncKeys, nil, EnqueueOptions{})
	require.ErrorIs(t, err, errs.ErrClosed)

	_, err = q.Process(context.Background())
	require.ErrorIs(t, err, errs.ErrClosed)
}

// --- Process ---

func TestProcess_PriorityThenFIFO(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		q := testQueue(t, newMemKV(), Config{})
		ctx := context.Background()

		var order []string
		q.Register(UploadMessage, func(_ context.Context, op Operation) error {
			name, _ := op.PayloadString("name")
			order = append(order, name)
			return nil
		})

		for _, e := range []struct {
			name     string
			priority int
		}{{"A", 1}, {"B", 5}, {"C", 1}} {
			_, err := q.Enqueue(ctx, UploadMessage, map[string]any{"name": e.name}, EnqueueOptions{Priority: e.priority})
			require.NoError(t, err)
			time.Sleep(time.Millisecond)
		}

		res, err := q.Process(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"B", "A", "C"}, order)
		assert.Equal(t, DrainResult{Processed: 3}, res)

		q.Close()
	})
}

func TestProcess_NegativePriorityDrainsLast(t *testing.T) {
	q := testQueue(t, newMemKV(), Config{})
	ctx := context.Background()

	var order []int
	q.Register(SyncKeys, func(_ context.Context, op Operation) error {
		order = append(order, op.Priority)
		return nil
	})

	for _, p := range []int{-3, 0, 7, -1} {
		_, err := q.Enqueue(ctx, SyncKeys, nil, EnqueueOptions{Priority: p})
		require.NoError(t, err)
	}

	_, err := q.Process(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{7, 0, -1, -3}, order)
}

func TestProcess_SkipsExpired(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		q := testQueue(t, newMemKV(), Config{})
		ctx := context.Background()

		var ran atomic.Int32
		q.Register(FetchUserKeys, func(context.Context, Operation) error {
			ran.Add(1)
			return nil
		})

		_, err := q.Enqueue(ctx, FetchUserKeys, nil, EnqueueOptions{MaxAge: time.Second})
		require.NoError(t, err)
		_, err = q.Enqueue(ctx, FetchUserKeys, nil, EnqueueOptions{})
		require.NoError(t, err)

		time.Sleep(2 * time.Second)

		res, err := q.Process(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Expired)
		assert.Equal(t, 1, res.Processed)
		assert.Equal(t, int32(1), ran.Load())

		st, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, st.Size)
		assert.Equal(t, 1, st.TotalExpired)
		assert.Equal(t, 1, st.TotalProcessed)

		q.Close()
	})
}

func TestProcess_RetriesWithBackoffThenFailsOnce(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		kv := newMemKV()
		q := testQueue(t, kv, Config{MaxRetryAttempts: 5, BaseBackoff: time.Minute})
		ctx := context.Background()

		var (
			mu    sync.Mutex
			calls []time.Time
		)
		q.Register(UploadKeys, func(context.Context, Operation) error {
			mu.Lock()
			calls = append(calls, time.Now())
			mu.Unlock()
			return errFlaky
		})

		fails := &failures{}
		q.OnFailed(fails.record)

		_, err := q.Enqueue(ctx, UploadKeys, nil, EnqueueOptions{})
		require.NoError(t, err)

		start := time.Now()
		res, err := q.Process(ctx)
		require.NoError(t, err)
		assert.Equal(t, DrainResult{Retried: 1, Remaining: 1}, res)

		st, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, st.RetryRound)
		assert.True(t, start.Add(time.Minute).Equal(st.NextRetry))

		time.Sleep(time.Hour)
		synctest.Wait()

		mu.Lock()
		defer mu.Unlock()
		require.Len(t, calls, 5)

		// 1, 2, 4 and 8 minutes between attempts.
		for i, want := range []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute, 8 * time.Minute} {
			assert.Equal(t, want, calls[i+1].Sub(calls[i]), "gap before attempt %d", i+2)
		}

		require.Equal(t, 1, fails.count())
		assert.Equal(t, 5, fails.ops[0].Attempts)
		assert.Equal(t, errFlaky.Error(), fails.ops[0].LastError)
		assert.ErrorIs(t, fails.errs[0], errs.ErrRetriesExhausted)
		assert.ErrorIs(t, fails.errs[0], errFlaky)
		assert.Equal(t, 0, kv.len())

		st, err = q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, st.RetryRound)
		assert.True(t, st.NextRetry.IsZero())
		assert.Equal(t, 1, st.TotalFailed)

		q.Close()
	})
}

func TestProcess_RetryRoundResetsOnEmptyDrain(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		q := testQueue(t, newMemKV(), Config{BaseBackoff: time.Minute})
		ctx := context.Background()

		var calls atomic.Int32
		q.Register(SyncKeys, func(context.Context, Operation) error {
			if calls.Add(1) == 1 {
				return errFlaky
			}
			return nil
		})

		var processed atomic.Int32
		q.OnProcessed(func(Operation) { processed.Add(1) })

		_, err := q.Enqueue(ctx, SyncKeys, nil, EnqueueOptions{})
		require.NoError(t, err)

		_, err = q.Process(ctx)
		require.NoError(t, err)

		time.Sleep(time.Minute + time.Second)
		synctest.Wait()

		assert.Equal(t, int32(2), calls.Load())
		assert.Equal(t, int32(1), processed.Load())

		st, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, st.RetryRound)
		assert.Equal(t, 0, st.Size)

		q.Close()
	})
}

func TestProcess_StoreErrorKeepsRetrying(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		kv := &flakyKV{memKV: newMemKV()}
		q := testQueue(t, kv, Config{BaseBackoff: time.Minute})
		ctx := context.Background()

		var calls atomic.Int32
		q.Register(UploadKeys, func(context.Context, Operation) error {
			if calls.Add(1) == 1 {
				return errFlaky
			}
			return nil
		})

		_, err := q.Enqueue(ctx, UploadKeys, nil, EnqueueOptions{})
		require.NoError(t, err)

		_, err = q.Process(ctx)
		require.NoError(t, err)

		// The retry at one minute cannot list the store.
		kv.failKeys.Store(1)
		time.Sleep(time.Minute + time.Second)
		synctest.Wait()

		assert.Equal(t, int32(1), calls.Load())
		st, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, st.RetryRound)
		assert.False(t, st.NextRetry.IsZero(), "a failed listing must schedule the next round")

		time.Sleep(24 * time.Hour)
		synctest.Wait()

		assert.Equal(t, int32(2), calls.Load())
		assert.Equal(t, 0, kv.len())

		q.Close()
	})
}

func TestProcess_PermanentErrorDeadLettersImmediately(t *testing.T) {
	q := testQueue(t, newMemKV(), Config{})
	ctx := context.Background()

	q.Register(DeleteKeys, func(context.Context, Operation) error {
		return fmt.Errorf("rejected: %w", errs.ErrPermanent)
	})

	fails := &failures{}
	q.OnFailed(fails.record)

	_, err := q.Enqueue(ctx, DeleteKeys, nil, EnqueueOptions{})
	require.NoError(t, err)

	res, err := q.Process(ctx)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Failed: 1}, res)
	require.Equal(t, 1, fails.count())
	assert.Equal(t, 1, fails.ops[0].Attempts)
	assert.ErrorIs(t, fails.errs[0], errs.ErrPermanent)
}

func TestProcess_MissingHandlerIsPermanent(t *testing.T) {
	q := testQueue(t, newMemKV(), Config{})
	ctx := context.Background()

	fails := &failures{}
	q.OnFailed(fails.record)

	_, err := q.Enqueue(ctx, "rotate_prekeys", nil, EnqueueOptions{})
	require.NoError(t, err)

	res, err := q.Process(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	require.Equal(t, 1, fails.count())
	assert.ErrorIs(t, fails.errs[0], errs.ErrNoHandler)
	assert.False(t, errs.IsTransient(fails.errs[0]))
}

func TestProcess_MalformedRecordDeletedAndReported(t *testing.T) {
	kv := newMemKV()
	q := testQueue(t, kv, Config{})
	ctx := context.Background()

	good, err := q.Enqueue(ctx, SyncKeys, nil, EnqueueOptions{})
	require.NoError(t, err)
	q.Register(SyncKeys, func(context.Context, Operation) error { return nil })

	badKey := Operation{ID: "broken", Priority: 3, QueuedAt: time.Unix(5, 0)}.storeKey()
	require.NoError(t, kv.Put(ctx, badKey, []byte("{not json")))

	fails := &failures{}
	q.OnFailed(fails.record)

	var processed []string
	q.OnProcessed(func(op Operation) { processed = append(processed, op.ID) })

	res, err := q.Process(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, []string{good.ID}, processed)

	require.Equal(t, 1, fails.count())
	assert.ErrorIs(t, fails.errs[0], errs.ErrMalformedRecord)
	assert.Equal(t, "broken", fails.ops[0].ID)
	assert.Equal(t, 3, fails.ops[0].Priority)
	assert.Equal(t, 0, kv.len())
}

func TestProcess_ConcurrentDrainRejected(t *testing.T) {
	q := testQueue(t, newMemKV(), Config{})
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	q.Register(SyncKeys, func(context.Context, Operation) error {
		close(entered)
		<-release
		return nil
	})

	_, err := q.Enqueue(ctx, SyncKeys, nil, EnqueueOptions{})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := q.Process(ctx)
		done <- err
	}()

	<-entered

	st, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.True(t, st.Processing)

	_, err = q.Process(ctx)
	require.ErrorIs(t, err, errs.ErrDrainInProgress)

	close(release)
	require.NoError(t, <-done)
}

func TestProcess_OperationTimeout(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		kv := newMemKV()
		q := testQueue(t, kv, Config{OperationTimeout: 30 * time.Second})
		ctx := context.Background()

		q.Register(UploadKeys, func(ctx context.Context, _ Operation) error {
			<-ctx.Done()
			return ctx.Err()
		})

		_, err := q.Enqueue(ctx, UploadKeys, nil, EnqueueOptions{})
		require.NoError(t, err)

		start := time.Now()
		res, err := q.Process(ctx)
		require.NoError(t, err)
		assert.Equal(t, 30*time.Second, time.Since(start))
		assert.Equal(t, 1, res.Retried)

		keys, err := kv.Keys(ctx)
		require.NoError(t, err)
		require.Len(t, keys, 1)
		data, _, err := kv.Get(ctx, keys[0])
		require.NoError(t, err)
		op, err := decode(data)
		require.NoError(t, err)
		assert.Equal(t, 1, op.Attempts)
		assert.Contains(t, op.LastError, errs.ErrTimeout.Error())

		q.Close()
	})
}

func TestProcess_HandlerPanicCountsAsFailure(t *testing.T) {
	q := testQueue(t, newMemKV(), Config{})
	ctx := context.Background()

	q.Register(SyncKeys, func(context.Context, Operation) error { panic("nil bundle") })

	_, err := q.Enqueue(ctx, SyncKeys, nil, EnqueueOptions{})
	require.NoError(t, err)

	res, err := q.Process(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)
}

// --- CleanupExpired / Clear ---

func TestCleanupExpired(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		q := testQueue(t, newMemKV(), Config{})
		ctx := context.Background()

		for _, age := range []time.Duration{time.Second, time.Minute, 0} {
			_, err := q.Enqueue(ctx, SyncKeys, nil, EnqueueOptions{MaxAge: age})
			require.NoError(t, err)
		}

		time.Sleep(10 * time.Second)

		n, err := q.CleanupExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		st, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, st.Size)
		assert.Equal(t, 1, st.TotalExpired)

		q.Close()
	})
}

func TestClear_RemovesAllAndCancelsRetry(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		kv := newMemKV()
		q := testQueue(t, kv, Config{BaseBackoff: time.Minute})
		ctx := context.Background()

		var calls atomic.Int32
		q.Register(SyncKeys, func(context.Context, Operation) error {
			calls.Add(1)
			return errFlaky
		})

		for range 3 {
			_, err := q.Enqueue(ctx, SyncKeys, nil, EnqueueOptions{})
			require.NoError(t, err)
		}

		_, err := q.Process(ctx)
		require.NoError(t, err)
		assert.Equal(t, int32(3), calls.Load())

		require.NoError(t, q.Clear(ctx))
		assert.Equal(t, 0, kv.len())

		time.Sleep(time.Hour)
		synctest.Wait()
		assert.Equal(t, int32(3), calls.Load())

		st, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, st.RetryRound)
		assert.True(t, st.NextRetry.IsZero())

		q.Close()
	})
}

// --- persistence ---

func TestQueue_SurvivesRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	s1, err := state.LoadAt(dbPath)
	require.NoError(t, err)
	kv1, err := s1.Bucket("queue:alice")
	require.NoError(t, err)

	q1 := New(kv1, Config{}, slog.New(slog.DiscardHandler))
	want, err := q1.Enqueue(ctx, UploadKeys, map[string]any{"key_type": "identity", "version": 3}, EnqueueOptions{Priority: 10})
	require.NoError(t, err)
	q1.Close()
	require.NoError(t, s1.Close())

	s2, err := state.LoadAt(dbPath)
	require.NoError(t, err)
	defer s2.Close()
	kv2, err := s2.Bucket("queue:alice")
	require.NoError(t, err)

	q2 := testQueue(t, kv2, Config{})

	var got Operation
	q2.Register(UploadKeys, func(_ context.Context, op Operation) error {
		got = op
		return nil
	})

	res, err := q2.Process(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)

	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.Priority, got.Priority)
	assert.True(t, want.QueuedAt.Equal(got.QueuedAt))
	assert.Equal(t, "identity", got.Payload["key_type"])
	assert.Equal(t, float64(3), got.Payload["version"])
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	q := testQueue(t, newMemKV(), Config{})
	ctx := context.Background()
	q.Register(SyncKeys, func(context.Context, Operation) error { return nil })

	var n atomic.Int32
	unsubscribe := q.OnProcessed(func(Operation) { n.Add(1) })

	_, err := q.Enqueue(ctx, SyncKeys, nil, EnqueueOptions{})
	require.NoError(t, err)
	_, err = q.Process(ctx)
	require.NoError(t, err)

	unsubscribe()

	_, err = q.Enqueue(ctx, SyncKeys, nil, EnqueueOptions{})
	require.NoError(t, err)
	_, err = q.Process(ctx)
	require.NoError(t, err)

	assert.Equal(t, int32(1), n.Load())
}
