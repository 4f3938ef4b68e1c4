// Package queue persists operations that could not run while offline and
// replays them later in priority order with bounded exponential retry.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	errs "github.com/alexjbarnes/keysync/internal/errors"
	"github.com/alexjbarnes/keysync/internal/observer"
	"github.com/alexjbarnes/keysync/internal/schedule"
	"github.com/alexjbarnes/keysync/internal/state"
	"github.com/google/uuid"
)

const (
	DefaultMaxRetryAttempts = 5
	DefaultBaseBackoff      = time.Minute
	DefaultOperationTimeout = 30 * time.Second
	DefaultMaxSize          = 1000
)

// Handler executes one operation. Returning an error wrapping
// errs.ErrPermanent dead-letters the operation without further retries.
type Handler func(ctx context.Context, op Operation) error

// Config tunes retry and capacity. Zero values take the defaults.
type Config struct {
	MaxRetryAttempts int
	BaseBackoff      time.Duration
	OperationTimeout time.Duration
	MaxSize          int
}

func (c Config) withDefaults() Config {
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = DefaultMaxRetryAttempts
	}

	if c.BaseBackoff <= 0 {
		c.BaseBackoff = DefaultBaseBackoff
	}

	if c.OperationTimeout <= 0 {
		c.OperationTimeout = DefaultOperationTimeout
	}

	if c.MaxSize <= 0 {
		c.MaxSize = DefaultMaxSize
	}

	return c
}

// EnqueueOptions are per-operation settings.
type EnqueueOptions struct {
	Priority int
	// MaxAge discards the operation unexecuted once exceeded. Zero
	// disables expiry.
	MaxAge time.Duration
}

// DrainResult summarizes one Process call.
type DrainResult struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	Retried   int `json:"retried"`
	Expired   int `json:"expired"`
	Remaining int `json:"remaining"`
}

// Stats is a snapshot of the queue.
type Stats struct {
	Size           int                   `json:"size"`
	ByType         map[OperationType]int `json:"by_type"`
	Oldest         time.Time             `json:"oldest,omitempty"`
	RetryRound     int                   `json:"retry_round"`
	NextRetry      time.Time             `json:"next_retry,omitempty"`
	Processing     bool                  `json:"processing"`
	TotalProcessed int                   `json:"total_processed"`
	TotalFailed    int                   `json:"total_failed"`
	TotalExpired   int                   `json:"total_expired"`
}

// entry pairs a decoded operation with the key it was read from.
type entry struct {
	key string
	op  Operation
}

// Queue is a durable priority queue over a state.KV. One Queue instance
// must own a given KV namespace.
type Queue struct {
	kv     state.KV
	cfg    Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// storeMu serializes mutations that must see a consistent store: the
	// size check in Enqueue, Clear, and retry bookkeeping during a drain.
	storeMu sync.Mutex
	drainMu sync.Mutex

	mu         sync.Mutex
	handlers   map[OperationType]Handler
	retryRound int
	retryTask  *schedule.Task
	nextRetry  time.Time
	processing bool
	closed     bool
	processed  int
	failed     int
	expired    int

	onProcessed observer.List[func(Operation)]
	onFailed    observer.List[func(Operation, error)]
}

// New creates a Queue over kv. Operations already in kv are picked up by
// the next Process call.
func New(kv state.KV, cfg Config, logger *slog.Logger) *Queue {
	ctx, cancel := context.WithCancel(context.Background())

	return &Queue{
		kv:       kv,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[OperationType]Handler),
	}
}

// Register sets the handler for an operation type, replacing any
// previous one.
func (q *Queue) Register(t OperationType, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.handlers[t] = h
}

// OnProcessed registers fn to run after each successful operation.
func (q *Queue) OnProcessed(fn func(Operation)) (unsubscribe func()) {
	return q.onProcessed.Add(fn)
}

// OnFailed registers fn to run when an operation is dropped without
// succeeding: retries exhausted, a permanent error, a missing handler, or
// an undecodable record.
func (q *Queue) OnFailed(fn func(Operation, error)) (unsubscribe func()) {
	return q.onFailed.Add(fn)
}

// Enqueue persists a new operation. The write is durable when Enqueue
// returns without error.
func (q *Queue) Enqueue(ctx context.Context, t OperationType, payload map[string]any, opts EnqueueOptions) (Operation, error) {
	if t == "" {
		return Operation{}, fmt.Errorf("operation type is required")
	}

	if opts.MaxAge < 0 {
		return Operation{}, fmt.Errorf("max age must not be negative")
	}

	if q.isClosed() {
		return Operation{}, errs.ErrClosed
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Operation{}, fmt.Errorf("generating operation id: %w", err)
	}

	op := Operation{
		ID:       id.String(),
		Type:     t,
		Payload:  payload,
		Priority: opts.Priority,
		QueuedAt: time.Now().UTC(),
		MaxAge:   opts.MaxAge,
	}

	data, err := encode(op)
	if err != nil {
		return Operation{}, err
	}

	q.storeMu.Lock()
	defer q.storeMu.Unlock()

	keys, err := q.kv.Keys(ctx)
	if err != nil {
		return Operation{}, fmt.Errorf("counting queued operations: %w", err)
	}

	if len(keys) >= q.cfg.MaxSize {
		return Operation{}, fmt.Errorf("%w: %d operations", errs.ErrQueueFull, len(keys))
	}

	if err := q.kv.Put(ctx, op.storeKey(), data); err != nil {
		return Operation{}, fmt.Errorf("persisting operation %s: %w", op.ID, err)
	}

	q.logger.Debug("operation queued",
		slog.String("id", op.ID),
		slog.String("type", string(op.Type)),
		slog.Int("priority", op.Priority),
	)

	return op, nil
}

// Process drains every eligible operation once. Only one drain runs at a
// time per Queue; a concurrent call returns errs.ErrDrainInProgress.
// Operations that fail transiently stay queued and a whole-queue retry is
// scheduled with exponential backoff.
func (q *Queue) Process(ctx context.Context) (DrainResult, error) {
	if !q.drainMu.TryLock() {
		return DrainResult{}, errs.ErrDrainInProgress
	}
	defer q.drainMu.Unlock()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return DrainResult{}, errs.ErrClosed
	}
	q.processing = true
	pending := q.retryTask
	q.retryTask = nil
	q.nextRetry = time.Time{}
	q.mu.Unlock()

	// A drain supersedes any scheduled retry; a new one is scheduled below
	// if work remains.
	pending.Cancel()

	defer func() {
		q.mu.Lock()
		q.processing = false
		q.mu.Unlock()
	}()

	entries, err := q.load(ctx)
	if err != nil {
		// The store may still hold work, so the backoff chain continues.
		q.scheduleRetry(1)
		return DrainResult{}, err
	}

	var res DrainResult

	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}

		q.execute(ctx, e, &res)
	}

	q.mu.Lock()
	q.processed += res.Processed
	q.failed += res.Failed
	q.expired += res.Expired
	q.mu.Unlock()

	keys, err := q.kv.Keys(ctx)
	if err != nil {
		q.scheduleRetry(1)
		return res, fmt.Errorf("counting remaining operations: %w", err)
	}

	res.Remaining = len(keys)

	q.scheduleRetry(res.Remaining)

	q.logger.Info("queue drained",
		slog.Int("processed", res.Processed),
		slog.Int("failed", res.Failed),
		slog.Int("retried", res.Retried),
		slog.Int("expired", res.Expired),
		slog.Int("remaining", res.Remaining),
	)

	return res, ctx.Err()
}

func (q *Queue) execute(ctx context.Context, e entry, res *DrainResult) {
	op := e.op

	if op.Expired(time.Now()) {
		if err := q.kv.Delete(ctx, e.key); err != nil {
			q.logger.Warn("deleting expired operation", slog.String("id", op.ID), slog.String("error", err.Error()))
			return
		}

		res.Expired++

		q.logger.Debug("operation expired", slog.String("id", op.ID), slog.String("type", string(op.Type)))

		return
	}

	h := q.handler(op.Type)
	if h == nil {
		q.deadLetter(ctx, e, fmt.Errorf("%w: %s", errs.ErrNoHandler, op.Type), res)
		return
	}

	err := q.run(ctx, h, op)
	if err == nil {
		if derr := q.kv.Delete(ctx, e.key); derr != nil {
			// Left in place it would run again; handlers must tolerate
			// replays anyway.
			q.logger.Warn("deleting processed operation", slog.String("id", op.ID), slog.String("error", derr.Error()))
		}

		res.Processed++

		for _, fn := range q.onProcessed.Snapshot() {
			fn(op)
		}

		return
	}

	e.op.Attempts++
	e.op.LastError = err.Error()

	switch {
	case errors.Is(err, errs.ErrPermanent):
		q.deadLetter(ctx, e, err, res)
	case e.op.Attempts >= q.cfg.MaxRetryAttempts:
		q.deadLetter(ctx, e, fmt.Errorf("%w after %d attempts: %w", errs.ErrRetriesExhausted, e.op.Attempts, err), res)
	default:
		if perr := q.persistAttempt(ctx, e); perr != nil {
			q.logger.Warn("persisting retry count", slog.String("id", op.ID), slog.String("error", perr.Error()))
		}

		res.Retried++

		q.logger.Debug("operation failed, will retry",
			slog.String("id", op.ID),
			slog.String("type", string(op.Type)),
			slog.Int("attempts", e.op.Attempts),
			slog.String("error", err.Error()),
		)
	}
}

// run calls h under the operation timeout. A handler that ignores its
// context is abandoned once the timeout passes.
func (q *Queue) run(ctx context.Context, h Handler, op Operation) error {
	hctx, cancel := context.WithTimeout(ctx, q.cfg.OperationTimeout)
	defer cancel()

	done := make(chan error, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panicked: %v", r)
			}
		}()

		done <- h(hctx, op)
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(hctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w", errs.ErrTimeout, err)
		}

		return err
	case <-hctx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}

		return fmt.Errorf("%w after %s", errs.ErrTimeout, q.cfg.OperationTimeout)
	}
}

func (q *Queue) deadLetter(ctx context.Context, e entry, cause error, res *DrainResult) {
	if err := q.kv.Delete(ctx, e.key); err != nil {
		q.logger.Warn("deleting failed operation", slog.String("id", e.op.ID), slog.String("error", err.Error()))
		return
	}

	res.Failed++

	q.logger.Warn("operation dropped",
		slog.String("id", e.op.ID),
		slog.String("type", string(e.op.Type)),
		slog.Int("attempts", e.op.Attempts),
		slog.String("error", cause.Error()),
	)

	for _, fn := range q.onFailed.Snapshot() {
		fn(e.op, cause)
	}
}

// persistAttempt rewrites a record with its bumped attempt count, unless
// it was cleared while the handler ran.
func (q *Queue) persistAttempt(ctx context.Context, e entry) error {
	data, err := encode(e.op)
	if err != nil {
		return err
	}

	q.storeMu.Lock()
	defer q.storeMu.Unlock()

	if _, ok, err := q.kv.Get(ctx, e.key); err != nil || !ok {
		return err
	}

	return q.kv.Put(ctx, e.key, data)
}

// scheduleRetry arms the whole-queue retry timer. The delay doubles each
// round; once the round budget is spent the queue waits for the next
// explicit Process call.
func (q *Queue) scheduleRetry(remaining int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if remaining == 0 {
		q.retryRound = 0
		return
	}

	if q.closed {
		return
	}

	if q.retryRound >= q.cfg.MaxRetryAttempts {
		q.logger.Warn("retry rounds exhausted, waiting for next drain",
			slog.Int("remaining", remaining),
			slog.Int("rounds", q.retryRound),
		)

		return
	}

	delay := q.cfg.BaseBackoff << q.retryRound
	q.retryRound++
	q.nextRetry = time.Now().Add(delay)
	q.retryTask = schedule.After(q.ctx, delay, func(context.Context) {
		if _, err := q.Process(q.ctx); err != nil && !errors.Is(err, errs.ErrDrainInProgress) {
			q.logger.Warn("scheduled queue retry", slog.String("error", err.Error()))
		}
	})

	q.logger.Info("queue retry scheduled",
		slog.Duration("delay", delay),
		slog.Int("round", q.retryRound),
	)
}

// load reads and orders every record. Undecodable records are removed and
// reported through OnFailed.
func (q *Queue) load(ctx context.Context) ([]entry, error) {
	keys, err := q.kv.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing queued operations: %w", err)
	}

	entries := make([]entry, 0, len(keys))

	for _, key := range keys {
		data, ok, err := q.kv.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("reading operation %s: %w", key, err)
		}

		if !ok {
			continue
		}

		op, err := decode(data)
		if err != nil {
			q.dropMalformed(ctx, key, err)
			continue
		}

		entries = append(entries, entry{key: key, op: op})
	}

	slices.SortStableFunc(entries, func(a, b entry) int { return less(a.op, b.op) })

	return entries, nil
}

func (q *Queue) dropMalformed(ctx context.Context, key string, cause error) {
	err := fmt.Errorf("%w: %w", errs.ErrMalformedRecord, cause)

	q.logger.Warn("dropping malformed queue record", slog.String("key", key), slog.String("error", err.Error()))

	if derr := q.kv.Delete(ctx, key); derr != nil {
		q.logger.Warn("deleting malformed queue record", slog.String("key", key), slog.String("error", derr.Error()))
		return
	}

	q.mu.Lock()
	q.failed++
	q.mu.Unlock()

	op := stubFromKey(key)
	for _, fn := range q.onFailed.Snapshot() {
		fn(op, err)
	}
}

// CleanupExpired removes operations past their MaxAge without running
// them and returns how many were removed.
func (q *Queue) CleanupExpired(ctx context.Context) (int, error) {
	entries, err := q.load(ctx)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	removed := 0

	for _, e := range entries {
		if !e.op.Expired(now) {
			continue
		}

		if err := q.kv.Delete(ctx, e.key); err != nil {
			return removed, fmt.Errorf("deleting expired operation %s: %w", e.op.ID, err)
		}

		removed++
	}

	if removed > 0 {
		q.mu.Lock()
		q.expired += removed
		q.mu.Unlock()

		q.logger.Info("expired operations removed", slog.Int("count", removed))
	}

	return removed, nil
}

// Clear deletes every queued operation and cancels any pending retry.
func (q *Queue) Clear(ctx context.Context) error {
	q.storeMu.Lock()
	defer q.storeMu.Unlock()

	keys, err := q.kv.Keys(ctx)
	if err != nil {
		return fmt.Errorf("listing queued operations: %w", err)
	}

	for _, key := range keys {
		if err := q.kv.Delete(ctx, key); err != nil {
			return fmt.Errorf("deleting %s: %w", key, err)
		}
	}

	q.mu.Lock()
	q.retryTask.Cancel()
	q.retryTask = nil
	q.nextRetry = time.Time{}
	q.retryRound = 0
	q.mu.Unlock()

	q.logger.Info("queue cleared", slog.Int("removed", len(keys)))

	return nil
}

// Stats reads the store and returns a snapshot.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	keys, err := q.kv.Keys(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("listing queued operations: %w", err)
	}

	st := Stats{ByType: make(map[OperationType]int)}

	for _, key := range keys {
		data, ok, err := q.kv.Get(ctx, key)
		if err != nil {
			return Stats{}, fmt.Errorf("reading operation %s: %w", key, err)
		}

		if !ok {
			continue
		}

		st.Size++

		op, err := decode(data)
		if err != nil {
			continue
		}

		st.ByType[op.Type]++

		if st.Oldest.IsZero() || op.QueuedAt.Before(st.Oldest) {
			st.Oldest = op.QueuedAt
		}
	}

	q.mu.Lock()
	st.RetryRound = q.retryRound
	st.NextRetry = q.nextRetry
	st.Processing = q.processing
	st.TotalProcessed = q.processed
	st.TotalFailed = q.failed
	st.TotalExpired = q.expired
	q.mu.Unlock()

	return st, nil
}

// Close cancels any pending retry. Queued operations stay in the store.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	task := q.retryTask
	q.retryTask = nil
	q.nextRetry = time.Time{}
	q.mu.Unlock()

	q.cancel()
	task.Cancel()
}

func (q *Queue) handler(t OperationType) Handler {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.handlers[t]
}

func (q *Queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.closed
}
