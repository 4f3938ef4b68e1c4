// Package engine wires connectivity, the offline queue, key sync and the
// cache into the API an application talks to. Work that needs the
// network runs immediately when online and is queued otherwise; coming
// back online drains the queue and reconciles the local user's keys.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexjbarnes/keysync/internal/cache"
	"github.com/alexjbarnes/keysync/internal/connectivity"
	errs "github.com/alexjbarnes/keysync/internal/errors"
	"github.com/alexjbarnes/keysync/internal/keysync"
	"github.com/alexjbarnes/keysync/internal/observer"
	"github.com/alexjbarnes/keysync/internal/queue"
	"github.com/alexjbarnes/keysync/internal/schedule"
)

// Queue priorities per operation type. Higher drains first.
const (
	UploadPriority = 10
	DeletePriority = 8
	FetchPriority  = 5
	SyncPriority   = 1
)

const (
	DefaultCleanupInterval = 10 * time.Minute
	DefaultFetchMaxAge     = time.Hour
)

// Deps are the components an Engine drives. All are required.
type Deps struct {
	Monitor   *connectivity.Monitor
	Queue     *queue.Queue
	Sync      *keysync.Service
	Cache     *cache.Cache
	Directory keysync.Directory
}

// Options configures an Engine.
type Options struct {
	// UserID is the local account. Required.
	UserID string
	// GroupIDs are groups whose sender keys are followed.
	GroupIDs     []string
	Connectivity connectivity.Options
	// CleanupInterval is how often expired queue entries are purged.
	CleanupInterval time.Duration
	// FetchMaxAge bounds how long a queued fetch of another user's keys
	// stays worth running.
	FetchMaxAge time.Duration
}

func (o Options) withDefaults() Options {
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = DefaultCleanupInterval
	}

	if o.FetchMaxAge <= 0 {
		o.FetchMaxAge = DefaultFetchMaxAge
	}

	return o
}

// Engine is safe for concurrent use. Callbacks run synchronously on the
// goroutine that observed the event and must not call Close.
type Engine struct {
	monitor *connectivity.Monitor
	queue   *queue.Queue
	sync    *keysync.Service
	cache   *cache.Cache
	dir     keysync.Directory
	opts    Options
	logger  *slog.Logger

	mu      sync.Mutex
	started bool
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup *schedule.Task
	unsubs  []func()

	wg          sync.WaitGroup
	reconciling atomic.Bool

	onKeyUpdated  observer.List[func(userID, keyType string, data []byte)]
	onSyncError   observer.List[func(message string)]
	onConnChanged observer.List[func(online bool)]
}

// New builds an idle Engine. Nothing touches the network until Start.
func New(deps Deps, opts Options, logger *slog.Logger) (*Engine, error) {
	switch {
	case deps.Monitor == nil, deps.Queue == nil, deps.Sync == nil, deps.Cache == nil, deps.Directory == nil:
		return nil, fmt.Errorf("engine: all dependencies are required")
	case opts.UserID == "":
		return nil, fmt.Errorf("engine: user id is required")
	}

	return &Engine{
		monitor: deps.Monitor,
		queue:   deps.Queue,
		sync:    deps.Sync,
		cache:   deps.Cache,
		dir:     deps.Directory,
		opts:    opts.withDefaults(),
		logger:  logger,
	}, nil
}

// OnKeyUpdated registers fn for every key change, local or remote.
func (e *Engine) OnKeyUpdated(fn func(userID, keyType string, data []byte)) (unsubscribe func()) {
	return e.onKeyUpdated.Add(fn)
}

// OnSyncError registers fn for sync failures and dropped queue work.
func (e *Engine) OnSyncError(fn func(message string)) (unsubscribe func()) {
	return e.onSyncError.Add(fn)
}

// OnConnectionStateChanged registers fn for online/offline transitions.
func (e *Engine) OnConnectionStateChanged(fn func(online bool)) (unsubscribe func()) {
	return e.onConnChanged.Add(fn)
}

// Start begins monitoring. The first successful probe counts as coming
// online, which opens the key subscriptions, drains the queue and
// reconciles the local user's keys. The Engine runs until Close or until
// ctx ends.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.closed:
		return errs.ErrClosed
	case e.started:
		return errs.ErrAlreadyStarted
	}

	e.ctx, e.cancel = context.WithCancel(ctx)

	e.queue.Register(queue.UploadKeys, e.handleUpload)
	e.queue.Register(queue.SyncKeys, e.handleSync)
	e.queue.Register(queue.FetchUserKeys, e.handleFetch)
	e.queue.Register(queue.DeleteKeys, e.handleDelete)

	e.unsubs = append(e.unsubs,
		e.sync.Subscribe(e.handleSyncEvent),
		e.monitor.Subscribe(e.handleConnectivity),
		e.queue.OnFailed(e.handleDropped),
		e.queue.OnProcessed(func(op queue.Operation) {
			e.logger.Debug("queued operation done", slog.String("id", op.ID), slog.String("type", string(op.Type)))
		}),
	)

	e.cleanup = schedule.Every(e.ctx, e.opts.CleanupInterval, false, func(ctx context.Context) {
		n, err := e.queue.CleanupExpired(ctx)
		if err != nil {
			e.logger.Warn("queue cleanup", slog.String("error", err.Error()))
			return
		}

		if n > 0 {
			e.logger.Info("expired operations removed", slog.Int("count", n))
		}
	})

	e.monitor.Start(e.ctx, e.opts.Connectivity)

	e.started = true

	e.logger.Info("engine started",
		slog.String("user_id", e.opts.UserID),
		slog.Int("groups", len(e.opts.GroupIDs)),
	)

	return nil
}

// Close stops every component. Safe to call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}

	e.closed = true
	started := e.started
	unsubs := e.unsubs
	e.unsubs = nil
	cleanup := e.cleanup
	cancel := e.cancel
	e.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}

	if started {
		cleanup.Cancel()
		e.monitor.Stop()
		cancel()
		e.wg.Wait()
		e.sync.Stop()
		cleanup.Wait()
	}

	e.queue.Close()

	e.logger.Info("engine stopped")

	return nil
}

// startKeySync follows the local user and configured groups. Failures are
// logged and reported; they are retried on the next reconnect.
func (e *Engine) startKeySync(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	if err := e.sync.StartUserKeySync(ctx, e.opts.UserID); err != nil {
		e.logger.Warn("starting user key sync", slog.String("error", err.Error()))
		e.fireSyncError(err.Error())
	}

	if len(e.opts.GroupIDs) == 0 {
		return
	}

	if err := e.sync.StartGroupKeySync(ctx, e.opts.GroupIDs); err != nil {
		e.logger.Warn("starting group key sync", slog.String("error", err.Error()))
		e.fireSyncError(err.Error())
	}
}

// runCtx returns the Engine's context and registers a goroutine on the
// wait group, or reports false once the Engine is not running.
func (e *Engine) runCtx() (context.Context, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started || e.closed {
		return nil, false
	}

	e.wg.Add(1)

	return e.ctx, true
}

func (e *Engine) handleConnectivity(change connectivity.Change) {
	e.logger.Info("connectivity changed",
		slog.Bool("online", change.Online),
		slog.String("type", string(change.Type)),
	)

	for _, fn := range e.onConnChanged.Snapshot() {
		fn(change.Online)
	}

	if change.Type != connectivity.CameOnline {
		return
	}

	ctx, ok := e.runCtx()
	if !ok {
		return
	}

	go func() {
		defer e.wg.Done()
		e.reconcile(ctx)
	}()
}

// reconcile replays queued work and then pulls the local user's bundle.
// Overlapping calls collapse into the one already running.
func (e *Engine) reconcile(ctx context.Context) {
	if !e.reconciling.CompareAndSwap(false, true) {
		return
	}
	defer e.reconciling.Store(false)

	e.startKeySync(ctx)

	res, err := e.queue.Process(ctx)

	switch {
	case errors.Is(err, errs.ErrDrainInProgress):
		e.logger.Debug("queue drain already running")
	case err != nil:
		e.logger.Warn("draining queue", slog.String("error", err.Error()))
	default:
		e.logger.Info("queue replayed",
			slog.Int("processed", res.Processed),
			slog.Int("remaining", res.Remaining),
		)
	}

	if ctx.Err() != nil {
		return
	}

	if _, err := e.sync.ForceSyncUserKeys(ctx, e.opts.UserID, e.cacheBundle); err != nil {
		e.logger.Warn("reconciling own keys", slog.String("error", err.Error()))
	}
}

func (e *Engine) handleSyncEvent(ev keysync.Event) {
	switch ev.Type {
	case keysync.KeyUpdated:
		e.cache.InvalidateUser(ev.UserID)

		for _, fn := range e.onKeyUpdated.Snapshot() {
			fn(ev.UserID, ev.KeyType, ev.KeyData)
		}
	case keysync.KeyDeleted, keysync.ConflictResolved:
		e.cache.InvalidateUser(ev.UserID)
	case keysync.SyncError:
		msg, _ := ev.Data["error"].(string)
		if msg == "" {
			msg = "key sync error"
		}

		e.fireSyncError(msg)
	}
}

func (e *Engine) handleDropped(op queue.Operation, err error) {
	e.fireSyncError(fmt.Sprintf("queued %s dropped: %v", op.Type, err))
}

func (e *Engine) fireSyncError(msg string) {
	for _, fn := range e.onSyncError.Snapshot() {
		fn(msg)
	}
}

func (e *Engine) cacheBundle(b keysync.KeyBundle) {
	if err := e.cache.Put(cache.RemoteBundle, cache.UserKey(b.UserID), b); err != nil {
		e.logger.Debug("caching bundle", slog.String("error", err.Error()))
	}
}

func (e *Engine) checkRunning() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.closed:
		return errs.ErrClosed
	case !e.started:
		return errs.ErrNotStarted
	}

	return nil
}

// UploadKeys publishes key components for the local user. When offline,
// or when the directory fails transiently, the upload is queued and
// queued reports true. Permanent failures are returned.
func (e *Engine) UploadKeys(ctx context.Context, components map[string][]byte) (queued bool, err error) {
	if err := e.checkRunning(); err != nil {
		return false, err
	}

	if len(components) == 0 {
		return false, fmt.Errorf("no key components to upload")
	}

	if e.monitor.Online() {
		err := e.sync.PublishLocalKeys(ctx, e.opts.UserID, components)
		if err == nil {
			return false, nil
		}

		if !errs.IsTransient(err) {
			return false, err
		}

		e.logger.Info("upload failed, queueing", slog.String("error", err.Error()))
	}

	_, err = e.queue.Enqueue(ctx, queue.UploadKeys, uploadPayload(e.opts.UserID, components), queue.EnqueueOptions{
		Priority: UploadPriority,
	})
	if err != nil {
		return false, fmt.Errorf("queueing upload: %w", err)
	}

	return true, nil
}

// FetchUserKeys returns userID's key bundle, from cache when possible.
// ok is false when the user has no keys. Offline with nothing cached, a
// fetch is queued to warm the cache and errs.ErrOffline is returned.
func (e *Engine) FetchUserKeys(ctx context.Context, userID string) (bundle keysync.KeyBundle, ok bool, err error) {
	if err := e.checkRunning(); err != nil {
		return keysync.KeyBundle{}, false, err
	}

	key := cache.UserKey(userID)

	if b, hit := cache.Lookup[keysync.KeyBundle](e.cache, cache.RemoteBundle, key); hit {
		return b, true, nil
	}

	if !e.monitor.Online() {
		_, qerr := e.queue.Enqueue(ctx, queue.FetchUserKeys, map[string]any{"user_id": userID}, queue.EnqueueOptions{
			Priority: FetchPriority,
			MaxAge:   e.opts.FetchMaxAge,
		})
		if qerr != nil {
			e.logger.Warn("queueing fetch", slog.String("user_id", userID), slog.String("error", qerr.Error()))
		}

		return keysync.KeyBundle{}, false, fmt.Errorf("fetching keys for %s: %w", userID, errs.ErrOffline)
	}

	v, err := e.cache.GetOrLoad(ctx, cache.RemoteBundle, key, func(ctx context.Context) (any, error) {
		return e.download(ctx, userID)
	})

	switch {
	case errors.Is(err, errNoBundle):
		return keysync.KeyBundle{}, false, nil
	case err != nil:
		return keysync.KeyBundle{}, false, err
	}

	return v.(keysync.KeyBundle), true, nil
}

var errNoBundle = errors.New("no key bundle")

func (e *Engine) download(ctx context.Context, userID string) (keysync.KeyBundle, error) {
	b, ok, err := e.dir.DownloadKeyBundle(ctx, userID)
	if err != nil {
		return keysync.KeyBundle{}, fmt.Errorf("%w: downloading bundle for %s: %w", errs.ErrDirectory, userID, err)
	}

	if !ok {
		return keysync.KeyBundle{}, errNoBundle
	}

	if b.UserID == "" {
		b.UserID = userID
	}

	return b, nil
}

// SyncNow reconciles the local user's keys with the directory. Offline,
// a sync is queued and errs.ErrOffline is returned.
func (e *Engine) SyncNow(ctx context.Context) (found bool, err error) {
	if err := e.checkRunning(); err != nil {
		return false, err
	}

	if !e.monitor.Online() {
		if _, qerr := e.queue.Enqueue(ctx, queue.SyncKeys, map[string]any{"user_id": e.opts.UserID}, queue.EnqueueOptions{
			Priority: SyncPriority,
		}); qerr != nil {
			return false, fmt.Errorf("queueing sync: %w", qerr)
		}

		return false, errs.ErrOffline
	}

	return e.sync.ForceSyncUserKeys(ctx, e.opts.UserID, e.cacheBundle)
}

// DeleteKeys removes every key of the local user from the directory,
// queueing the request when it cannot run now.
func (e *Engine) DeleteKeys(ctx context.Context) (queued bool, err error) {
	if err := e.checkRunning(); err != nil {
		return false, err
	}

	if e.monitor.Online() {
		err := e.sync.DeleteUserKeys(ctx, e.opts.UserID)
		if err == nil {
			e.cache.InvalidateUser(e.opts.UserID)
			return false, nil
		}

		if !errs.IsTransient(err) {
			return false, err
		}
	}

	if _, err := e.queue.Enqueue(ctx, queue.DeleteKeys, map[string]any{"user_id": e.opts.UserID}, queue.EnqueueOptions{
		Priority: DeletePriority,
	}); err != nil {
		return false, fmt.Errorf("queueing delete: %w", err)
	}

	return true, nil
}

// SyncStatus returns the key sync snapshot.
func (e *Engine) SyncStatus() keysync.Status {
	return e.sync.Status()
}

// QueueStats returns the offline queue snapshot.
func (e *Engine) QueueStats(ctx context.Context) (queue.Stats, error) {
	return e.queue.Stats(ctx)
}

// ConnectivityInfo returns the connectivity snapshot.
func (e *Engine) ConnectivityInfo() connectivity.Info {
	return e.monitor.Info()
}

// CacheStatistics returns per-category cache counters.
func (e *Engine) CacheStatistics() map[cache.Category]cache.CategoryStats {
	return e.cache.Statistics()
}

// CheckConnectivity probes now and returns the resulting state. A
// transition fires the usual callbacks.
func (e *Engine) CheckConnectivity(ctx context.Context) bool {
	return e.monitor.CheckNow(ctx)
}
