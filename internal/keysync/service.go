// Package keysync keeps locally held key material in step with the remote
// key directory. It follows realtime changes for the local user and for
// group sender keys, runs one-shot reconciliations on demand, and resolves
// conflicting versions of the same key.
package keysync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	errs "github.com/alexjbarnes/keysync/internal/errors"
	"github.com/alexjbarnes/keysync/internal/observer"
	"github.com/alexjbarnes/keysync/internal/state"
	"golang.org/x/sync/errgroup"
)

// Config holds the collaborators of a Service.
type Config struct {
	// DeviceID identifies this device on locally published keys.
	DeviceID string
	// ConflictPolicy defaults to LastWriteWins.
	ConflictPolicy ConflictPolicy
	// Store is optional. Without it no local versions are tracked and
	// realtime changes never conflict.
	Store Store
}

type watchKind int

const (
	watchUser watchKind = iota
	watchGroup
)

// watch is one live subscription and the goroutine consuming it.
type watch struct {
	kind watchKind
	id   string
	path string
	sub  Subscription
}

// Service is safe for concurrent use. Events are delivered synchronously
// on the goroutine that produced them; subscribers must not call Stop.
type Service struct {
	dir    Directory
	store  Store
	policy ConflictPolicy
	device string
	logger *slog.Logger

	mu        sync.Mutex
	watches   map[string]*watch
	userID    string
	lastSync  time.Time
	lastError string
	events    int
	errors    int
	conflicts int

	wg        sync.WaitGroup
	observers observer.List[func(Event)]
}

// New creates an idle Service.
func New(dir Directory, cfg Config, logger *slog.Logger) *Service {
	policy := cfg.ConflictPolicy
	if policy == nil {
		policy = LastWriteWins
	}

	return &Service{
		dir:     dir,
		store:   cfg.Store,
		policy:  policy,
		device:  cfg.DeviceID,
		logger:  logger,
		watches: make(map[string]*watch),
	}
}

// Subscribe registers fn for every event and returns a function that
// removes it.
func (s *Service) Subscribe(fn func(Event)) (unsubscribe func()) {
	return s.observers.Add(fn)
}

// StartUserKeySync follows realtime changes to userID's keys. Calling it
// again for the same user is a no-op; a different user replaces the
// previous subscription.
func (s *Service) StartUserKeySync(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}

	path := UserKeysPath(userID)

	s.mu.Lock()
	prev := s.userID
	_, watching := s.watches[path]
	s.mu.Unlock()

	if watching {
		return nil
	}

	if prev != "" {
		s.stopWatch(UserKeysPath(prev))
	}

	if err := s.startWatch(ctx, watchUser, userID, path); err != nil {
		return err
	}

	s.mu.Lock()
	s.userID = userID
	s.mu.Unlock()

	return nil
}

// StartGroupKeySync follows sender key changes for each group. Groups
// already followed are skipped. Subscriptions are established
// concurrently; those that succeed stay active even if another fails.
func (s *Service) StartGroupKeySync(ctx context.Context, groupIDs []string) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, groupID := range groupIDs {
		if groupID == "" {
			continue
		}

		path := GroupSenderKeysPath(groupID)

		s.mu.Lock()
		_, watching := s.watches[path]
		s.mu.Unlock()

		if watching {
			continue
		}

		g.Go(func() error {
			return s.startWatch(gctx, watchGroup, groupID, path)
		})
	}

	return g.Wait()
}

func (s *Service) startWatch(ctx context.Context, kind watchKind, id, path string) error {
	sub, err := s.dir.Subscribe(ctx, path)
	if err != nil {
		err = fmt.Errorf("%w: subscribing to %s: %w", errs.ErrDirectory, path, err)
		s.recordError(err)

		return err
	}

	w := &watch{kind: kind, id: id, path: path, sub: sub}

	s.mu.Lock()
	if _, dup := s.watches[path]; dup {
		s.mu.Unlock()
		sub.Close()

		return nil
	}
	s.watches[path] = w
	s.wg.Add(1)
	s.mu.Unlock()

	go s.consume(w)

	s.logger.Info("key sync subscribed", slog.String("path", path))

	s.emit(Event{
		Type:    ConnectionChanged,
		UserID:  s.userForWatch(w),
		GroupID: s.groupForWatch(w),
		Data:    map[string]any{"connected": true, "path": path},
	})

	return nil
}

// consume applies changes from one subscription until its channel
// closes. A close not requested through Stop is reported as a lost
// connection.
func (s *Service) consume(w *watch) {
	defer s.wg.Done()

	for ch := range w.sub.Changes() {
		if ch.Err != nil {
			err := fmt.Errorf("%w: %s: %w", errs.ErrDirectory, w.path, ch.Err)
			s.recordError(err)
			s.emit(Event{
				Type:    SyncError,
				UserID:  s.userForWatch(w),
				GroupID: s.groupForWatch(w),
				Data:    map[string]any{"error": err.Error(), "path": w.path},
			})

			continue
		}

		switch w.kind {
		case watchUser:
			s.handleUserChange(w.id, ch)
		case watchGroup:
			s.handleGroupChange(w.id, ch)
		}
	}

	s.mu.Lock()
	current := s.watches[w.path] == w
	if current {
		delete(s.watches, w.path)
		if w.kind == watchUser {
			s.userID = ""
		}
	}
	s.mu.Unlock()

	if !current {
		return
	}

	s.logger.Warn("key sync subscription ended", slog.String("path", w.path))

	s.emit(Event{
		Type:    ConnectionChanged,
		UserID:  s.userForWatch(w),
		GroupID: s.groupForWatch(w),
		Data:    map[string]any{"connected": false, "path": w.path},
	})
}

func (s *Service) userForWatch(w *watch) string {
	if w.kind == watchUser {
		return w.id
	}

	return ""
}

func (s *Service) groupForWatch(w *watch) string {
	if w.kind == watchGroup {
		return w.id
	}

	return ""
}

func (s *Service) handleUserChange(userID string, ch Change) {
	if ch.UserID != "" {
		userID = ch.UserID
	}

	s.touchCursor(userID, func(ss *state.SyncState) { ss.LastEventAt = time.Now().UnixMilli() })

	switch ch.Kind {
	case ChangeDelete:
		if s.store != nil {
			if err := s.store.DeleteKeyRecord(userID, ch.KeyType); err != nil {
				s.logger.Warn("deleting local key record", slog.String("key_type", ch.KeyType), slog.String("error", err.Error()))
			}
		}

		s.emit(Event{
			Type:     KeyDeleted,
			UserID:   userID,
			DeviceID: ch.DeviceID,
			KeyType:  ch.KeyType,
			KeyID:    ch.KeyID,
		})
	default:
		rec := KeyRecord{
			KeyType:   ch.KeyType,
			KeyID:     ch.KeyID,
			Data:      ch.Data,
			Timestamp: ch.Timestamp,
			DeviceID:  ch.DeviceID,
		}

		if !s.applyRemote(userID, rec) {
			return
		}

		s.emit(Event{
			Type:     KeyUpdated,
			UserID:   userID,
			DeviceID: ch.DeviceID,
			KeyType:  ch.KeyType,
			KeyID:    ch.KeyID,
			KeyData:  ch.Data,
			Data:     map[string]any{"source": "realtime", "key_timestamp": ch.Timestamp},
		})
	}
}

func (s *Service) handleGroupChange(groupID string, ch Change) {
	s.emit(Event{
		Type:     GroupKeyUpdated,
		UserID:   ch.UserID,
		DeviceID: ch.DeviceID,
		GroupID:  groupID,
		KeyType:  ch.KeyType,
		KeyID:    ch.KeyID,
		KeyData:  ch.Data,
		Data:     map[string]any{"deleted": ch.Kind == ChangeDelete, "key_timestamp": ch.Timestamp},
	})
}

// applyRemote records a remote version locally. It returns false when a
// conflicting local version won and the remote one was discarded.
func (s *Service) applyRemote(userID string, rec KeyRecord) bool {
	if s.store == nil {
		return true
	}

	local, err := s.store.GetKeyRecord(userID, rec.KeyType)
	if err != nil {
		s.logger.Warn("reading local key record", slog.String("key_type", rec.KeyType), slog.String("error", err.Error()))
		return true
	}

	if local != nil && !bytes.Equal(local.Data, rec.Data) {
		return s.ResolveKeyConflict(userID, rec.KeyType, *local, rec, nil) == ResolutionRemote
	}

	if err := s.store.SetKeyRecord(userID, rec); err != nil {
		s.logger.Warn("saving key record", slog.String("key_type", rec.KeyType), slog.String("error", err.Error()))
	}

	return true
}

// ForceSyncUserKeys fetches userID's bundle once and applies it. It
// returns false with a nil error when the user has no keys; onBundle is
// then not called. Fetch failures wrap errs.ErrDirectory.
func (s *Service) ForceSyncUserKeys(ctx context.Context, userID string, onBundle func(KeyBundle)) (bool, error) {
	if userID == "" {
		return false, fmt.Errorf("user id is required")
	}

	bundle, ok, err := s.dir.DownloadKeyBundle(ctx, userID)
	if err != nil {
		err = fmt.Errorf("%w: downloading bundle for %s: %w", errs.ErrDirectory, userID, err)
		s.recordError(err)
		s.emit(Event{
			Type:   SyncError,
			UserID: userID,
			Data:   map[string]any{"error": err.Error(), "operation": "force_sync"},
		})

		return false, err
	}

	if !ok {
		s.logger.Info("force sync found no keys", slog.String("user_id", userID))
		s.emit(Event{
			Type:   ForceSyncComplete,
			UserID: userID,
			Data:   map[string]any{"found": false},
		})

		return false, nil
	}

	applied := 0

	for _, c := range bundle.Components {
		if s.applyRemote(userID, c) {
			applied++
		}
	}

	now := time.Now()

	s.mu.Lock()
	s.lastSync = now
	s.mu.Unlock()

	s.touchCursor(userID, func(ss *state.SyncState) {
		ss.LastForcedSync = now.UnixMilli()
		ss.BundleTimestamp = bundle.UpdatedAt
	})

	if onBundle != nil {
		onBundle(bundle)
	}

	s.logger.Info("force sync complete",
		slog.String("user_id", userID),
		slog.Int("components", len(bundle.Components)),
		slog.Int("applied", applied),
	)

	s.emit(Event{
		Type:   ForceSyncComplete,
		UserID: userID,
		Data: map[string]any{
			"found":      true,
			"components": len(bundle.Components),
			"applied":    applied,
		},
	})

	return true, nil
}

// ResolveKeyConflict picks a winner between two versions of a key under
// the configured policy and stores it. Subscribers see the
// conflict_resolved event before onResolved receives the winner.
func (s *Service) ResolveKeyConflict(userID, keyType string, local, remote KeyRecord, onResolved func(KeyRecord)) Resolution {
	res := s.policy(local, remote)

	winner := remote
	if res == ResolutionLocal {
		winner = local
	}

	if winner.KeyType == "" {
		winner.KeyType = keyType
	}

	s.mu.Lock()
	s.conflicts++
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.SetKeyRecord(userID, winner); err != nil {
			s.logger.Warn("saving conflict winner", slog.String("key_type", keyType), slog.String("error", err.Error()))
		}
	}

	s.logger.Info("key conflict resolved",
		slog.String("user_id", userID),
		slog.String("key_type", keyType),
		slog.String("resolution", string(res)),
	)

	s.emit(Event{
		Type:    ConflictResolved,
		UserID:  userID,
		KeyType: keyType,
		KeyID:   winner.KeyID,
		Data: map[string]any{
			"resolution":       string(res),
			"local_timestamp":  local.Timestamp,
			"remote_timestamp": remote.Timestamp,
		},
	})

	if onResolved != nil {
		onResolved(winner)
	}

	return res
}

// PublishLocalKeys uploads key components generated on this device and
// records them as the local version. Components upload in key type order
// and the first failure stops the rest.
func (s *Service) PublishLocalKeys(ctx context.Context, userID string, components map[string][]byte) error {
	for _, keyType := range slices.Sorted(maps.Keys(components)) {
		data := components[keyType]

		if err := s.dir.UploadKeyComponent(ctx, userID, s.device, keyType, data); err != nil {
			err = fmt.Errorf("%w: uploading %s: %w", errs.ErrDirectory, keyType, err)
			s.recordError(err)

			return err
		}

		rec := KeyRecord{KeyType: keyType, Data: data, Timestamp: time.Now().UnixMilli(), DeviceID: s.device}

		if s.store != nil {
			if err := s.store.SetKeyRecord(userID, rec); err != nil {
				s.logger.Warn("saving published key", slog.String("key_type", keyType), slog.String("error", err.Error()))
			}
		}

		s.emit(Event{
			Type:     KeyUpdated,
			UserID:   userID,
			DeviceID: s.device,
			KeyType:  keyType,
			KeyData:  data,
			Data:     map[string]any{"source": "local", "key_timestamp": rec.Timestamp},
		})
	}

	return nil
}

// DeleteUserKeys removes every key of userID from the directory and from
// local records.
func (s *Service) DeleteUserKeys(ctx context.Context, userID string) error {
	if err := s.dir.DeleteAll(ctx, userID); err != nil {
		err = fmt.Errorf("%w: deleting keys for %s: %w", errs.ErrDirectory, userID, err)
		s.recordError(err)

		return err
	}

	if s.store != nil {
		records, err := s.store.AllKeyRecords(userID)
		if err != nil {
			return fmt.Errorf("listing local key records: %w", err)
		}

		for keyType := range records {
			if err := s.store.DeleteKeyRecord(userID, keyType); err != nil {
				return fmt.Errorf("deleting local key record %s: %w", keyType, err)
			}
		}
	}

	s.emit(Event{Type: KeyDeleted, UserID: userID, Data: map[string]any{"all": true}})

	return nil
}

// Stop closes every subscription and waits for their consumers. Safe to
// call repeatedly.
func (s *Service) Stop() {
	s.mu.Lock()
	watches := slices.Collect(maps.Values(s.watches))
	clear(s.watches)
	s.userID = ""
	s.mu.Unlock()

	for _, w := range watches {
		if err := w.sub.Close(); err != nil {
			s.logger.Debug("closing subscription", slog.String("path", w.path), slog.String("error", err.Error()))
		}
	}

	s.wg.Wait()

	if len(watches) > 0 {
		s.logger.Info("key sync stopped", slog.Int("subscriptions", len(watches)))
	}
}

func (s *Service) stopWatch(path string) {
	s.mu.Lock()
	w, ok := s.watches[path]
	delete(s.watches, path)
	s.mu.Unlock()

	if ok {
		w.sub.Close()
	}
}

// Status returns a snapshot of the service.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	var groups []string

	for _, w := range s.watches {
		if w.kind == watchGroup {
			groups = append(groups, w.id)
		}
	}

	slices.Sort(groups)

	return Status{
		Active:        len(s.watches) > 0,
		UserID:        s.userID,
		Groups:        groups,
		Subscriptions: len(s.watches),
		LastSync:      s.lastSync,
		LastError:     s.lastError,
		Events:        s.events,
		Errors:        s.errors,
		Conflicts:     s.conflicts,
	}
}

func (s *Service) recordError(err error) {
	s.mu.Lock()
	s.errors++
	s.lastError = err.Error()
	s.mu.Unlock()

	if !errors.Is(err, context.Canceled) {
		s.logger.Warn("key sync error", slog.String("error", err.Error()))
	}
}

func (s *Service) emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	s.mu.Lock()
	s.events++
	s.mu.Unlock()

	for _, fn := range s.observers.Snapshot() {
		fn(ev)
	}
}

func (s *Service) touchCursor(userID string, update func(*state.SyncState)) {
	if s.store == nil {
		return
	}

	ss, err := s.store.GetSyncState(userID)
	if err != nil {
		s.logger.Warn("reading sync cursor", slog.String("user_id", userID), slog.String("error", err.Error()))
		return
	}

	update(&ss)

	if err := s.store.SetSyncState(userID, ss); err != nil {
		s.logger.Warn("saving sync cursor", slog.String("user_id", userID), slog.String("error", err.Error()))
	}
}
