package state

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket    = []byte("app")
	deviceIDKey  = []byte("device_id")
	syncStateKey = []byte("state")
)

func syncMetaBucket(userID string) []byte {
	return []byte("sync:" + userID + ":meta")
}

func keyRecordBucket(userID string) []byte {
	return []byte("keys:" + userID)
}

// KV is a durable byte store scoped to a single namespace. Get reports
// ok=false for missing keys; that is not an error.
type KV interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	// Keys returns all keys in ascending byte order.
	Keys(ctx context.Context) ([]string, error)
}

// SyncState holds the reconciliation cursor for one user.
type SyncState struct {
	LastForcedSync  int64 `json:"last_forced_sync"`
	LastEventAt     int64 `json:"last_event_at"`
	BundleTimestamp int64 `json:"bundle_timestamp"`
}

// KeyRecord is the last locally applied version of one key component.
// Data is opaque key material produced by the protocol engine.
type KeyRecord struct {
	KeyType   string `json:"key_type"`
	KeyID     string `json:"key_id,omitempty"`
	Data      []byte `json:"data"`
	Timestamp int64  `json:"timestamp"`
	DeviceID  string `json:"device_id,omitempty"`
}

// State wraps a bbolt database for all persistent keysync state.
type State struct {
	db *bolt.DB
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(appBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// DeviceID returns the persisted device identifier, or empty string.
func (s *State) DeviceID() string {
	var id string

	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(appBucket).Get(deviceIDKey); v != nil {
			id = string(v)
		}

		return nil
	})

	return id
}

// SetDeviceID persists the device identifier.
func (s *State) SetDeviceID(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(deviceIDKey, []byte(id))
	})
}

// GetSyncState returns the reconciliation cursor for a user, or the zero
// value if none has been saved.
func (s *State) GetSyncState(userID string) (SyncState, error) {
	var ss SyncState

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(syncMetaBucket(userID))
		if b == nil {
			return nil
		}

		v := b.Get(syncStateKey)
		if v == nil {
			return nil
		}

		return json.Unmarshal(v, &ss)
	})

	return ss, err
}

// SetSyncState updates the reconciliation cursor for a user.
func (s *State) SetSyncState(userID string, ss SyncState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(syncMetaBucket(userID))
		if err != nil {
			return err
		}

		data, err := json.Marshal(ss)
		if err != nil {
			return err
		}

		return b.Put(syncStateKey, data)
	})
}

// GetKeyRecord returns the local record for a key type, or nil if not found.
func (s *State) GetKeyRecord(userID, keyType string) (*KeyRecord, error) {
	var kr *KeyRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(keyRecordBucket(userID))
		if b == nil {
			return nil
		}

		v := b.Get([]byte(keyType))
		if v == nil {
			return nil
		}

		kr = &KeyRecord{}

		return json.Unmarshal(v, kr)
	})

	return kr, err
}

// SetKeyRecord persists the local record for its key type.
func (s *State) SetKeyRecord(userID string, kr KeyRecord) error {
	if kr.KeyType == "" {
		return fmt.Errorf("key type is required")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(keyRecordBucket(userID))
		if err != nil {
			return err
		}

		data, err := json.Marshal(kr)
		if err != nil {
			return err
		}

		return b.Put([]byte(kr.KeyType), data)
	})
}

// DeleteKeyRecord removes the local record for a key type.
func (s *State) DeleteKeyRecord(userID, keyType string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(keyRecordBucket(userID))
		if b == nil {
			return nil
		}

		return b.Delete([]byte(keyType))
	})
}

// AllKeyRecords returns every local key record for a user, keyed by type.
func (s *State) AllKeyRecords(userID string) (map[string]KeyRecord, error) {
	result := make(map[string]KeyRecord)

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(keyRecordBucket(userID))
		if b == nil {
			return nil
		}

		return b.ForEach(func(k, v []byte) error {
			var kr KeyRecord
			if err := json.Unmarshal(v, &kr); err != nil {
				return err
			}

			result[string(k)] = kr

			return nil
		})
	})

	return result, err
}

// Bucket returns a KV view over a named bucket, creating the bucket if
// it does not exist.
func (s *State) Bucket(name string) (*BoltKV, error) {
	if name == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating bucket %s: %w", name, err)
	}

	return &BoltKV{db: s.db, bucket: []byte(name)}, nil
}

// BoltKV implements KV over a single bbolt bucket.
type BoltKV struct {
	db     *bolt.DB
	bucket []byte
}

var _ KV = (*BoltKV)(nil)

// Put stores value under key.
func (b *BoltKV) Put(_ context.Context, key string, value []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(b.bucket)
		if bk == nil {
			return fmt.Errorf("bucket %s not initialized", b.bucket)
		}

		return bk.Put([]byte(key), value)
	})
}

// Get returns a copy of the value stored under key.
func (b *BoltKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	var out []byte

	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(b.bucket)
		if bk == nil {
			return nil
		}

		v := bk.Get([]byte(key))
		if v == nil {
			return nil
		}

		// bbolt values are only valid for the life of the transaction.
		out = append([]byte{}, v...)

		return nil
	})

	return out, out != nil, err
}

// Delete removes key. Deleting a missing key is not an error.
func (b *BoltKV) Delete(_ context.Context, key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(b.bucket)
		if bk == nil {
			return nil
		}

		return bk.Delete([]byte(key))
	})
}

// Keys returns every key in the bucket in byte order.
func (b *BoltKV) Keys(_ context.Context) ([]string, error) {
	var keys []string

	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(b.bucket)
		if bk == nil {
			return nil
		}

		return bk.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})

	return keys, err
}
