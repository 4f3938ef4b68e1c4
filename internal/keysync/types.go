package keysync

import (
	"context"
	"time"

	"github.com/alexjbarnes/keysync/internal/state"
)

//go:generate mockgen -destination=mock_directory_test.go -package=keysync . Directory,Subscription

// KeyRecord is one versioned key component. Timestamp is unix
// milliseconds as assigned by the writer.
type KeyRecord = state.KeyRecord

// KeyBundle is everything the directory holds for one user.
type KeyBundle struct {
	UserID     string      `json:"user_id"`
	Components []KeyRecord `json:"components"`
	UpdatedAt  int64       `json:"updated_at"`
}

// Component returns the component of the given type.
func (b KeyBundle) Component(keyType string) (KeyRecord, bool) {
	for _, c := range b.Components {
		if c.KeyType == keyType {
			return c, true
		}
	}

	return KeyRecord{}, false
}

// ChangeKind says what happened to a key in the directory.
type ChangeKind string

const (
	ChangeUpsert ChangeKind = "upsert"
	ChangeDelete ChangeKind = "delete"
)

// Change is one realtime notification from a subscription. When Err is
// set the other fields are empty and the stream stays open.
type Change struct {
	Kind      ChangeKind
	UserID    string
	DeviceID  string
	KeyType   string
	KeyID     string
	Data      []byte
	Timestamp int64
	Err       error
}

// Subscription streams changes under one directory path. Close ends the
// stream and closes the Changes channel.
type Subscription interface {
	Changes() <-chan Change
	Close() error
}

// Directory is the remote key directory. DownloadKeyBundle reports
// ok=false when the user has no keys; that is not an error. The context
// passed to Subscribe bounds establishing the subscription only.
type Directory interface {
	UploadKeyComponent(ctx context.Context, userID, deviceID, componentType string, data []byte) error
	DownloadKeyBundle(ctx context.Context, userID string) (KeyBundle, bool, error)
	Subscribe(ctx context.Context, path string) (Subscription, error)
	DeleteAll(ctx context.Context, userID string) error
}

// Store persists the last applied version of each key and the sync
// cursor. *state.State satisfies it.
type Store interface {
	GetKeyRecord(userID, keyType string) (*state.KeyRecord, error)
	SetKeyRecord(userID string, kr state.KeyRecord) error
	DeleteKeyRecord(userID, keyType string) error
	AllKeyRecords(userID string) (map[string]state.KeyRecord, error)
	GetSyncState(userID string) (state.SyncState, error)
	SetSyncState(userID string, ss state.SyncState) error
}

var _ Store = (*state.State)(nil)

// EventType names a sync event.
type EventType string

const (
	KeyUpdated        EventType = "key_updated"
	KeyDeleted        EventType = "key_deleted"
	SyncError         EventType = "sync_error"
	ConnectionChanged EventType = "connection_changed"
	ConflictResolved  EventType = "conflict_resolved"
	ForceSyncComplete EventType = "force_sync_complete"
	GroupKeyUpdated   EventType = "group_key_updated"
)

// Event is delivered by value to every subscriber.
type Event struct {
	Type      EventType      `json:"type"`
	UserID    string         `json:"user_id,omitempty"`
	DeviceID  string         `json:"device_id,omitempty"`
	GroupID   string         `json:"group_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	KeyType   string         `json:"key_type,omitempty"`
	KeyID     string         `json:"key_id,omitempty"`
	KeyData   []byte         `json:"key_data,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Status is a snapshot of the service.
type Status struct {
	Active        bool      `json:"active"`
	UserID        string    `json:"user_id,omitempty"`
	Groups        []string  `json:"groups,omitempty"`
	Subscriptions int       `json:"subscriptions"`
	LastSync      time.Time `json:"last_sync,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	Events        int       `json:"events"`
	Errors        int       `json:"errors"`
	Conflicts     int       `json:"conflicts"`
}

// UserKeysPath is the directory path of a user's key set.
func UserKeysPath(userID string) string {
	return "users/" + userID + "/keys"
}

// GroupSenderKeysPath is the directory path of a group's sender keys.
func GroupSenderKeysPath(groupID string) string {
	return "groups/" + groupID + "/sender_keys"
}
