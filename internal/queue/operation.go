package queue

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// OperationType names the kind of deferred work. Handlers are registered
// per type; the set is open.
type OperationType string

const (
	UploadKeys    OperationType = "upload_keys"
	SyncKeys      OperationType = "sync_keys"
	UploadMessage OperationType = "upload_message"
	FetchUserKeys OperationType = "fetch_user_keys"
	DeleteKeys    OperationType = "delete_keys"
)

// Operation is one unit of deferred work. Payload survives a JSON round
// trip, so numbers come back as float64.
type Operation struct {
	ID        string         `json:"id"`
	Type      OperationType  `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Priority  int            `json:"priority"`
	QueuedAt  time.Time      `json:"queued_at"`
	MaxAge    time.Duration  `json:"max_age,omitempty"`
	Attempts  int            `json:"attempts"`
	LastError string         `json:"last_error,omitempty"`
}

// Expired reports whether the operation outlived its MaxAge at now.
func (op Operation) Expired(now time.Time) bool {
	return op.MaxAge > 0 && op.QueuedAt.Add(op.MaxAge).Before(now)
}

// PayloadString returns a string payload field.
func (op Operation) PayloadString(key string) (string, bool) {
	v, ok := op.Payload[key].(string)
	return v, ok
}

// storeKey returns the storage key for op. Byte order of keys equals drain
// order: priority descending, then enqueue time ascending, then ID.
func (op Operation) storeKey() string {
	return fmt.Sprintf("%016x_%016x_%s",
		^orderedUint(int64(op.Priority)),
		orderedUint(op.QueuedAt.UnixNano()),
		op.ID,
	)
}

// orderedUint maps a signed value onto uint64 preserving order.
func orderedUint(v int64) uint64 {
	return uint64(v) ^ (1 << 63)
}

// stubFromKey recovers what a store key encodes. Used to report records
// whose body cannot be decoded.
func stubFromKey(key string) Operation {
	parts := strings.SplitN(key, "_", 3)
	if len(parts) != 3 {
		return Operation{ID: key}
	}

	op := Operation{ID: parts[2]}

	if u, err := strconv.ParseUint(parts[0], 16, 64); err == nil {
		op.Priority = int(int64(^u ^ (1 << 63)))
	}

	if u, err := strconv.ParseUint(parts[1], 16, 64); err == nil {
		op.QueuedAt = time.Unix(0, int64(u^(1<<63))).UTC()
	}

	return op
}

func encode(op Operation) ([]byte, error) {
	data, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("encoding operation %s: %w", op.ID, err)
	}

	return data, nil
}

func decode(data []byte) (Operation, error) {
	var op Operation
	if err := json.Unmarshal(data, &op); err != nil {
		return Operation{}, err
	}

	if op.ID == "" || op.Type == "" {
		return Operation{}, fmt.Errorf("missing id or type")
	}

	return op, nil
}

// less orders operations for draining.
func less(a, b Operation) int {
	switch {
	case a.Priority != b.Priority:
		if a.Priority > b.Priority {
			return -1
		}
		return 1
	case !a.QueuedAt.Equal(b.QueuedAt):
		return a.QueuedAt.Compare(b.QueuedAt)
	default:
		return strings.Compare(a.ID, b.ID)
	}
}
