package state

import (
	"errors"
	"strings"
	"time"
)

// Common errors.
var (
	ErrNotFound    = errors.New("key not found")
	ErrClosed      = errors.New("store closed")
	ErrLockHeld    = errors.New("lock already held")
	ErrLockNotHeld = errors.New("lock not held")
	ErrLockExpired = errors.New("lock expired")
	ErrInvalidKey  = errors.New("invalid key")
	ErrInvalidTTL  = errors.New("invalid TTL")
	ErrWatchClosed = errors.New("watch closed")
)

// maxKeyLen bounds key size; task and agent keys are far shorter.
const maxKeyLen = 1024

// Operation is the kind of change a watch event reports.
type Operation int

const (
	// OpPut is a key create or update.
	OpPut Operation = iota
	// OpDelete is a key removal.
	OpDelete
)

func (o Operation) String() string {
	switch o {
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// KeyValue is one stored entry, or one watch event, with its metadata.
type KeyValue struct {
	Key   string
	Value []byte

	// Revision increments on every store mutation; watch events carry
	// the revision their mutation produced.
	Revision uint64

	// Operation is meaningful on watch events.
	Operation Operation

	Created  time.Time
	Modified time.Time
}

// StateStore provides key-value storage with TTL, watch notifications
// and advisory locking. Task records and agent slot records are kept in
// a StateStore so the dispatcher, supervisors and aggregator observe a
// single authoritative copy.
type StateStore interface {
	// Get retrieves a value by key.
	// Returns ErrNotFound if the key does not exist.
	Get(key string) ([]byte, error)

	// GetKeyValue retrieves the full KeyValue entry.
	// Returns ErrNotFound if the key does not exist.
	GetKeyValue(key string) (*KeyValue, error)

	// Put stores a value. A zero ttl means the key never expires.
	Put(key string, value []byte, ttl time.Duration) error

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(key string) error

	// Keys lists keys matching a pattern. The pattern supports a
	// trailing * wildcard (e.g. "task.*").
	Keys(pattern string) ([]string, error)

	// Watch streams changes to keys matching a pattern (trailing *
	// wildcard, as in Keys). The channel closes when the watch ends
	// or the store closes.
	Watch(pattern string) (<-chan *KeyValue, error)

	// Lock acquires an advisory lock with the given TTL.
	// Returns ErrLockHeld if the lock is already held.
	Lock(key string, ttl time.Duration) (Lock, error)

	// Close shuts down the store and releases resources.
	Close() error
}

// Lock is a held advisory lock with expiry.
type Lock interface {
	// Unlock releases the lock.
	// Returns ErrLockNotHeld if already released.
	Unlock() error

	// Refresh extends the lock TTL.
	// Returns ErrLockExpired if the lock has expired.
	Refresh() error

	// Key returns the lock key.
	Key() string
}

// ValidateKey rejects empty keys, keys with spaces, keys with a
// leading or trailing dot, and keys over the length bound.
func ValidateKey(key string) error {
	switch {
	case key == "":
		return ErrInvalidKey
	case strings.Contains(key, " "):
		return ErrInvalidKey
	case strings.HasPrefix(key, ".") || strings.HasSuffix(key, "."):
		return ErrInvalidKey
	case len(key) > maxKeyLen:
		return ErrInvalidKey
	}
	return nil
}

// ValidateTTL rejects negative TTLs.
func ValidateTTL(ttl time.Duration) error {
	if ttl < 0 {
		return ErrInvalidTTL
	}
	return nil
}

// MatchPattern reports whether a key matches a pattern with an
// optional trailing * wildcard ("task.*" matches "task.t-01").
func MatchPattern(pattern, key string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(key, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == key
}
