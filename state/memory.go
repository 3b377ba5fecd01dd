package state

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	// cleanupInterval is how often expired entries and locks are swept.
	cleanupInterval = time.Second

	// watchBuffer is the per-watcher channel depth. A full buffer
	// drops the event; the store itself stays current.
	watchBuffer = 64

	lockPrefix = "_lock."
)

// MemoryStore implements StateStore in process memory. This is the
// store a single-process orchestrator runs on.
type MemoryStore struct {
	mu       sync.RWMutex
	data     map[string]*entry
	locks    map[string]*memoryLock
	watchers []*watcher
	revision uint64
	closed   atomic.Bool

	sweep *time.Ticker
	done  chan struct{}
}

type entry struct {
	value    []byte
	revision uint64
	created  time.Time
	modified time.Time
	expires  time.Time // zero means no expiry
}

type watcher struct {
	pattern string
	ch      chan *KeyValue
	closed  atomic.Bool
}

// NewMemoryStore creates an empty in-memory store and starts its
// expiry sweeper.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		data:  make(map[string]*entry),
		locks: make(map[string]*memoryLock),
		sweep: time.NewTicker(cleanupInterval),
		done:  make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

func (s *MemoryStore) sweepLoop() {
	for {
		select {
		case <-s.sweep.C:
			s.sweepExpired()
		case <-s.done:
			return
		}
	}
}

// sweepExpired drops expired entries (emitting delete events) and
// expired locks.
func (s *MemoryStore) sweepExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for key, e := range s.data {
		if !e.expires.IsZero() && now.After(e.expires) {
			delete(s.data, key)
			s.revision++
			s.notifyWatchers(key, nil, OpDelete, s.revision)
		}
	}
	for key, lock := range s.locks {
		if now.After(lock.expires) {
			lock.released.Store(true)
			delete(s.locks, key)
		}
	}
}

// live returns the entry for key if present and unexpired. Caller
// holds at least the read lock.
func (s *MemoryStore) live(key string) (*entry, bool) {
	e, ok := s.data[key]
	if !ok {
		return nil, false
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		return nil, false
	}
	return e, true
}

// Get retrieves a value by key.
func (s *MemoryStore) Get(key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.live(key)
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBytes(e.value), nil
}

// GetKeyValue retrieves the full KeyValue entry.
func (s *MemoryStore) GetKeyValue(key string) (*KeyValue, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.live(key)
	if !ok {
		return nil, ErrNotFound
	}
	return &KeyValue{
		Key:       key,
		Value:     cloneBytes(e.value),
		Revision:  e.revision,
		Operation: OpPut,
		Created:   e.created,
		Modified:  e.modified,
	}, nil
}

// Put stores a value with optional TTL.
func (s *MemoryStore) Put(key string, value []byte, ttl time.Duration) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ValidateTTL(ttl); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.revision++
	rev := s.revision

	val := cloneBytes(value)

	var expires time.Time
	if ttl > 0 {
		expires = now.Add(ttl)
	}

	created := now
	if existing, ok := s.data[key]; ok {
		created = existing.created
	}

	s.data[key] = &entry{
		value:    val,
		revision: rev,
		created:  created,
		modified: now,
		expires:  expires,
	}

	s.notifyWatchers(key, val, OpPut, rev)
	return nil
}

// Delete removes a key. Absent keys are a no-op.
func (s *MemoryStore) Delete(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[key]; ok {
		delete(s.data, key)
		s.revision++
		s.notifyWatchers(key, nil, OpDelete, s.revision)
	}
	return nil
}

// Keys lists unexpired keys matching the pattern.
func (s *MemoryStore) Keys(pattern string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	var keys []string
	for key, e := range s.data {
		if !e.expires.IsZero() && now.After(e.expires) {
			continue
		}
		if MatchPattern(pattern, key) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Watch streams changes to keys matching the pattern.
func (s *MemoryStore) Watch(pattern string) (<-chan *KeyValue, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	w := &watcher{
		pattern: pattern,
		ch:      make(chan *KeyValue, watchBuffer),
	}

	s.mu.Lock()
	s.watchers = append(s.watchers, w)
	s.mu.Unlock()

	return w.ch, nil
}

// notifyWatchers fans one event out to matching watchers. Caller holds
// the write lock. The event carries the same revision recorded on the
// entry.
func (s *MemoryStore) notifyWatchers(key string, value []byte, op Operation, rev uint64) {
	kv := &KeyValue{
		Key:       key,
		Value:     value,
		Revision:  rev,
		Operation: op,
		Modified:  time.Now(),
	}
	for _, w := range s.watchers {
		if w.closed.Load() || !MatchPattern(w.pattern, key) {
			continue
		}
		select {
		case w.ch <- kv:
		default:
			// Full buffer drops the event.
		}
	}
}

// Lock acquires an advisory lock.
func (s *MemoryStore) Lock(key string, ttl time.Duration) (Lock, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lockKey := lockPrefix + key
	if existing, ok := s.locks[lockKey]; ok {
		if !existing.released.Load() && time.Now().Before(existing.expires) {
			return nil, ErrLockHeld
		}
	}

	lock := &memoryLock{
		store:   s,
		key:     lockKey,
		ttl:     ttl,
		expires: time.Now().Add(ttl),
	}
	s.locks[lockKey] = lock
	return lock, nil
}

// Close stops the sweeper, closes every watch channel and drops the
// data.
func (s *MemoryStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	close(s.done)
	s.sweep.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range s.watchers {
		if !w.closed.Swap(true) {
			close(w.ch)
		}
	}
	s.watchers = nil
	s.data = nil
	s.locks = nil
	return nil
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// memoryLock implements Lock for MemoryStore.
type memoryLock struct {
	store    *MemoryStore
	key      string
	ttl      time.Duration
	expires  time.Time
	released atomic.Bool
}

func (l *memoryLock) Unlock() error {
	if l.released.Swap(true) {
		return ErrLockNotHeld
	}

	l.store.mu.Lock()
	defer l.store.mu.Unlock()

	delete(l.store.locks, l.key)
	return nil
}

func (l *memoryLock) Refresh() error {
	if l.released.Load() {
		return ErrLockNotHeld
	}

	l.store.mu.Lock()
	defer l.store.mu.Unlock()

	if time.Now().After(l.expires) {
		l.released.Store(true)
		delete(l.store.locks, l.key)
		return ErrLockExpired
	}
	l.expires = time.Now().Add(l.ttl)
	return nil
}

func (l *memoryLock) Key() string {
	return l.key
}
