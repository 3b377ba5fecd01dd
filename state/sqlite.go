package state

import (
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv (
	key      TEXT PRIMARY KEY,
	value    BLOB NOT NULL,
	revision INTEGER NOT NULL,
	created  INTEGER NOT NULL,
	modified INTEGER NOT NULL,
	expires  INTEGER
);

CREATE INDEX IF NOT EXISTS idx_kv_expires ON kv(expires);

CREATE TABLE IF NOT EXISTS meta (
	id       INTEGER PRIMARY KEY CHECK (id = 1),
	revision INTEGER NOT NULL
);

INSERT OR IGNORE INTO meta (id, revision) VALUES (1, 0);
`

// SQLiteStore implements StateStore on a SQLite file using
// modernc.org/sqlite (pure Go). Records written through it survive a
// process restart, which is what recovery replays on startup. Watches
// and advisory locks are in-process: they cover components sharing
// this store instance, not other processes opening the same file.
type SQLiteStore struct {
	db *sql.DB

	mu       sync.Mutex
	watchers []*watcher
	locks    map[string]*sqliteLock
	revision uint64
	closed   atomic.Bool

	cleanupTicker *time.Ticker
	done          chan struct{}
}

// NewSQLiteStore opens or creates the store at path, creating parent
// directories as needed. WAL mode keeps readers concurrent with the
// single writer.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// One connection keeps the pragmas below bound to the connection
	// every statement runs on.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteStore{
		db:            db,
		locks:         make(map[string]*sqliteLock),
		cleanupTicker: time.NewTicker(time.Second),
		done:          make(chan struct{}),
	}

	// The revision counter continues where the last process stopped.
	var rev int64
	if err := db.QueryRow("SELECT revision FROM meta WHERE id = 1").Scan(&rev); err != nil {
		db.Close()
		return nil, err
	}
	s.revision = uint64(rev)

	go s.cleanupLoop()
	return s, nil
}

// cleanupLoop removes expired entries periodically.
func (s *SQLiteStore) cleanupLoop() {
	for {
		select {
		case <-s.cleanupTicker.C:
			s.cleanupExpired()
		case <-s.done:
			return
		}
	}
}

// cleanupExpired removes entries and locks that have expired.
func (s *SQLiteStore) cleanupExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	rows, err := s.db.Query("SELECT key FROM kv WHERE expires IS NOT NULL AND expires < ?", now.UnixNano())
	if err != nil {
		return
	}
	var expired []string
	for rows.Next() {
		var key string
		if rows.Scan(&key) == nil {
			expired = append(expired, key)
		}
	}
	rows.Close()

	for _, key := range expired {
		rev := s.revision + 1
		if err := s.deleteTx(key, rev); err != nil {
			continue
		}
		s.revision = rev
		s.notifyWatchers(key, nil, OpDelete, rev)
	}

	for key, lock := range s.locks {
		if now.After(lock.expires) {
			lock.released.Store(true)
			delete(s.locks, key)
		}
	}
}

// deleteTx removes a row and records the revision in one transaction.
func (s *SQLiteStore) deleteTx(key string, rev uint64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM kv WHERE key = ?", key); err != nil {
		return err
	}
	if _, err := tx.Exec("UPDATE meta SET revision = ? WHERE id = 1", int64(rev)); err != nil {
		return err
	}
	return tx.Commit()
}

// Get retrieves a value by key.
func (s *SQLiteStore) Get(key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	var value []byte
	var expires sql.NullInt64
	err := s.db.QueryRow("SELECT value, expires FROM kv WHERE key = ?", key).Scan(&value, &expires)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	// Expired rows are invisible until the cleanup pass removes them.
	if expires.Valid && time.Now().UnixNano() > expires.Int64 {
		return nil, ErrNotFound
	}

	return value, nil
}

// GetKeyValue retrieves the full KeyValue entry.
func (s *SQLiteStore) GetKeyValue(key string) (*KeyValue, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	var value []byte
	var rev, created, modified int64
	var expires sql.NullInt64
	err := s.db.QueryRow(
		"SELECT value, revision, created, modified, expires FROM kv WHERE key = ?", key,
	).Scan(&value, &rev, &created, &modified, &expires)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if expires.Valid && time.Now().UnixNano() > expires.Int64 {
		return nil, ErrNotFound
	}

	return &KeyValue{
		Key:       key,
		Value:     value,
		Revision:  uint64(rev),
		Operation: OpPut,
		Created:   time.Unix(0, created),
		Modified:  time.Unix(0, modified),
	}, nil
}

// Put stores a value with optional TTL.
func (s *SQLiteStore) Put(key string, value []byte, ttl time.Duration) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ValidateTTL(ttl); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	now := time.Now()

	// Copy value to prevent external mutation reaching watchers
	val := make([]byte, len(value))
	copy(val, value)

	var expires interface{}
	if ttl > 0 {
		expires = now.Add(ttl).UnixNano()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rev := s.revision + 1

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// The upsert leaves created untouched for existing rows.
	if _, err := tx.Exec(`INSERT INTO kv (key, value, revision, created, modified, expires)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value    = excluded.value,
			revision = excluded.revision,
			modified = excluded.modified,
			expires  = excluded.expires`,
		key, val, int64(rev), now.UnixNano(), now.UnixNano(), expires); err != nil {
		return err
	}
	if _, err := tx.Exec("UPDATE meta SET revision = ? WHERE id = 1", int64(rev)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.revision = rev
	s.notifyWatchers(key, val, OpPut, rev)
	return nil
}

// Delete removes a key.
func (s *SQLiteStore) Delete(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rev := s.revision + 1

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec("DELETE FROM kv WHERE key = ?", key)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Absent keys do not consume a revision.
		return nil
	}
	if _, err := tx.Exec("UPDATE meta SET revision = ? WHERE id = 1", int64(rev)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.revision = rev
	s.notifyWatchers(key, nil, OpDelete, rev)
	return nil
}

// Keys returns all keys matching a pattern.
func (s *SQLiteStore) Keys(pattern string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	rows, err := s.db.Query("SELECT key, expires FROM kv")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	now := time.Now().UnixNano()
	var keys []string
	for rows.Next() {
		var key string
		var expires sql.NullInt64
		if err := rows.Scan(&key, &expires); err != nil {
			return nil, err
		}
		if expires.Valid && now > expires.Int64 {
			continue
		}
		if MatchPattern(pattern, key) {
			keys = append(keys, key)
		}
	}
	return keys, rows.Err()
}

// Watch watches for changes to keys matching a pattern. Notifications
// cover changes made through this store instance.
func (s *SQLiteStore) Watch(pattern string) (<-chan *KeyValue, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	ch := make(chan *KeyValue, 64)
	w := &watcher{
		pattern: pattern,
		ch:      ch,
	}

	s.mu.Lock()
	s.watchers = append(s.watchers, w)
	s.mu.Unlock()

	return ch, nil
}

// notifyWatchers sends notifications to matching watchers.
// Must be called with lock held.
func (s *SQLiteStore) notifyWatchers(key string, value []byte, op Operation, rev uint64) {
	kv := &KeyValue{
		Key:       key,
		Value:     value,
		Revision:  rev,
		Operation: op,
		Modified:  time.Now(),
	}

	for _, w := range s.watchers {
		if w.closed.Load() {
			continue
		}
		if MatchPattern(w.pattern, key) {
			select {
			case w.ch <- kv:
			default:
				// Channel full, drop notification
			}
		}
	}
}

// Lock acquires an advisory lock.
func (s *SQLiteStore) Lock(key string, ttl time.Duration) (Lock, error) {
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

	lockKey := "_lock." + key

	if existing, ok := s.locks[lockKey]; ok {
		if !existing.released.Load() && time.Now().Before(existing.expires) {
			return nil, ErrLockHeld
		}
	}

	lock := &sqliteLock{
		store:   s,
		key:     lockKey,
		ttl:     ttl,
		expires: time.Now().Add(ttl),
	}
	s.locks[lockKey] = lock

	return lock, nil
}

// Close shuts down the store and closes the database.
func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	close(s.done)
	s.cleanupTicker.Stop()

	s.mu.Lock()
	for _, w := range s.watchers {
		if !w.closed.Swap(true) {
			close(w.ch)
		}
	}
	s.watchers = nil
	s.locks = nil
	s.mu.Unlock()

	return s.db.Close()
}

// sqliteLock implements the Lock interface for SQLiteStore.
type sqliteLock struct {
	store    *SQLiteStore
	key      string
	ttl      time.Duration
	expires  time.Time
	released atomic.Bool
}

// Unlock releases the lock.
func (l *sqliteLock) Unlock() error {
	if l.released.Swap(true) {
		return ErrLockNotHeld
	}

	l.store.mu.Lock()
	defer l.store.mu.Unlock()

	delete(l.store.locks, l.key)
	return nil
}

// Refresh extends the lock TTL.
func (l *sqliteLock) Refresh() error {
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

// Key returns the lock key.
func (l *sqliteLock) Key() string {
	return l.key
}
