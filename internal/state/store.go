// Package state provides persistent key-value storage with change tracking.
//
// The store backs the policy catalogs, rollback snapshots and audit
// records. It provides:
// - Persistent storage via SQLite with WAL mode for performance
// - Typed buckets for the different subsystems (policy, snapshots, audit)
// - Real-time change streams for subscribers (the websocket push path)
// - Optional TTL on entries for ephemeral records
//
// Callers interact with buckets of opaque bytes plus JSON helpers; the
// store handles serialization, versioning and change propagation.
//
// The driver is modernc.org/sqlite (pure Go, no CGO) so the daemon
// cross-compiles for embedded targets.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"grimm.is/wayout/internal/clock"
)

var (
	ErrNotFound      = errors.New("key not found")
	ErrBucketExists  = errors.New("bucket already exists")
	ErrBucketMissing = errors.New("bucket does not exist")
	ErrStoreClosed   = errors.New("store is closed")
)

// ChangeType classifies a write.
type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// Change is one write as seen by subscribers and the change log.
type Change struct {
	ID        uint64     `json:"id"`
	Bucket    string     `json:"bucket"`
	Key       string     `json:"key"`
	Value     []byte     `json:"value,omitempty"` // nil for deletes
	Type      ChangeType `json:"type"`
	Timestamp time.Time  `json:"timestamp"`
	Version   uint64     `json:"version"` // monotonic across the whole store
}

// Entry is a stored value with its metadata.
type Entry struct {
	Value     []byte    `json:"value"`
	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"` // zero means no expiry
}

// Store is the storage interface the rest of the daemon programs against.
type Store interface {
	CreateBucket(name string) error
	DeleteBucket(name string) error
	ListBuckets() ([]string, error)

	Get(bucket, key string) ([]byte, error)
	GetWithMeta(bucket, key string) (*Entry, error)
	Set(bucket, key string, value []byte) error
	SetWithTTL(bucket, key string, value []byte, ttl time.Duration) error
	Delete(bucket, key string) error
	List(bucket string) (map[string][]byte, error)
	ListKeys(bucket string) ([]string, error)

	GetJSON(bucket, key string, v any) error
	SetJSON(bucket, key string, v any) error
	SetJSONWithTTL(bucket, key string, v any, ttl time.Duration) error

	Subscribe(ctx context.Context) <-chan Change
	GetChangesSince(version uint64) ([]Change, error)
	CurrentVersion() uint64

	Close() error
}

// SQLiteStore implements Store on a single SQLite database.
type SQLiteStore struct {
	db      *sql.DB
	mu      sync.RWMutex
	version uint64
	closed  bool
	clock   clock.Clock

	subMu       sync.RWMutex
	subscribers map[uint64]chan Change
	nextSubID   uint64

	ctx    context.Context
	cancel context.CancelFunc
}

// Options configures the SQLite store.
type Options struct {
	Path            string        // database file path (":memory:" for in-memory)
	WALMode         bool          // enable WAL mode for better concurrency
	CleanupInterval time.Duration // how often to clean expired entries
	ChangeRetention time.Duration // how long to keep change history
	Clock           clock.Clock   // optional time source, defaults to RealClock
}

// DefaultOptions returns sensible defaults.
func DefaultOptions(path string) Options {
	return Options{
		Path:            path,
		WALMode:         true,
		CleanupInterval: 5 * time.Minute,
		ChangeRetention: 24 * time.Hour,
	}
}

// NewSQLiteStore opens (creating if needed) a SQLite-backed store.
func NewSQLiteStore(opts Options) (*SQLiteStore, error) {
	dsn := opts.Path
	if opts.WALMode && opts.Path != ":memory:" {
		dsn += "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// mmap_size: memory-map the DB for zero-copy reads
	// temp_store: keep temporary tables and indices in RAM
	pragmas := []string{
		"PRAGMA mmap_size = 268435456",
		"PRAGMA temp_store = MEMORY",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma %q: %w", p, err)
		}
	}

	clk := opts.Clock
	if clk == nil {
		clk = &clock.RealClock{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &SQLiteStore{
		db:          db,
		clock:       clk,
		subscribers: make(map[uint64]chan Change),
		ctx:         ctx,
		cancel:      cancel,
	}

	if err := s.initSchema(); err != nil {
		cancel()
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := s.loadVersion(); err != nil {
		cancel()
		db.Close()
		return nil, fmt.Errorf("failed to load version: %w", err)
	}

	if opts.CleanupInterval > 0 {
		go s.cleanupLoop(opts.CleanupInterval, opts.ChangeRetention)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS buckets (
			name TEXT PRIMARY KEY,
			created_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS entries (
			bucket TEXT NOT NULL,
			key TEXT NOT NULL,
			value BLOB,
			version INTEGER NOT NULL,
			updated_at DATETIME NOT NULL,
			expires_at DATETIME,
			PRIMARY KEY (bucket, key),
			FOREIGN KEY (bucket) REFERENCES buckets(name) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS changes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			bucket TEXT NOT NULL,
			key TEXT NOT NULL,
			value BLOB,
			change_type TEXT NOT NULL,
			version INTEGER NOT NULL,
			timestamp DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_entries_expires ON entries(expires_at) WHERE expires_at IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_changes_version ON changes(version);
		CREATE INDEX IF NOT EXISTS idx_changes_timestamp ON changes(timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) loadVersion() error {
	var version sql.NullInt64
	if err := s.db.QueryRow("SELECT MAX(version) FROM changes").Scan(&version); err != nil {
		return err
	}
	if version.Valid {
		s.version = uint64(version.Int64)
	}
	return nil
}

func (s *SQLiteStore) cleanupLoop(interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.cleanup(retention)
		}
	}
}

func (s *SQLiteStore) cleanup(retention time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	now := s.clock.Now()
	_, _ = s.db.Exec("DELETE FROM entries WHERE expires_at IS NOT NULL AND expires_at < ?", now)
	if retention > 0 {
		_, _ = s.db.Exec("DELETE FROM changes WHERE timestamp < ?", now.Add(-retention))
	}
}

// CreateBucket creates a new bucket.
func (s *SQLiteStore) CreateBucket(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.db.Exec("INSERT INTO buckets (name, created_at) VALUES (?, ?)", name, s.clock.Now())
	if err != nil {
		return ErrBucketExists
	}
	return nil
}

// EnsureBucket creates the bucket if it does not exist yet.
func (s *SQLiteStore) EnsureBucket(name string) error {
	err := s.CreateBucket(name)
	if errors.Is(err, ErrBucketExists) {
		return nil
	}
	return err
}

// DeleteBucket removes a bucket and all its entries.
func (s *SQLiteStore) DeleteBucket(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	result, err := s.db.Exec("DELETE FROM buckets WHERE name = ?", name)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrBucketMissing
	}
	return nil
}

// ListBuckets returns all bucket names.
func (s *SQLiteStore) ListBuckets() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query("SELECT name FROM buckets ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var buckets []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		buckets = append(buckets, name)
	}
	return buckets, rows.Err()
}

// Get retrieves a value by bucket and key.
func (s *SQLiteStore) Get(bucket, key string) ([]byte, error) {
	entry, err := s.GetWithMeta(bucket, key)
	if err != nil {
		return nil, err
	}
	return entry.Value, nil
}

// GetWithMeta retrieves a value with its metadata.
func (s *SQLiteStore) GetWithMeta(bucket, key string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var entry Entry
	var expiresAt sql.NullTime

	err := s.db.QueryRow(`
		SELECT value, version, updated_at, expires_at
		FROM entries
		WHERE bucket = ? AND key = ?
		  AND (expires_at IS NULL OR expires_at > ?)
	`, bucket, key, s.clock.Now()).Scan(&entry.Value, &entry.Version, &entry.UpdatedAt, &expiresAt)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		entry.ExpiresAt = expiresAt.Time
	}
	return &entry, nil
}

// Set stores a value.
func (s *SQLiteStore) Set(bucket, key string, value []byte) error {
	return s.setInternal(bucket, key, value, time.Time{})
}

// SetWithTTL stores a value that expires after ttl.
func (s *SQLiteStore) SetWithTTL(bucket, key string, value []byte, ttl time.Duration) error {
	return s.setInternal(bucket, key, value, s.clock.Now().Add(ttl))
}

func (s *SQLiteStore) setInternal(bucket, key string, value []byte, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	now := s.clock.Now()
	// optimistic version bump, rolled back on error
	s.version++
	version := s.version

	tx, err := s.db.Begin()
	if err != nil {
		s.version--
		return err
	}
	defer tx.Rollback()

	var exists bool
	err = tx.QueryRow("SELECT 1 FROM entries WHERE bucket = ? AND key = ?", bucket, key).Scan(&exists)
	if err != nil && err != sql.ErrNoRows {
		s.version--
		return err
	}
	isUpdate := err == nil

	var expiresAtPtr any
	if !expiresAt.IsZero() {
		expiresAtPtr = expiresAt
	}

	_, err = tx.Exec(`
		INSERT INTO entries (bucket, key, value, version, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(bucket, key) DO UPDATE SET
			value = excluded.value,
			version = excluded.version,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at
	`, bucket, key, value, version, now, expiresAtPtr)
	if err != nil {
		s.version--
		return err
	}

	changeType := ChangeInsert
	if isUpdate {
		changeType = ChangeUpdate
	}
	change := Change{
		Bucket:    bucket,
		Key:       key,
		Value:     value,
		Type:      changeType,
		Timestamp: now,
		Version:   version,
	}
	if err := s.recordChangeTx(tx, &change); err != nil {
		s.version--
		return err
	}
	if err := tx.Commit(); err != nil {
		s.version--
		return err
	}

	s.notifySubscribers(change)
	return nil
}

// Delete removes a key.
func (s *SQLiteStore) Delete(bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.Exec("DELETE FROM entries WHERE bucket = ? AND key = ?", bucket, key)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}

	s.version++
	change := Change{
		Bucket:    bucket,
		Key:       key,
		Type:      ChangeDelete,
		Timestamp: s.clock.Now(),
		Version:   s.version,
	}
	if err := s.recordChangeTx(tx, &change); err != nil {
		s.version--
		return err
	}
	if err := tx.Commit(); err != nil {
		s.version--
		return err
	}

	s.notifySubscribers(change)
	return nil
}

// List returns all live key-value pairs in a bucket.
func (s *SQLiteStore) List(bucket string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`
		SELECT key, value FROM entries
		WHERE bucket = ? AND (expires_at IS NULL OR expires_at > ?)
	`, bucket, s.clock.Now())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		result[key] = value
	}
	return result, rows.Err()
}

// ListKeys returns all live keys in a bucket, sorted.
func (s *SQLiteStore) ListKeys(bucket string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`
		SELECT key FROM entries
		WHERE bucket = ? AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY key
	`, bucket, s.clock.Now())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// GetJSON retrieves and unmarshals a JSON value.
func (s *SQLiteStore) GetJSON(bucket, key string, v any) error {
	data, err := s.Get(bucket, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// SetJSON marshals and stores a JSON value.
func (s *SQLiteStore) SetJSON(bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Set(bucket, key, data)
}

// SetJSONWithTTL marshals and stores a JSON value with TTL.
func (s *SQLiteStore) SetJSONWithTTL(bucket, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.SetWithTTL(bucket, key, data, ttl)
}

func (s *SQLiteStore) recordChangeTx(tx *sql.Tx, change *Change) error {
	result, err := tx.Exec(`
		INSERT INTO changes (bucket, key, value, change_type, version, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, change.Bucket, change.Key, change.Value, change.Type, change.Version, change.Timestamp)
	if err != nil {
		return err
	}
	id, _ := result.LastInsertId()
	change.ID = uint64(id)
	return nil
}

func (s *SQLiteStore) notifySubscribers(change Change) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()

	for _, ch := range s.subscribers {
		select {
		case ch <- change:
		default:
			// subscriber is slow, skip
		}
	}
}

// Subscribe returns a channel that receives every subsequent change.
// The channel closes when ctx is cancelled or the store closes.
func (s *SQLiteStore) Subscribe(ctx context.Context) <-chan Change {
	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	ch := make(chan Change, 100)
	s.subscribers[id] = ch
	s.subMu.Unlock()

	go func() {
		<-ctx.Done()
		s.subMu.Lock()
		defer s.subMu.Unlock()
		// only close if still registered, Close may have beaten us
		if _, exists := s.subscribers[id]; exists {
			delete(s.subscribers, id)
			close(ch)
		}
	}()

	return ch
}

// GetChangesSince returns all changes after the given version.
func (s *SQLiteStore) GetChangesSince(version uint64) ([]Change, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`
		SELECT id, bucket, key, value, change_type, version, timestamp
		FROM changes
		WHERE version > ?
		ORDER BY version
	`, version)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changes []Change
	for rows.Next() {
		var c Change
		var changeType string
		if err := rows.Scan(&c.ID, &c.Bucket, &c.Key, &c.Value, &changeType, &c.Version, &c.Timestamp); err != nil {
			return nil, err
		}
		c.Type = ChangeType(changeType)
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

// CurrentVersion returns the store's monotonic version counter.
func (s *SQLiteStore) CurrentVersion() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Close shuts down the store and all subscriber channels.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()

	s.subMu.Lock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	s.subMu.Unlock()

	return s.db.Close()
}
