// Package cache keeps provider responses in a local sqlite file so repeated
// discovery calls for the same account and chain stay off the network.
// Writers on the same machine are serialized by a file lock.
package cache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

const lockTimeout = 5 * time.Second

var schema = []string{
	"PRAGMA journal_mode=WAL;",
	"PRAGMA synchronous=NORMAL;",
	`CREATE TABLE IF NOT EXISTS responses (
		key TEXT PRIMARY KEY,
		namespace TEXT NOT NULL,
		value BLOB NOT NULL,
		created_at_ms INTEGER NOT NULL,
		ttl_ms INTEGER NOT NULL
	);`,
	"CREATE INDEX IF NOT EXISTS responses_namespace ON responses(namespace);",
}

type Store struct {
	db   *sql.DB
	lock *flock.Flock
	now  func() time.Time
}

type Result struct {
	Hit      bool
	Value    []byte
	Age      time.Duration
	Stale    bool
	TooStale bool
}

func Open(path, lockPath string) (*Store, error) {
	for _, dir := range []string{filepath.Dir(path), filepath.Dir(lockPath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite cache: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init cache schema: %w", err)
		}
	}

	store := &Store{db: db, lock: flock.New(lockPath), now: time.Now}
	_ = store.Prune()
	return store, nil
}

// WithClock replaces the time source used to stamp and age entries.
func (s *Store) WithClock(now func() time.Time) *Store {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Prune deletes entries whose TTL has fully expired. Open calls it.
func (s *Store) Prune() error {
	if s == nil || s.db == nil {
		return nil
	}
	if _, err := s.db.Exec("DELETE FROM responses WHERE created_at_ms + ttl_ms < ?", s.now().UnixMilli()); err != nil {
		return fmt.Errorf("prune cache: %w", err)
	}
	return nil
}

// Get reads key. An entry older than its TTL is Stale; one older than TTL
// plus maxStale is also TooStale. A negative maxStale never marks TooStale.
func (s *Store) Get(key string, maxStale time.Duration) (Result, error) {
	var value []byte
	var createdMS, ttlMS int64
	err := s.db.QueryRow("SELECT value, created_at_ms, ttl_ms FROM responses WHERE key = ?", key).Scan(&value, &createdMS, &ttlMS)
	if errors.Is(err, sql.ErrNoRows) {
		return Result{}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("cache read: %w", err)
	}

	age := s.now().Sub(time.UnixMilli(createdMS))
	if age < 0 {
		age = 0
	}
	ttl := time.Duration(ttlMS) * time.Millisecond
	stale := age > ttl
	return Result{
		Hit:      true,
		Value:    value,
		Age:      age,
		Stale:    stale,
		TooStale: stale && maxStale >= 0 && age > ttl+maxStale,
	}, nil
}

func (s *Store) Set(key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Second
	}
	unlock, err := s.acquire()
	if err != nil {
		return err
	}
	defer unlock()

	_, err = s.db.Exec(`
		INSERT INTO responses (key, namespace, value, created_at_ms, ttl_ms)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value=excluded.value,
			created_at_ms=excluded.created_at_ms,
			ttl_ms=excluded.ttl_ms
	`, key, namespaceOf(key), value, s.now().UnixMilli(), ttl.Milliseconds())
	if err != nil {
		return fmt.Errorf("cache write: %w", err)
	}
	return nil
}

// Invalidate drops every entry stored under namespace and reports how many
// were removed.
func (s *Store) Invalidate(namespace string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	unlock, err := s.acquire()
	if err != nil {
		return 0, err
	}
	defer unlock()

	res, err := s.db.Exec("DELETE FROM responses WHERE namespace = ?", namespace)
	if err != nil {
		return 0, fmt.Errorf("cache invalidate: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Store) acquire() (func(), error) {
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()
	locked, err := s.lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("lock cache: %w", err)
	}
	if !locked {
		return nil, errors.New("lock cache: timeout acquiring lock")
	}
	return func() { _ = s.lock.Unlock() }, nil
}

// Key builds "namespace|digest" where digest hashes the remaining parts.
func Key(namespace string, parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return namespace + "|" + hex.EncodeToString(sum[:])
}

func namespaceOf(key string) string {
	ns, _, _ := strings.Cut(key, "|")
	return ns
}
