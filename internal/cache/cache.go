package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

// Store is the on-disk tier behind the in-memory resolver cache. Rows carry their own TTL.
type Store struct {
	db   *sql.DB
	lock *flock.Flock
}

// Result is a cache read. Expired rows read as misses; they are only replaced, never served.
// Negative marks a remembered "does not exist" answer, which carries no value.
type Result struct {
	Hit      bool
	Negative bool
	Value    []byte
	Age      time.Duration
}

func Open(path, lockPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite cache: %w", err)
	}

	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		`CREATE TABLE IF NOT EXISTS resolver_entries (
			key TEXT PRIMARY KEY,
			value BLOB,
			negative INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			ttl_seconds INTEGER NOT NULL
		);`,
	}
	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init cache schema: %w", err)
		}
	}

	store := &Store{db: db, lock: flock.New(lockPath)}
	_ = store.Prune()
	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Prune deletes expired rows. Open calls it so the file does not grow without bound.
func (s *Store) Prune() error {
	if s == nil || s.db == nil {
		return nil
	}
	nowUnix := time.Now().UTC().Unix()
	if _, err := s.db.Exec("DELETE FROM resolver_entries WHERE created_at + ttl_seconds < ?", nowUnix); err != nil {
		return fmt.Errorf("prune cache: %w", err)
	}
	return nil
}

func (s *Store) Get(key string) (Result, error) {
	if s == nil || s.db == nil {
		return Result{}, nil
	}
	var (
		value       []byte
		negative    bool
		createdUnix int64
		ttlSeconds  int64
	)
	err := s.db.QueryRow("SELECT value, negative, created_at, ttl_seconds FROM resolver_entries WHERE key = ?", key).
		Scan(&value, &negative, &createdUnix, &ttlSeconds)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Result{}, nil
		}
		return Result{}, fmt.Errorf("cache read: %w", err)
	}

	age := time.Since(time.Unix(createdUnix, 0).UTC())
	if age < 0 {
		age = 0
	}
	if age > time.Duration(ttlSeconds)*time.Second {
		return Result{Age: age}, nil
	}
	if negative {
		return Result{Hit: true, Negative: true, Age: age}, nil
	}
	return Result{Hit: true, Value: value, Age: age}, nil
}

// GetJSON decodes a positive hit into out. Negative hits report found=true with out untouched.
func (s *Store) GetJSON(key string, out any) (Result, error) {
	res, err := s.Get(key)
	if err != nil || !res.Hit || res.Negative {
		return res, err
	}
	if err := json.Unmarshal(res.Value, out); err != nil {
		return Result{}, fmt.Errorf("decode cache entry %s: %w", key, err)
	}
	return res, nil
}

func (s *Store) Set(key string, value []byte, ttl time.Duration) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.withLock(func() error {
		return s.upsert(key, value, false, ttl)
	})
}

func (s *Store) SetJSON(key string, v any, ttl time.Duration) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode cache entry %s: %w", key, err)
	}
	return s.Set(key, buf, ttl)
}

// SetNegative remembers that key does not exist upstream. Only confirmed absences belong
// here; throttled or failed lookups must not be recorded.
func (s *Store) SetNegative(key string, ttl time.Duration) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.withLock(func() error {
		return s.upsert(key, nil, true, ttl)
	})
}

func (s *Store) Delete(key string) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.withLock(func() error {
		if _, err := s.db.Exec("DELETE FROM resolver_entries WHERE key = ?", key); err != nil {
			return fmt.Errorf("cache delete: %w", err)
		}
		return nil
	})
}

func (s *Store) withLock(fn func() error) error {
	locked, err := s.lock.TryLockContext(context.Background(), 5*time.Second)
	if err != nil {
		return fmt.Errorf("lock cache: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock cache: timeout acquiring lock")
	}
	defer func() { _ = s.lock.Unlock() }()
	return fn()
}

func (s *Store) upsert(key string, value []byte, negative bool, ttl time.Duration) error {
	ttlSeconds := int64(ttl.Seconds())
	if ttlSeconds <= 0 {
		ttlSeconds = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO resolver_entries (key, value, negative, created_at, ttl_seconds)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value=excluded.value,
			negative=excluded.negative,
			created_at=excluded.created_at,
			ttl_seconds=excluded.ttl_seconds
	`, key, value, negative, time.Now().UTC().Unix(), ttlSeconds)
	if err != nil {
		return fmt.Errorf("cache write: %w", err)
	}
	return nil
}
