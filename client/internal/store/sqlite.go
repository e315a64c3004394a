package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrDelete may be returned from an Update callback to remove the key.
var ErrDelete = errors.New("delete key")

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB

	mu       sync.Mutex
	watchers map[chan Change]struct{}
}

// NewSQLite opens (or creates) the session database at path and runs
// migrations. ":memory:" opens a shared in-memory database.
func NewSQLite(path string) (*SQLiteStore, error) {
	// Write transactions take the lock up front so concurrent read-modify-write
	// callers queue on busy_timeout instead of failing on lock upgrade.
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_txlock=immediate"
	if path == ":memory:" {
		// Shared cache so all connections in the pool see the same data.
		dsn = "file::memory:?cache=shared&_pragma=busy_timeout(5000)&_txlock=immediate"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
	}

	s := &SQLiteStore{db: db, watchers: make(map[chan Change]struct{})}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %q: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLiteStore) Put(ctx context.Context, key, value string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, upsertSQL, key, value); err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}
	s.notify(key)
	return nil
}

const upsertSQL = `INSERT INTO kv (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`

func (s *SQLiteStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("delete keys: %w", err)
	}
	for _, k := range keys {
		s.notify(k)
	}
	return nil
}

func (s *SQLiteStore) Update(ctx context.Context, key string, fn func(current string, ok bool) (string, error)) error {
	if err := validateKey(key); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update %q: %w", key, err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	ok := true
	err = tx.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		ok = false
	} else if err != nil {
		return fmt.Errorf("read %q: %w", key, err)
	}

	next, err := fn(current, ok)
	switch {
	case errors.Is(err, ErrDelete):
		if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
			return fmt.Errorf("delete %q: %w", key, err)
		}
	case err != nil:
		return err
	default:
		if _, err := tx.ExecContext(ctx, upsertSQL, key, next); err != nil {
			return fmt.Errorf("write %q: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update %q: %w", key, err)
	}
	s.notify(key)
	return nil
}

// Watch reports in-process writes immediately and polls PRAGMA data_version
// on a dedicated connection to detect commits by other processes.
func (s *SQLiteStore) Watch(ctx context.Context, interval time.Duration) <-chan Change {
	ch := make(chan Change, 16)

	s.mu.Lock()
	s.watchers[ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.watchers, ch)
			close(ch)
			s.mu.Unlock()
		}()

		conn, err := s.db.Conn(ctx)
		if err != nil {
			<-ctx.Done()
			return
		}
		defer func() { _ = conn.Close() }()

		last, err := dataVersion(ctx, conn)
		if err != nil {
			<-ctx.Done()
			return
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				v, err := dataVersion(ctx, conn)
				if err != nil || v == last {
					continue
				}
				last = v
				select {
				case ch <- Change{External: true}:
				default:
				}
			}
		}
	}()

	return ch
}

func dataVersion(ctx context.Context, conn *sql.Conn) (int64, error) {
	var v int64
	err := conn.QueryRowContext(ctx, `PRAGMA data_version`).Scan(&v)
	return v, err
}

func (s *SQLiteStore) notify(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.watchers {
		select {
		case ch <- Change{Key: key}:
		default:
		}
	}
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("store key is empty")
	}
	return nil
}
