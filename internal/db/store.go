package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/g960059/window/internal/credstore"
	"github.com/g960059/window/internal/model"
)

// Store is the sqlite-backed credential store. It holds at most one row.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ credstore.Store = (*Store)(nil)

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// OpenMigrated opens path and brings the schema up to date.
func OpenMigrated(ctx context.Context, path string) (*Store, error) {
	store, err := Open(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := ApplyMigrations(ctx, store.db); err != nil {
		store.Close() //nolint:errcheck
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Save(ctx context.Context, creds model.Credentials) error {
	creds, err := credstore.Validate(creds)
	if err != nil {
		return err
	}
	now := ts(s.now())
	_, err = s.db.ExecContext(ctx, `
INSERT INTO credentials(id, host, api_key, updated_at, last_connected_at)
VALUES (1, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	host=excluded.host,
	api_key=excluded.api_key,
	updated_at=excluded.updated_at,
	last_connected_at=excluded.last_connected_at`,
		creds.Host, creds.APIKey, now, now,
	)
	if err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context) (model.Credentials, error) {
	var creds model.Credentials
	err := s.db.QueryRowContext(ctx, `SELECT host, api_key FROM credentials WHERE id = 1`).Scan(&creds.Host, &creds.APIKey)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Credentials{}, credstore.ErrNotFound
	}
	if err != nil {
		return model.Credentials{}, fmt.Errorf("load credentials: %w", err)
	}
	return creds, nil
}

// LastConnectedAt reports when credentials were last saved by a live session.
func (s *Store) LastConnectedAt(ctx context.Context) (time.Time, error) {
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT last_connected_at FROM credentials WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, credstore.ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("load last connected: %w", err)
	}
	if !raw.Valid {
		return time.Time{}, nil
	}
	return parseTS(raw.String)
}

func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials`); err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}
	return nil
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
