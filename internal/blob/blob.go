// Package blob persists the payloads referenced by queue entries.
//
// A queue entry only carries a DataFileKey; the resource itself lives in a
// blob Store so that the queue index stays small and payload writes are
// independent of index rewrites.
package blob

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/medsync/internal/store"
)

// ErrNotFound is returned when no blob exists for a key.
var ErrNotFound = errors.New("blob not found")

// Store is key -> blob persistence.
type Store interface {
	// Put persists data under a freshly generated key and returns the key.
	Put(ctx context.Context, data []byte) (string, error)
	// Get returns the blob stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes the blob. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// NewKey returns a new random blob key.
func NewKey() string {
	return uuid.NewString()
}

// FileStore keeps one file per blob under a directory.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("blob directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Put writes to a temp file and renames it into place so readers never see
// partial blobs.
func (s *FileStore) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key := NewKey()
	path := s.path(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write blob %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("commit blob %s: %w", key, err)
	}
	return key, nil
}

func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", key, err)
	}
	return data, nil
}

func (s *FileStore) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	err := os.Remove(s.path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete blob %s: %w", key, err)
	}
	return nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, key+".blob")
}

// validateKey rejects keys that could escape the blob directory.
func validateKey(key string) error {
	if key == "" || strings.ContainsAny(key, `/\`) || strings.Contains(key, "..") {
		return fmt.Errorf("invalid blob key %q", key)
	}
	return nil
}

// SQLiteStore keeps blobs in the shared local database.
type SQLiteStore struct {
	st  *store.Store
	now func() time.Time
}

// NewSQLiteStore wraps an open store.
func NewSQLiteStore(st *store.Store) *SQLiteStore {
	return &SQLiteStore{st: st, now: time.Now}
}

func (s *SQLiteStore) Put(ctx context.Context, data []byte) (string, error) {
	key := NewKey()
	_, err := s.st.DB().ExecContext(ctx,
		`INSERT INTO blobs (key, data, created_at) VALUES (?, ?, ?)`,
		key, data, store.ToUnix(s.now()))
	if err != nil {
		return "", fmt.Errorf("put blob: %w", err)
	}
	return key, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.st.DB().QueryRowContext(ctx, `SELECT data FROM blobs WHERE key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("get blob %s: %w", key, err)
	}
	return data, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.st.DB().ExecContext(ctx, `DELETE FROM blobs WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete blob %s: %w", key, err)
	}
	return nil
}
