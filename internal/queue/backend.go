package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/roach88/medsync/internal/store"
)

// IndexState is the persisted queue index.
type IndexState struct {
	// LastID is the id high-water mark.
	LastID int64 `json:"last_id"`
	// IDs is the FIFO order of entry ids.
	IDs []int64 `json:"ids"`
}

// Backend persists a single queue's index and records.
type Backend interface {
	LoadIndex(ctx context.Context) (IndexState, error)
	SaveIndex(ctx context.Context, state IndexState) error
	PutRecord(ctx context.Context, id int64, body []byte) error
	// GetRecord returns ErrRecordNotFound for unknown ids.
	GetRecord(ctx context.Context, id int64) ([]byte, error)
	// DeleteRecord is a no-op for unknown ids.
	DeleteRecord(ctx context.Context, id int64) error
	Close() error
}

// FileBackend stores a queue under a directory:
//
//	<dir>/index.json
//	<dir>/records/<id>.json
//
// Every write goes to a temp file first and is renamed into place.
type FileBackend struct {
	dir string
	mu  sync.Mutex
}

// NewFileBackend creates the queue directory if needed.
func NewFileBackend(dir string) (*FileBackend, error) {
	if dir == "" {
		return nil, errors.New("queue directory is empty")
	}
	if err := os.MkdirAll(filepath.Join(dir, "records"), 0o755); err != nil {
		return nil, fmt.Errorf("create queue directory: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

func (b *FileBackend) LoadIndex(ctx context.Context) (IndexState, error) {
	if err := ctx.Err(); err != nil {
		return IndexState{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	data, err := os.ReadFile(b.indexPath())
	if errors.Is(err, os.ErrNotExist) {
		return IndexState{}, nil
	}
	if err != nil {
		return IndexState{}, fmt.Errorf("read queue index: %w", err)
	}
	if len(data) == 0 {
		return IndexState{}, nil
	}
	var state IndexState
	if err := json.Unmarshal(data, &state); err != nil {
		return IndexState{}, fmt.Errorf("decode queue index: %w", err)
	}
	return state, nil
}

func (b *FileBackend) SaveIndex(ctx context.Context, state IndexState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if state.IDs == nil {
		state.IDs = []int64{}
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode queue index: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return writeFileAtomic(b.indexPath(), data)
}

func (b *FileBackend) PutRecord(ctx context.Context, id int64, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return writeFileAtomic(b.recordPath(id), body)
}

func (b *FileBackend) GetRecord(ctx context.Context, id int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(b.recordPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read record %d: %w", id, err)
	}
	return data, nil
}

func (b *FileBackend) DeleteRecord(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(b.recordPath(id))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete record %d: %w", id, err)
	}
	return nil
}

func (b *FileBackend) Close() error {
	return nil
}

func (b *FileBackend) indexPath() string {
	return filepath.Join(b.dir, "index.json")
}

func (b *FileBackend) recordPath(id int64) string {
	return filepath.Join(b.dir, "records", strconv.FormatInt(id, 10)+".json")
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit %s: %w", filepath.Base(path), err)
	}
	return nil
}

// SQLiteBackend stores a queue in the shared local database.
// Several queues share one Store; rows are scoped by queue name.
type SQLiteBackend struct {
	st    *store.Store
	queue string
	now   func() time.Time
}

// NewSQLiteBackend returns a backend for the named queue.
func NewSQLiteBackend(st *store.Store, queue string) *SQLiteBackend {
	return &SQLiteBackend{st: st, queue: queue, now: time.Now}
}

func (b *SQLiteBackend) LoadIndex(ctx context.Context) (IndexState, error) {
	var state IndexState
	err := b.st.DB().QueryRowContext(ctx,
		`SELECT last_id FROM queue_meta WHERE queue = ?`, b.queue).Scan(&state.LastID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return IndexState{}, fmt.Errorf("read queue meta: %w", err)
	}

	rows, err := b.st.DB().QueryContext(ctx,
		`SELECT entry_id FROM queue_index WHERE queue = ? ORDER BY position`, b.queue)
	if err != nil {
		return IndexState{}, fmt.Errorf("read queue index: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return IndexState{}, fmt.Errorf("scan queue index: %w", err)
		}
		state.IDs = append(state.IDs, id)
	}
	if err := rows.Err(); err != nil {
		return IndexState{}, fmt.Errorf("iterate queue index: %w", err)
	}
	return state, nil
}

// SaveIndex rewrites the index rows in one transaction.
func (b *SQLiteBackend) SaveIndex(ctx context.Context, state IndexState) error {
	return b.st.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM queue_index WHERE queue = ?`, b.queue); err != nil {
			return fmt.Errorf("clear queue index: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO queue_index (queue, position, entry_id) VALUES (?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare queue index: %w", err)
		}
		defer stmt.Close()
		for pos, id := range state.IDs {
			if _, err := stmt.ExecContext(ctx, b.queue, pos, id); err != nil {
				return fmt.Errorf("write queue index: %w", err)
			}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO queue_meta (queue, last_id) VALUES (?, ?)
			ON CONFLICT(queue) DO UPDATE SET last_id = excluded.last_id
		`, b.queue, state.LastID)
		if err != nil {
			return fmt.Errorf("write queue meta: %w", err)
		}
		return nil
	})
}

func (b *SQLiteBackend) PutRecord(ctx context.Context, id int64, body []byte) error {
	_, err := b.st.DB().ExecContext(ctx, `
		INSERT INTO queue_records (queue, id, body, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(queue, id) DO UPDATE SET body = excluded.body
	`, b.queue, id, body, store.ToUnix(b.now()))
	if err != nil {
		return fmt.Errorf("write record %d: %w", id, err)
	}
	return nil
}

func (b *SQLiteBackend) GetRecord(ctx context.Context, id int64) ([]byte, error) {
	var body []byte
	err := b.st.DB().QueryRowContext(ctx,
		`SELECT body FROM queue_records WHERE queue = ? AND id = ?`, b.queue, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read record %d: %w", id, err)
	}
	return body, nil
}

func (b *SQLiteBackend) DeleteRecord(ctx context.Context, id int64) error {
	_, err := b.st.DB().ExecContext(ctx,
		`DELETE FROM queue_records WHERE queue = ? AND id = ?`, b.queue, id)
	if err != nil {
		return fmt.Errorf("delete record %d: %w", id, err)
	}
	return nil
}

// Close is a no-op; the Store is owned by the caller.
func (b *SQLiteBackend) Close() error {
	return nil
}
