// Package synclog records the last successful synchronization per
// (resource type, filter) and the continuation state of paged pulls.
//
// Resource types and filters are NFC-normalized before they are used as
// keys, so visually identical filters typed on different devices share
// one row. An empty filter means "no filter".
package synclog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/medsync/internal/store"
)

// Entry is one synchronization log row.
type Entry struct {
	ResourceType string    `json:"resource_type"`
	Filter       string    `json:"filter,omitempty"`
	LastSync     time.Time `json:"last_sync"`
	LastETag     string    `json:"last_etag,omitempty"`
}

// QueryState is the continuation state of an incomplete paged pull.
type QueryState struct {
	QueryID      string    `json:"query_id"`
	ResourceType string    `json:"resource_type"`
	Filter       string    `json:"filter,omitempty"`
	Offset       int       `json:"offset"`
	StartTime    time.Time `json:"start_time"`
}

// Log is the synchronization log. Safe for concurrent use.
type Log struct {
	st     *store.Store
	mu     sync.RWMutex
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Log.
type Option func(*Log)

// WithNow overrides the clock used for query start times.
func WithNow(now func() time.Time) Option {
	return func(l *Log) {
		l.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) {
		l.logger = logger
	}
}

// New returns a Log backed by st.
func New(st *store.Store, opts ...Option) *Log {
	l := &Log{st: st, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func key(resourceType, filter string) (string, string) {
	return norm.NFC.String(strings.TrimSpace(resourceType)), norm.NFC.String(strings.TrimSpace(filter))
}

// LastTime returns the last successful sync time. ok is false when the
// pair has never been synchronized.
func (l *Log) LastTime(ctx context.Context, resourceType, filter string) (t time.Time, ok bool, err error) {
	rt, f := key(resourceType, filter)
	l.mu.RLock()
	defer l.mu.RUnlock()

	var ns int64
	err = l.st.DB().QueryRowContext(ctx,
		`SELECT last_sync FROM sync_log WHERE resource_type = ? AND filter = ?`, rt, f).Scan(&ns)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read sync log %s: %w", rt, err)
	}
	return store.FromUnix(ns), true, nil
}

// LastETag returns the last etag, or "" when none was recorded.
func (l *Log) LastETag(ctx context.Context, resourceType, filter string) (string, error) {
	rt, f := key(resourceType, filter)
	l.mu.RLock()
	defer l.mu.RUnlock()

	var etag string
	err := l.st.DB().QueryRowContext(ctx,
		`SELECT last_etag FROM sync_log WHERE resource_type = ? AND filter = ?`, rt, f).Scan(&etag)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read sync log %s: %w", rt, err)
	}
	return etag, nil
}

// Save upserts the log row. since always overwrites; etag only overwrites
// when non-empty.
func (l *Log) Save(ctx context.Context, resourceType, filter, etag string, since time.Time) error {
	rt, f := key(resourceType, filter)
	if rt == "" {
		return errors.New("sync log: resource type is empty")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.st.DB().ExecContext(ctx, `
		INSERT INTO sync_log (resource_type, filter, last_sync, last_etag)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(resource_type, filter) DO UPDATE SET
			last_sync = excluded.last_sync,
			last_etag = CASE WHEN excluded.last_etag <> '' THEN excluded.last_etag ELSE sync_log.last_etag END
	`, rt, f, store.ToUnix(since), etag)
	if err != nil {
		return fmt.Errorf("save sync log %s: %w", rt, err)
	}
	return nil
}

// SaveQuery records the progress of a paged query. The start time is set
// on the first save and kept on later ones.
func (l *Log) SaveQuery(ctx context.Context, resourceType, filter, queryID string, offset int) error {
	rt, f := key(resourceType, filter)
	if queryID == "" {
		return errors.New("sync log: query id is empty")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.st.DB().ExecContext(ctx, `
		INSERT INTO sync_query (query_id, resource_type, filter, query_offset, start_time)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(query_id) DO UPDATE SET query_offset = excluded.query_offset
	`, queryID, rt, f, offset, store.ToUnix(l.now()))
	if err != nil {
		return fmt.Errorf("save query %s: %w", queryID, err)
	}
	return nil
}

// CompleteQuery deletes the continuation state of queryID.
func (l *Log) CompleteQuery(ctx context.Context, queryID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.st.DB().ExecContext(ctx, `DELETE FROM sync_query WHERE query_id = ?`, queryID); err != nil {
		return fmt.Errorf("complete query %s: %w", queryID, err)
	}
	return nil
}

// FindQueryData returns the in-flight query for the pair, or nil.
// When several exist the most recently started one wins.
func (l *Log) FindQueryData(ctx context.Context, resourceType, filter string) (*QueryState, error) {
	rt, f := key(resourceType, filter)
	l.mu.RLock()
	defer l.mu.RUnlock()

	var (
		qs    QueryState
		start int64
	)
	err := l.st.DB().QueryRowContext(ctx, `
		SELECT query_id, resource_type, filter, query_offset, start_time
		FROM sync_query
		WHERE resource_type = ? AND filter = ?
		ORDER BY start_time DESC, query_id DESC
		LIMIT 1
	`, rt, f).Scan(&qs.QueryID, &qs.ResourceType, &qs.Filter, &qs.Offset, &start)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find query %s: %w", rt, err)
	}
	qs.StartTime = store.FromUnix(start)
	return &qs, nil
}

// Entries returns every log row ordered by resource type and filter.
func (l *Log) Entries(ctx context.Context) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rows, err := l.st.DB().QueryContext(ctx,
		`SELECT resource_type, filter, last_sync, last_etag FROM sync_log ORDER BY resource_type, filter`)
	if err != nil {
		return nil, fmt.Errorf("list sync log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e  Entry
			ns int64
		)
		if err := rows.Scan(&e.ResourceType, &e.Filter, &ns, &e.LastETag); err != nil {
			return nil, fmt.Errorf("scan sync log: %w", err)
		}
		e.LastSync = store.FromUnix(ns)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Queries returns every in-flight query.
func (l *Log) Queries(ctx context.Context) ([]QueryState, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rows, err := l.st.DB().QueryContext(ctx,
		`SELECT query_id, resource_type, filter, query_offset, start_time FROM sync_query ORDER BY start_time, query_id`)
	if err != nil {
		return nil, fmt.Errorf("list queries: %w", err)
	}
	defer rows.Close()

	var out []QueryState
	for rows.Next() {
		var (
			qs    QueryState
			start int64
		)
		if err := rows.Scan(&qs.QueryID, &qs.ResourceType, &qs.Filter, &qs.Offset, &start); err != nil {
			return nil, fmt.Errorf("scan query: %w", err)
		}
		qs.StartTime = store.FromUnix(start)
		out = append(out, qs)
	}
	return out, rows.Err()
}

// Reset forgets the pair entirely so the next pull starts from scratch.
func (l *Log) Reset(ctx context.Context, resourceType, filter string) error {
	rt, f := key(resourceType, filter)
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.st.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM sync_log WHERE resource_type = ? AND filter = ?`, rt, f); err != nil {
			return fmt.Errorf("reset sync log %s: %w", rt, err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM sync_query WHERE resource_type = ? AND filter = ?`, rt, f); err != nil {
			return fmt.Errorf("reset queries %s: %w", rt, err)
		}
		l.logger.Info("sync log reset", "resource_type", rt, "filter", f)
		return nil
	})
}
