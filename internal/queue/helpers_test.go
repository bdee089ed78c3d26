package queue

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/medsync/internal/blob"
	"github.com/roach88/medsync/internal/store"
)

type backendFactory struct {
	name string
	new  func(t *testing.T, queue string) (Backend, blob.Store)
}

var backendFactories = []backendFactory{
	{
		name: "file",
		new: func(t *testing.T, queue string) (Backend, blob.Store) {
			dir := t.TempDir()
			b, err := NewFileBackend(filepath.Join(dir, queue))
			require.NoError(t, err)
			blobs, err := blob.NewFileStore(filepath.Join(dir, "blobs"))
			require.NoError(t, err)
			return b, blobs
		},
	},
	{
		name: "sqlite",
		new: func(t *testing.T, queue string) (Backend, blob.Store) {
			st, err := store.Open(filepath.Join(t.TempDir(), "medsync.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = st.Close() })
			return NewSQLiteBackend(st, queue), blob.NewSQLiteStore(st)
		},
	},
}

// forEachBackend runs fn against a fresh queue on every backend.
func forEachBackend(t *testing.T, fn func(t *testing.T, q *Queue, b Backend, blobs blob.Store)) {
	for _, f := range backendFactories {
		t.Run(f.name, func(t *testing.T) {
			b, blobs := f.new(t, Outgoing)
			q, err := Open(context.Background(), Outgoing, LocalToUpstream, b, blobs)
			require.NoError(t, err)
			fn(t, q, b, blobs)
		})
	}
}
