package queue

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/medsync/internal/blob"
	"github.com/roach88/medsync/internal/resource"
	"github.com/roach88/medsync/internal/testutil"
)

func TestQueue_FIFO(t *testing.T) {
	forEachBackend(t, func(t *testing.T, q *Queue, _ Backend, _ blob.Store) {
		ctx := context.Background()
		for _, p := range testutil.Patients(3) {
			_, err := q.Enqueue(ctx, p, OpInsert)
			require.NoError(t, err)
		}
		assert.Equal(t, 3, q.Count())

		for _, want := range []resource.Key{"p1", "p2", "p3"} {
			e, err := q.Dequeue(ctx)
			require.NoError(t, err)
			require.NotNil(t, e)
			assert.Equal(t, want, e.Data.Key)
			assert.Equal(t, OpInsert, e.Operation)
		}

		e, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Nil(t, e, "drained queue should dequeue nil")
		assert.Equal(t, 0, q.Count())
	})
}

func TestQueue_IDsAreMonotonic(t *testing.T) {
	forEachBackend(t, func(t *testing.T, q *Queue, _ Backend, _ blob.Store) {
		ctx := context.Background()
		a, err := q.Enqueue(ctx, testutil.Resource("Patient", "a"), OpSync)
		require.NoError(t, err)
		_, err = q.Dequeue(ctx)
		require.NoError(t, err)

		b, err := q.Enqueue(ctx, testutil.Resource("Patient", "b"), OpSync)
		require.NoError(t, err)
		assert.Greater(t, b.ID, a.ID, "ids must not be recycled after a drain")
		assert.GreaterOrEqual(t, a.ID, int64(1))
	})
}

func TestQueue_PeekDoesNotRemove(t *testing.T) {
	forEachBackend(t, func(t *testing.T, q *Queue, _ Backend, _ blob.Store) {
		ctx := context.Background()
		empty, err := q.Peek(ctx)
		require.NoError(t, err)
		assert.Nil(t, empty)

		_, err = q.Enqueue(ctx, testutil.Resource("Patient", "p1"), OpUpdate)
		require.NoError(t, err)

		for i := 0; i < 2; i++ {
			e, err := q.Peek(ctx)
			require.NoError(t, err)
			require.NotNil(t, e)
			assert.Equal(t, resource.Key("p1"), e.Data.Key)
		}
		assert.Equal(t, 1, q.Count())
	})
}

func TestQueue_EnqueueRejectsInvalidResource(t *testing.T) {
	forEachBackend(t, func(t *testing.T, q *Queue, _ Backend, _ blob.Store) {
		_, err := q.Enqueue(context.Background(), resource.Resource{Key: "x"}, OpSync)
		assert.Error(t, err)
		assert.Equal(t, 0, q.Count())
	})
}

func TestQueue_InterceptorCancelsWithoutSideEffects(t *testing.T) {
	forEachBackend(t, func(t *testing.T, q *Queue, b Backend, _ blob.Store) {
		ctx := context.Background()
		fired := 0
		q.OnEnqueued(func(*Entry) { fired++ })
		q.AddInterceptor(func(_ context.Context, queue string, pending *Entry) error {
			assert.Equal(t, Outgoing, queue)
			if pending.Type == "Secret" {
				return ErrEnqueueCancelled
			}
			return nil
		})

		_, err := q.Enqueue(ctx, testutil.Resource("Secret", "s1"), OpInsert)
		require.Error(t, err)
		assert.True(t, IsCancelled(err))
		assert.Equal(t, 0, q.Count())
		assert.Equal(t, 0, fired, "cancelled enqueue must not fire listeners")

		state, err := b.LoadIndex(ctx)
		require.NoError(t, err)
		assert.Empty(t, state.IDs)

		_, err = q.Enqueue(ctx, testutil.Resource("Patient", "p1"), OpInsert)
		require.NoError(t, err)
		assert.Equal(t, 1, fired)
	})
}

func TestQueue_InterceptorArbitraryErrorIsCancellation(t *testing.T) {
	forEachBackend(t, func(t *testing.T, q *Queue, _ Backend, _ blob.Store) {
		boom := errors.New("policy says no")
		q.AddInterceptor(func(context.Context, string, *Entry) error { return boom })

		_, err := q.Enqueue(context.Background(), testutil.Resource("Patient", "p1"), OpInsert)
		assert.True(t, IsCancelled(err))
		assert.ErrorIs(t, err, boom)
	})
}

func TestQueue_SkipsMissingRecords(t *testing.T) {
	forEachBackend(t, func(t *testing.T, q *Queue, b Backend, _ blob.Store) {
		ctx := context.Background()
		first, err := q.Enqueue(ctx, testutil.Resource("Patient", "p1"), OpSync)
		require.NoError(t, err)
		_, err = q.Enqueue(ctx, testutil.Resource("Patient", "p2"), OpSync)
		require.NoError(t, err)

		require.NoError(t, b.DeleteRecord(ctx, first.ID))

		e, err := q.Peek(ctx)
		require.NoError(t, err)
		require.NotNil(t, e)
		assert.Equal(t, resource.Key("p2"), e.Data.Key, "peek should skip the consumed head")

		e, err = q.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, e)
		assert.Equal(t, resource.Key("p2"), e.Data.Key)

		state, err := b.LoadIndex(ctx)
		require.NoError(t, err)
		assert.Empty(t, state.IDs, "trimmed index should be persisted by the dequeue")
	})
}

func TestQueue_SkipsMissingPayloads(t *testing.T) {
	forEachBackend(t, func(t *testing.T, q *Queue, _ Backend, blobs blob.Store) {
		ctx := context.Background()
		first, err := q.Enqueue(ctx, testutil.Resource("Patient", "p1"), OpSync)
		require.NoError(t, err)
		_, err = q.Enqueue(ctx, testutil.Resource("Patient", "p2"), OpSync)
		require.NoError(t, err)

		require.NoError(t, blobs.Delete(ctx, first.DataFileKey))

		e, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, e)
		assert.Equal(t, resource.Key("p2"), e.Data.Key)
	})
}

func TestQueue_CorruptedIndexIsSurfaced(t *testing.T) {
	forEachBackend(t, func(t *testing.T, _ *Queue, b Backend, blobs blob.Store) {
		ctx := context.Background()
		require.NoError(t, b.SaveIndex(ctx, IndexState{LastID: 3, IDs: []int64{0, 3}}))

		q, err := Open(ctx, Outgoing, LocalToUpstream, b, blobs)
		require.NoError(t, err)

		var events []*Error
		q.OnCorrupted(func(e *Error) { events = append(events, e) })
		exhausted := 0
		q.OnExhausted(func(string) { exhausted++ })

		e, err := q.Dequeue(ctx)
		assert.Nil(t, e)
		require.Error(t, err)
		assert.True(t, IsCorruption(err))

		var qe *Error
		require.ErrorAs(t, err, &qe)
		assert.Equal(t, int64(0), qe.EntryID)
		assert.Equal(t, 0, qe.Position)

		_, err = q.Peek(ctx)
		assert.True(t, IsCorruption(err))

		assert.Len(t, events, 2)
		assert.Equal(t, 0, exhausted, "corruption must not look like an empty queue")
		assert.Equal(t, 2, q.Count(), "index must be left untouched")

		removed, err := q.Repair(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, removed)
		assert.Equal(t, []int64{3}, q.IDs())
	})
}

func TestQueue_ExhaustedFiresOnEmptyDequeue(t *testing.T) {
	forEachBackend(t, func(t *testing.T, q *Queue, _ Backend, _ blob.Store) {
		ctx := context.Background()
		var names []string
		q.OnExhausted(func(name string) { names = append(names, name) })

		_, err := q.Enqueue(ctx, testutil.Resource("Patient", "p1"), OpSync)
		require.NoError(t, err)
		_, err = q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Empty(t, names)

		_, err = q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{Outgoing}, names)
	})
}

func TestQueue_ReopenRestoresState(t *testing.T) {
	forEachBackend(t, func(t *testing.T, q *Queue, b Backend, blobs blob.Store) {
		ctx := context.Background()
		for _, p := range testutil.Patients(2) {
			_, err := q.Enqueue(ctx, p, OpInsert)
			require.NoError(t, err)
		}
		last := q.seq.Current()

		reopened, err := Open(ctx, Outgoing, LocalToUpstream, b, blobs)
		require.NoError(t, err)
		assert.Equal(t, 2, reopened.Count())
		assert.Equal(t, last, reopened.seq.Current())

		e, err := reopened.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, resource.Key("p1"), e.Data.Key)
	})
}

func TestQueue_RequeueGoesToHead(t *testing.T) {
	forEachBackend(t, func(t *testing.T, q *Queue, _ Backend, _ blob.Store) {
		ctx := context.Background()
		for _, p := range testutil.Patients(2) {
			_, err := q.Enqueue(ctx, p, OpUpdate)
			require.NoError(t, err)
		}
		head, err := q.Dequeue(ctx)
		require.NoError(t, err)

		retried, err := q.Requeue(ctx, head)
		require.NoError(t, err)
		assert.True(t, retried.IsRetry)
		assert.Equal(t, 1, retried.RetryCount)
		assert.NotEqual(t, head.ID, retried.ID)

		e, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, resource.Key("p1"), e.Data.Key)
		assert.Equal(t, 1, e.RetryCount)
	})
}

func TestQueue_DeleteLeavesIndex(t *testing.T) {
	forEachBackend(t, func(t *testing.T, q *Queue, _ Backend, _ blob.Store) {
		ctx := context.Background()
		e, err := q.Enqueue(ctx, testutil.Resource("Patient", "p1"), OpSync)
		require.NoError(t, err)

		require.NoError(t, q.Delete(ctx, e.ID))
		require.NoError(t, q.Delete(ctx, e.ID), "deleting twice is a no-op")
		assert.Equal(t, 1, q.Count())

		_, err = q.Get(ctx, e.ID)
		assert.ErrorIs(t, err, ErrEntryNotFound)

		got, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Nil(t, got)
		assert.Equal(t, 0, q.Count())
	})
}

func TestQueue_RemoveTakesEntryOutOfIndex(t *testing.T) {
	forEachBackend(t, func(t *testing.T, q *Queue, _ Backend, _ blob.Store) {
		ctx := context.Background()
		var ids []int64
		for _, p := range testutil.Patients(3) {
			e, err := q.Enqueue(ctx, p, OpSync)
			require.NoError(t, err)
			ids = append(ids, e.ID)
		}

		require.NoError(t, q.Remove(ctx, ids[1]))
		assert.Equal(t, []int64{ids[0], ids[2]}, q.IDs())
		assert.ErrorIs(t, q.Remove(ctx, ids[1]), ErrEntryNotFound)

		entries, err := q.Entries(ctx)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, resource.Key("p3"), entries[1].Data.Key)
	})
}

func TestQueue_DeadLetterProvenance(t *testing.T) {
	forEachBackend(t, func(t *testing.T, q *Queue, _ Backend, _ blob.Store) {
		ctx := context.Background()
		e, err := q.Enqueue(ctx, testutil.Resource("Patient", "p1"), OpObsolete,
			WithDeadLetter(Incoming, []byte(`{"error":"boom"}`)))
		require.NoError(t, err)

		dl, err := q.GetDeadLetter(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, Incoming, dl.OriginalQueue)
		assert.JSONEq(t, `{"error":"boom"}`, string(dl.TagData))
		assert.Equal(t, OpObsolete, dl.Operation)

		all, err := q.DeadLetters(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, e.ID, all[0].ID)
	})
}

func TestQueue_ConcurrentEnqueueDequeue(t *testing.T) {
	forEachBackend(t, func(t *testing.T, q *Queue, _ Backend, _ blob.Store) {
		ctx := context.Background()
		const producers = 4
		const perProducer = 10

		var wg sync.WaitGroup
		for i := 0; i < producers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				for j := 0; j < perProducer; j++ {
					r := testutil.Resource("Patient", string(rune('a'+i))+string(rune('a'+j)))
					_, err := q.Enqueue(ctx, r, OpSync)
					assert.NoError(t, err)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, producers*perProducer, q.Count())

		seen := make(map[resource.Key]bool)
		var mu sync.Mutex
		for i := 0; i < producers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					e, err := q.Dequeue(ctx)
					if !assert.NoError(t, err) || e == nil {
						return
					}
					mu.Lock()
					assert.False(t, seen[e.Data.Key], "entry %s dequeued twice", e.Data.Key)
					seen[e.Data.Key] = true
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Len(t, seen, producers*perProducer)
	})
}
