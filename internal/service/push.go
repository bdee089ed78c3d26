package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/medsync/internal/pump"
	"github.com/roach88/medsync/internal/queue"
	"github.com/roach88/medsync/internal/remote"
	"github.com/roach88/medsync/internal/resource"
)

// push drains every LocalToUpstream queue concurrently. Each queue is
// drained by a single goroutine, so per-queue order is FIFO.
func (s *Service) push(ctx context.Context) (int, error) {
	var (
		g     errgroup.Group
		total atomic.Int64
	)
	for _, q := range s.deps.Queues.GetAll(queue.LocalToUpstream) {
		g.Go(func() error {
			n, err := s.drainOutgoing(ctx, q)
			total.Add(int64(n))
			if err != nil {
				return fmt.Errorf("push %s: %w", q.Name(), err)
			}
			return nil
		})
	}
	err := g.Wait()
	return int(total.Load()), err
}

func (s *Service) drainOutgoing(ctx context.Context, q *queue.Queue) (int, error) {
	endpoint := s.endpoint(q.Name())
	return s.pump.Run(ctx, q, pump.Handler{
		OnData: func(ctx context.Context, e *queue.Entry) (bool, error) {
			return s.send(ctx, q, endpoint, e)
		},
	})
}

// send delivers one entry and applies the remote failure policy.
// Returning false stops the drain: the remote is unreachable and the
// remaining entries wait for the next push.
func (s *Service) send(ctx context.Context, q *queue.Queue, c remote.Client, e *queue.Entry) (bool, error) {
	err := s.deliver(ctx, c, e)
	logger := s.logger.With("queue", q.Name(), "id", e.ID, "type", e.Type, "operation", e.Operation.String())

	switch remote.Classify(err) {
	case remote.ClassNone:
		return true, nil

	case remote.ClassTransient:
		if e.RetryCount >= s.cfg.MaxRetries {
			return true, fmt.Errorf("giving up after %d retries: %w", e.RetryCount, err)
		}
		// Finish the requeue even if the push is being cancelled: the
		// entry is already off the queue.
		if _, rerr := q.Requeue(context.WithoutCancel(ctx), e); rerr != nil {
			return true, errors.Join(err, rerr)
		}
		logger.Warn("transient push failure, entry requeued", "retry", e.RetryCount+1, "error", err)
		return false, nil

	case remote.ClassNotFound:
		if e.Operation.Has(queue.OpObsolete) {
			logger.Debug("obsolete target already gone, dropping entry")
			return true, nil
		}
		return true, err

	default:
		return true, err
	}
}

// deliver applies the entry's operation to each of its members. Retry
// entries are expanded first: dependencies the remote is missing are
// bundled ahead of the entry and inserted before it.
func (s *Service) deliver(ctx context.Context, c remote.Client, e *queue.Entry) error {
	members := resource.Members(*e.Data)
	deps := 0
	if e.IsRetry {
		bundle, err := s.bundler.Expand(ctx, *e.Data)
		if err != nil {
			return fmt.Errorf("bundle dependencies: %w", err)
		}
		expanded := resource.Members(bundle)
		deps = len(expanded) - len(members)
		members = expanded
	}
	for i, r := range members {
		if i < deps {
			if err := c.Insert(ctx, r, true); err != nil {
				return fmt.Errorf("upload dependency %s: %w", r.Ref(), err)
			}
			continue
		}
		if err := s.apply(ctx, c, e.Operation, r, e.IsRetry); err != nil {
			return err
		}
	}
	return nil
}

// apply maps an operation to its remote call. Obsolete wins over insert,
// insert over update. Sync creates or updates depending on existence.
func (s *Service) apply(ctx context.Context, c remote.Client, op queue.Operation, r resource.Resource, isRetry bool) error {
	switch {
	case op.Has(queue.OpObsolete):
		return c.Obsolete(ctx, r, isRetry)
	case op.Has(queue.OpInsert):
		return c.Insert(ctx, r, isRetry)
	case op.Has(queue.OpUpdate):
		return c.Update(ctx, r, isRetry)
	case op.Has(queue.OpSync):
		exists, err := c.Exists(ctx, r.Type, r.Key)
		if err != nil {
			return err
		}
		if exists {
			return c.Update(ctx, r, isRetry)
		}
		return c.Insert(ctx, r, isRetry)
	}
	return fmt.Errorf("unsupported operation %s", op)
}
