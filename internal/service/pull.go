package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/roach88/medsync/internal/pump"
	"github.com/roach88/medsync/internal/queue"
	"github.com/roach88/medsync/internal/remote"
	"github.com/roach88/medsync/internal/resource"
	"github.com/roach88/medsync/internal/subscription"
)

// pull fetches every due subscription into incoming, then drains incoming
// into the repositories. A failing subscription does not stop the others.
func (s *Service) pull(ctx context.Context, trigger subscription.Trigger) (int, error) {
	var errs []error

	defs, err := s.deps.Subscriptions.SubscriptionDefinitions(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("subscription definitions: %w", err))
	}
	due := subscription.DueFor(defs, trigger)
	s.logger.Info("pull started", "trigger", trigger, "subscriptions", len(due))

	in, err := s.deps.Queues.Lookup(queue.Incoming)
	if err != nil {
		return 0, err
	}
	for _, def := range due {
		fetched, err := s.fetch(ctx, in, def)
		if err != nil {
			s.logger.Warn("subscription fetch failed", "subscription", def.Name, "fetched", fetched, "error", err)
			errs = append(errs, fmt.Errorf("subscription %s: %w", def.Name, err))
			continue
		}
		s.logger.Debug("subscription fetched", "subscription", def.Name, "fetched", fetched)
	}

	n, err := s.drainIncoming(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	return n, errors.Join(errs...)
}

// fetch pages one subscription into q, resuming an interrupted query when
// the sync log has one. Returns the number of records enqueued.
func (s *Service) fetch(ctx context.Context, q *queue.Queue, def subscription.Definition) (int, error) {
	log := s.deps.Log
	typ, filter := def.ResourceType, def.Filter

	state, err := log.FindQueryData(ctx, typ, filter)
	if err != nil {
		return 0, err
	}
	var (
		queryID string
		offset  int
		start   time.Time
	)
	if state != nil {
		queryID, offset, start = state.QueryID, state.Offset, state.StartTime
		s.logger.Info("resuming paged query", "subscription", def.Name, "query_id", queryID, "offset", offset)
	} else {
		queryID, start = s.newQueryID(), s.now().UTC()
		if err := log.SaveQuery(ctx, typ, filter, queryID, 0); err != nil {
			return 0, err
		}
	}

	since, _, err := log.LastTime(ctx, typ, filter)
	if err != nil {
		return 0, err
	}
	etag, err := log.LastETag(ctx, typ, filter)
	if err != nil {
		return 0, err
	}

	fetched := 0
	var lastETag string
	for {
		page, err := s.find(ctx, remote.Query{
			Type:    resource.Type(typ),
			Filter:  filter,
			Since:   since,
			ETag:    etag,
			QueryID: queryID,
			Offset:  offset,
			Count:   s.cfg.PageSize,
		})
		if err != nil {
			return fetched, err
		}
		for _, item := range page.Items {
			if _, err := q.Enqueue(ctx, item, queue.OpSync); err != nil {
				if queue.IsCancelled(err) {
					continue
				}
				return fetched, err
			}
			fetched++
		}
		offset += len(page.Items)
		lastETag = page.ETag
		if len(page.Items) == 0 || offset >= page.Total {
			break
		}
		if err := log.SaveQuery(ctx, typ, filter, queryID, offset); err != nil {
			return fetched, err
		}
	}

	if err := log.CompleteQuery(ctx, queryID); err != nil {
		return fetched, err
	}
	return fetched, log.Save(ctx, typ, filter, lastETag, start)
}

// find retries transient failures with exponential backoff.
func (s *Service) find(ctx context.Context, q remote.Query) (*remote.Page, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.FetchBackoff

	return backoff.Retry(ctx, func() (*remote.Page, error) {
		page, err := s.deps.Remote.Find(ctx, q)
		if err == nil {
			return page, nil
		}
		if remote.Classify(err) == remote.ClassTransient && ctx.Err() == nil {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(s.cfg.FetchTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.logger.Warn("page fetch failed, retrying", "type", q.Type, "offset", q.Offset, "in", next, "error", err)
		}),
	)
}

// drainIncoming persists every UpstreamToLocal entry. Failures are
// dead-lettered by the pump.
func (s *Service) drainIncoming(ctx context.Context) (int, error) {
	total := 0
	var errs []error
	for _, q := range s.deps.Queues.GetAll(queue.UpstreamToLocal) {
		n, err := s.pump.Run(ctx, q, pump.Handler{OnData: s.persist})
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

// persist saves every member of the entry through its type's repository.
func (s *Service) persist(ctx context.Context, e *queue.Entry) (bool, error) {
	for _, r := range resource.Members(*e.Data) {
		repo, err := s.deps.Repositories.Lookup(r.Type)
		if err != nil {
			return true, err
		}
		if err := repo.Save(ctx, r); err != nil {
			return true, fmt.Errorf("save %s: %w", r.Ref(), err)
		}
	}
	return true, nil
}
