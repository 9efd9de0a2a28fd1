package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultReclaimBatch = 100

// MaintenanceOptions bounds the stream.
type MaintenanceOptions struct {
	MaxLength    int64
	MaxAge       time.Duration
	PendingGrace time.Duration
	ReclaimBatch int64
}

// MaintenanceResult summarises one maintenance pass.
type MaintenanceResult struct {
	Reclaimed int
	Trimmed   int64
	Cutoff    string
}

// Maintain acknowledges entries stuck in the pending list longer than the
// grace period, then trims everything older than both the length and age
// bounds. Entries still pending within the grace period are never trimmed.
func (q *Queue) Maintain(ctx context.Context, opts MaintenanceOptions) (MaintenanceResult, error) {
	var result MaintenanceResult

	reclaimed, err := q.reclaimStale(ctx, opts)
	if err != nil {
		return result, err
	}
	result.Reclaimed = reclaimed

	cutoff, err := q.trimCutoff(ctx, opts)
	if err != nil {
		return result, err
	}
	if cutoff == "" {
		return result, nil
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil && !isNoGroup(err) {
		return result, fmt.Errorf("queue: pending summary: %w", err)
	}
	if err == nil && pending.Count > 0 && CompareIDs(pending.Lower, cutoff) < 0 {
		cutoff = pending.Lower
	}
	result.Cutoff = cutoff

	trimmed, err := q.client.XTrimMinIDApprox(ctx, q.stream, cutoff, 0).Result()
	if err != nil {
		return result, fmt.Errorf("queue: trim: %w", err)
	}
	result.Trimmed = trimmed
	if trimmed > 0 {
		q.logger.Info("trimmed work stream",
			zap.String("stream", q.stream),
			zap.Int64("trimmed", trimmed),
			zap.String("cutoff", cutoff))
	}
	return result, nil
}

func (q *Queue) reclaimStale(ctx context.Context, opts MaintenanceOptions) (int, error) {
	if opts.PendingGrace <= 0 {
		return 0, nil
	}
	batch := opts.ReclaimBatch
	if batch <= 0 {
		batch = defaultReclaimBatch
	}
	stale, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.stream,
		Group:  q.group,
		Idle:   opts.PendingGrace,
		Start:  "-",
		End:    "+",
		Count:  batch,
	}).Result()
	if err != nil {
		if isNoGroup(err) || errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("queue: pending scan: %w", err)
	}
	reclaimed := 0
	for _, entry := range stale {
		if err := q.client.XAck(ctx, q.stream, q.group, entry.ID).Err(); err != nil {
			q.logger.Warn("failed to reclaim pending entry",
				zap.String("id", entry.ID),
				zap.String("consumer", entry.Consumer),
				zap.Error(err))
			continue
		}
		reclaimed++
	}
	if reclaimed > 0 {
		q.logger.Info("reclaimed stale pending entries", zap.Int("count", reclaimed))
	}
	return reclaimed, nil
}

// trimCutoff returns the smallest id to keep, or "" when nothing is over bound.
func (q *Queue) trimCutoff(ctx context.Context, opts MaintenanceOptions) (string, error) {
	var cutoff string

	if opts.MaxAge > 0 {
		age := opts.MaxAge
		if age < opts.PendingGrace {
			age = opts.PendingGrace
		}
		cutoff = fmt.Sprintf("%d-0", q.clock().Add(-age).UnixMilli())
	}

	if opts.MaxLength > 0 {
		length, err := q.client.XLen(ctx, q.stream).Result()
		if err != nil {
			return "", fmt.Errorf("queue: length: %w", err)
		}
		if length > opts.MaxLength {
			kept, err := q.client.XRevRangeN(ctx, q.stream, "+", "-", opts.MaxLength).Result()
			if err != nil {
				return "", fmt.Errorf("queue: newest entries: %w", err)
			}
			if len(kept) > 0 {
				oldestKept := kept[len(kept)-1].ID
				if cutoff == "" || CompareIDs(oldestKept, cutoff) > 0 {
					cutoff = oldestKept
				}
			}
		}
	}
	return cutoff, nil
}
