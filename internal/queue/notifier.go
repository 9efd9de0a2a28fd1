package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultNotifyTimeout = 2 * time.Second

// Notifier appends events in the background so connection handling never
// waits on the queue. Failures are logged and dropped.
type Notifier struct {
	queue   *Queue
	timeout time.Duration
	logger  *zap.Logger
	wg      sync.WaitGroup
	onError func(Event, error)
}

// NewNotifier wraps a queue. onError may be nil.
func NewNotifier(queue *Queue, timeout time.Duration, logger *zap.Logger, onError func(Event, error)) *Notifier {
	if timeout <= 0 {
		timeout = defaultNotifyTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{queue: queue, timeout: timeout, logger: logger, onError: onError}
}

// Notify appends the event without blocking the caller.
func (n *Notifier) Notify(event Event) {
	if n == nil || n.queue == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = n.queue.clock()
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()
		if _, err := n.queue.Append(ctx, event); err != nil {
			n.logger.Warn("failed to append queue event",
				zap.String("room", event.Room),
				zap.String("action", string(event.Action)),
				zap.Error(err))
			if n.onError != nil {
				n.onError(event, err)
			}
		}
	}()
}

// Wait blocks until every in-flight append finished.
func (n *Notifier) Wait() {
	if n == nil {
		return
	}
	n.wg.Wait()
}
