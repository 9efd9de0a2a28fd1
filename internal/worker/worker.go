// Package worker persists rooms from the hot cache into durable storage. It
// discovers rooms, consumes lifecycle events from the work queue, evicts idle
// cache state and keeps the queue stream bounded.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/collabrelay/internal/apptype"
	"github.com/MarcoPoloResearchLab/collabrelay/internal/hotcache"
	"github.com/MarcoPoloResearchLab/collabrelay/internal/metrics"
	"github.com/MarcoPoloResearchLab/collabrelay/internal/queue"
	"github.com/MarcoPoloResearchLab/collabrelay/internal/rooms"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

const (
	defaultPersistInterval     = 30 * time.Second
	defaultCleanupInterval     = 5 * time.Minute
	defaultInactiveThreshold   = 24 * time.Hour
	defaultBatchSize           = 10
	defaultQueueBlock          = time.Second
	defaultActiveWindow        = time.Minute
	defaultActiveScan          = 50
	defaultDrainTimeout        = 30 * time.Second
	defaultMaintenanceInterval = time.Hour
	defaultCallbackInterval    = time.Minute
	readErrorBackoff           = time.Second
	drainPollInterval          = time.Second
)

var (
	errMissingRouter = errors.New("worker: app type router is required")
	errMissingQueue  = errors.New("worker: work queue is required")
)

// Config configures a Worker. Zero durations and sizes take their defaults.
type Config struct {
	Router *apptype.Router
	Queue  *queue.Queue
	// ID names the worker's consumer in the queue group.
	ID                  string
	PersistInterval     time.Duration
	CleanupInterval     time.Duration
	InactiveThreshold   time.Duration
	BatchSize           int64
	SettleDelay         time.Duration
	QueueBlock          time.Duration
	ActiveWindow        time.Duration
	ActiveScan          int64
	CompactSnapshots    bool
	DrainTimeout        time.Duration
	MaintenanceInterval time.Duration
	Maintenance         queue.MaintenanceOptions
	// Callback is optional; nil disables exports.
	Callback         Callback
	CallbackInterval time.Duration
	Clock            func() time.Time
	Logger           *zap.Logger
}

// Worker runs the persistence loops.
type Worker struct {
	router              *apptype.Router
	queue               *queue.Queue
	id                  string
	persistInterval     time.Duration
	cleanupInterval     time.Duration
	inactiveThreshold   time.Duration
	batchSize           int64
	settleDelay         time.Duration
	queueBlock          time.Duration
	activeWindow        time.Duration
	activeScan          int64
	compact             bool
	drainTimeout        time.Duration
	maintenanceInterval time.Duration
	maintenance         queue.MaintenanceOptions
	callback            Callback
	callbackInterval    time.Duration
	clock               func() time.Time
	logger              *zap.Logger

	persisting *xsync.MapOf[string, struct{}]
	activity   *xsync.MapOf[string, time.Time]
	lengths    *xsync.MapOf[string, int64]
}

func New(cfg Config) (*Worker, error) {
	if cfg.Router == nil {
		return nil, errMissingRouter
	}
	if cfg.Queue == nil {
		return nil, errMissingQueue
	}
	id := strings.TrimSpace(cfg.ID)
	if id == "" {
		id = "worker-" + uuid.NewString()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		router:              cfg.Router,
		queue:               cfg.Queue,
		id:                  id,
		persistInterval:     orDuration(cfg.PersistInterval, defaultPersistInterval),
		cleanupInterval:     orDuration(cfg.CleanupInterval, defaultCleanupInterval),
		inactiveThreshold:   orDuration(cfg.InactiveThreshold, defaultInactiveThreshold),
		batchSize:           orCount(cfg.BatchSize, defaultBatchSize),
		settleDelay:         cfg.SettleDelay,
		queueBlock:          orDuration(cfg.QueueBlock, defaultQueueBlock),
		activeWindow:        orDuration(cfg.ActiveWindow, defaultActiveWindow),
		activeScan:          orCount(cfg.ActiveScan, defaultActiveScan),
		compact:             cfg.CompactSnapshots,
		drainTimeout:        orDuration(cfg.DrainTimeout, defaultDrainTimeout),
		maintenanceInterval: orDuration(cfg.MaintenanceInterval, defaultMaintenanceInterval),
		maintenance:         cfg.Maintenance,
		callback:            cfg.Callback,
		callbackInterval:    orDuration(cfg.CallbackInterval, defaultCallbackInterval),
		clock:               clock,
		logger:              logger.With(zap.String("worker_id", id)),
		persisting:          xsync.NewMapOf[string, struct{}](),
		activity:            xsync.NewMapOf[string, time.Time](),
		lengths:             xsync.NewMapOf[string, int64](),
	}, nil
}

func (w *Worker) ID() string {
	return w.id
}

// Run starts every loop and blocks until ctx is cancelled. In-flight persist
// cycles are drained before it returns.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("worker: ensure consumer group: %w", err)
	}
	w.logger.Info("worker started",
		zap.String("stream", w.queue.Stream()),
		zap.Duration("persist_interval", w.persistInterval),
		zap.Bool("callback", w.callback != nil))

	var wg sync.WaitGroup
	w.every(ctx, &wg, w.persistInterval, func(ctx context.Context) { w.DiscoverOnce(ctx) })
	w.every(ctx, &wg, w.cleanupInterval, func(ctx context.Context) { w.CleanupIdle(ctx) })
	w.every(ctx, &wg, w.maintenanceInterval, func(ctx context.Context) { w.MaintainStream(ctx) })
	if w.callback != nil {
		w.every(ctx, &wg, w.callbackInterval, func(ctx context.Context) { w.ExportBound(ctx) })
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.consume(ctx)
	}()

	<-ctx.Done()
	wg.Wait()
	w.Drain()
	w.logger.Info("worker stopped")
	return nil
}

func (w *Worker) every(ctx context.Context, wg *sync.WaitGroup, interval time.Duration, tick func(context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tick(ctx)
			}
		}
	}()
}

// DiscoverOnce scans every namespace for cached rooms and starts a persist
// cycle for each room not already persisting. It returns the rooms found.
func (w *Worker) DiscoverOnce(ctx context.Context) []string {
	var discovered []string
	now := w.clock()
	for _, instances := range w.router.All() {
		found, err := instances.Cache.DiscoverRooms(ctx, w.batchSize)
		if err != nil {
			w.logger.Warn("room discovery failed", zap.String("app_type", string(instances.Type)), zap.Error(err))
			continue
		}
		for _, room := range found {
			w.noteDiscovered(ctx, instances.Cache, room, now)
			if w.Persisting(room) {
				continue
			}
			discovered = append(discovered, room)
			go w.PersistRoom(ctx, room)
		}
	}
	if len(discovered) > 0 {
		w.logger.Debug("discovered rooms", zap.Int("count", len(discovered)))
	}
	return discovered
}

// noteDiscovered marks room as seen when its cached update list changed since
// the previous sweep. Unchanged rooms keep their last activity and can age out.
func (w *Worker) noteDiscovered(ctx context.Context, cache *hotcache.Cache, room string, now time.Time) {
	length, err := cache.UpdateCount(ctx, room)
	if err == nil {
		if previous, seen := w.lengths.Load(room); seen && previous == length {
			w.activity.LoadOrStore(room, now)
			return
		}
		w.lengths.Store(room, length)
	}
	w.activity.Store(room, now)
}

func (w *Worker) consume(ctx context.Context) {
	for ctx.Err() == nil {
		if _, err := w.ConsumeOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("queue read failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(readErrorBackoff):
			}
		}
	}
}

// ConsumeOnce reads one batch of queue entries and handles each of them.
func (w *Worker) ConsumeOnce(ctx context.Context) (int, error) {
	entries, err := w.queue.Read(ctx, w.id, w.batchSize, w.queueBlock)
	if err != nil {
		return 0, err
	}
	for _, entry := range entries {
		w.HandleEntry(ctx, entry)
	}
	return len(entries), nil
}

// HandleEntry processes one queue entry and acknowledges it, whether the
// processing succeeded or failed in a handled way.
func (w *Worker) HandleEntry(ctx context.Context, entry queue.Entry) {
	logger := w.logger.With(zap.String("entry_id", entry.ID))
	defer func() {
		if err := w.queue.Ack(context.WithoutCancel(ctx), entry.ID); err != nil {
			logger.Warn("failed to acknowledge entry", zap.Error(err))
		}
	}()

	if entry.Err != nil {
		logger.Warn("dropping malformed queue entry", zap.Error(entry.Err))
		metrics.QueueEntryConsumed("malformed")
		return
	}
	metrics.QueueEntryConsumed(string(entry.Action))
	logger = logger.With(zap.String("room", entry.Room), zap.String("action", string(entry.Action)))
	w.activity.Store(entry.Room, w.clock())

	switch entry.Action {
	case queue.ActionActivity:
		w.PersistRoom(ctx, entry.Room)
	case queue.ActionEmpty:
		result := w.PersistRoom(ctx, entry.Room)
		if result != ResultPersisted && result != ResultEmpty {
			logger.Info("keeping cache state after unfinished final persist", zap.String("result", string(result)))
			return
		}
		if w.rejoined(ctx, entry) {
			logger.Info("room was re-joined, keeping cache state")
			return
		}
		w.evict(ctx, entry.Room)
	}
}

// rejoined reports whether an activity entry newer than entry exists for the
// same room. Probe errors count as rejoined so cache state is kept.
func (w *Worker) rejoined(ctx context.Context, entry queue.Entry) bool {
	latest, found, err := w.queue.LatestAction(ctx, entry.Room, w.activeScan)
	if err != nil {
		w.logger.Warn("rejoin probe failed", zap.String("room", entry.Room), zap.Error(err))
		return true
	}
	return found && latest.Action == queue.ActionActivity && queue.CompareIDs(latest.ID, entry.ID) > 0
}

// CleanupIdle persists and evicts every tracked room whose last activity is
// older than the inactivity threshold. It returns the evicted rooms.
func (w *Worker) CleanupIdle(ctx context.Context) []string {
	now := w.clock()
	var idle []string
	w.activity.Range(func(room string, last time.Time) bool {
		if now.Sub(last) > w.inactiveThreshold {
			idle = append(idle, room)
		}
		return true
	})

	var evicted []string
	for _, room := range idle {
		result := w.PersistRoom(ctx, room)
		if result == ResultBusy || result == ResultFailed {
			continue
		}
		w.evict(ctx, room)
		evicted = append(evicted, room)
	}
	if len(evicted) > 0 {
		w.logger.Info("evicted inactive rooms", zap.Int("count", len(evicted)))
	}
	return evicted
}

func (w *Worker) evict(ctx context.Context, room string) {
	instances := w.resolve(room)
	deleted, err := instances.Cache.DeleteRoom(context.WithoutCancel(ctx), room)
	if err != nil {
		w.logger.Warn("failed to delete cache keys", zap.String("room", room), zap.Error(err))
		return
	}
	w.activity.Delete(room)
	w.lengths.Delete(room)
	w.logger.Info("deleted cache keys", zap.String("room", room), zap.Int64("keys", deleted))
}

// MaintainStream reclaims stale pending entries and trims the queue stream.
func (w *Worker) MaintainStream(ctx context.Context) {
	result, err := w.queue.Maintain(ctx, w.maintenance)
	if err != nil {
		w.logger.Warn("stream maintenance failed", zap.Error(err))
		return
	}
	metrics.StreamMaintained(result.Reclaimed, result.Trimmed)
	w.logger.Info("stream maintained",
		zap.Int("reclaimed", result.Reclaimed),
		zap.Int64("trimmed", result.Trimmed),
		zap.String("cutoff", result.Cutoff))
}

// Persisting reports whether a persist cycle for room is running.
func (w *Worker) Persisting(room string) bool {
	_, ok := w.persisting.Load(room)
	return ok
}

// LastActivity returns when room was last seen by this worker.
func (w *Worker) LastActivity(room string) (time.Time, bool) {
	return w.activity.Load(room)
}

// Drain waits for in-flight persist cycles, polling every second up to the
// drain timeout.
func (w *Worker) Drain() {
	deadline := time.Now().Add(w.drainTimeout)
	for {
		remaining := w.persisting.Size()
		if remaining == 0 {
			return
		}
		if !time.Now().Before(deadline) {
			w.logger.Warn("drain timed out with persist cycles in flight", zap.Int("remaining", remaining))
			return
		}
		w.logger.Info("waiting for persist cycles", zap.Int("remaining", remaining))
		time.Sleep(drainPollInterval)
	}
}

// resolve maps a cache room id to its app type instances. Ids without a
// recognised "<appType>:" prefix are classified by name.
func (w *Worker) resolve(room string) apptype.Instances {
	appType := apptype.Classify("", room)
	if key, ok := rooms.ParseKey(room); ok {
		appType = key.AppType
	}
	instances, _ := w.router.Resolve(appType)
	return instances
}

func orDuration(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}

func orCount(value, fallback int64) int64 {
	if value <= 0 {
		return fallback
	}
	return value
}
