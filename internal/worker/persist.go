package worker

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/collabrelay/internal/apptype"
	"github.com/MarcoPoloResearchLab/collabrelay/internal/crdt"
	"github.com/MarcoPoloResearchLab/collabrelay/internal/hotcache"
	"github.com/MarcoPoloResearchLab/collabrelay/internal/metrics"
	"github.com/MarcoPoloResearchLab/collabrelay/internal/storage"
	"go.uber.org/zap"
)

// Result is the outcome of one persist cycle.
type Result string

const (
	ResultPersisted Result = "persisted"
	ResultBusy      Result = "busy"
	ResultEmpty     Result = "empty"
	ResultFailed    Result = "failed"
)

// PersistRoom snapshots the room's cached state into the durable store of its
// app type. Only one cycle per room runs at a time; the cycle is not cut short
// by cancellation of ctx.
func (w *Worker) PersistRoom(ctx context.Context, room string) Result {
	if _, running := w.persisting.LoadOrStore(room, struct{}{}); running {
		w.logger.Debug("persist already in progress", zap.String("room", room))
		return ResultBusy
	}
	defer w.persisting.Delete(room)

	ctx = context.WithoutCancel(ctx)
	started := time.Now()
	instances := w.resolve(room)
	result := w.persist(ctx, instances, room)
	metrics.PersistCycle(string(instances.Type), string(result), time.Since(started))
	return result
}

func (w *Worker) persist(ctx context.Context, instances apptype.Instances, room string) Result {
	logger := w.logger.With(zap.String("room", room), zap.String("app_type", string(instances.Type)))

	doc, release, err := w.attach(ctx, instances, room)
	if err != nil {
		logger.Error("failed to load room from cache", zap.Error(err))
		return ResultFailed
	}
	defer release()

	cfg := instances.Config
	if !doc.HasContent(cfg.TextFields, cfg.ListFields, cfg.AnyField) {
		logger.Debug("skipping room without content")
		return ResultEmpty
	}
	update := doc.EncodeStateAsUpdate(nil)
	if len(update) == 0 {
		logger.Debug("skipping room with empty encoding")
		return ResultEmpty
	}

	snapshot, merged := w.compactWith(ctx, instances.Store, room, update, logger)
	reference, err := instances.Store.PersistDoc(ctx, room, storage.DefaultDocID, snapshot)
	if err != nil {
		logger.Error("failed to persist room", zap.Error(err))
		return ResultFailed
	}
	if len(merged) > 0 {
		if err := instances.Store.DeleteReferences(ctx, room, storage.DefaultDocID, merged); err != nil {
			logger.Warn("failed to delete compacted references", zap.Error(err))
		}
	}
	logger.Info("persisted room", zap.String("reference", reference), zap.Int("bytes", len(snapshot)), zap.Int("compacted", len(merged)))

	if w.callback != nil {
		w.deliver(ctx, room, doc)
	}

	active, err := w.queue.RecentActivity(ctx, room, w.activeWindow, w.activeScan)
	if err != nil {
		logger.Warn("liveness probe failed, treating room as active", zap.Error(err))
		active = true
	}
	if !active {
		w.evict(ctx, room)
	}
	return ResultPersisted
}

// attach returns the room's document. A binding already held by this process
// is reused and left in place; otherwise a temporary binding is created and
// given settleDelay to receive in-flight updates.
func (w *Worker) attach(ctx context.Context, instances apptype.Instances, room string) (*crdt.Document, func(), error) {
	if binding, ok := instances.Cache.Lookup(room); ok {
		return binding.Document(), func() {}, nil
	}
	doc := crdt.New()
	binding, err := instances.Cache.BindState(ctx, room, doc)
	if errors.Is(err, hotcache.ErrAlreadyBound) {
		if existing, ok := instances.Cache.Lookup(room); ok {
			return existing.Document(), func() {}, nil
		}
	}
	if err != nil {
		return nil, nil, err
	}
	go func() {
		for range binding.Remote() {
		}
	}()
	if w.settleDelay > 0 {
		timer := time.NewTimer(w.settleDelay)
		<-timer.C
	}
	return doc, binding.Release, nil
}

// compactWith merges update with the room's stored references. It returns the
// snapshot to write and the references it supersedes. Without compaction, or
// when the store cannot be read, update is written alone.
func (w *Worker) compactWith(ctx context.Context, store storage.Store, room string, update []byte, logger *zap.Logger) ([]byte, []string) {
	if !w.compact {
		return update, nil
	}
	retrieved, err := store.RetrieveDoc(ctx, room, storage.DefaultDocID)
	if err != nil {
		logger.Warn("failed to read stored references, writing without compaction", zap.Error(err))
		return update, nil
	}
	if retrieved == nil || len(retrieved.References) == 0 {
		return update, nil
	}
	merged, err := crdt.MergeUpdates([][]byte{retrieved.Doc, update})
	if err != nil {
		logger.Warn("failed to merge stored references, writing without compaction", zap.Error(err))
		return update, nil
	}
	return merged, retrieved.References
}
