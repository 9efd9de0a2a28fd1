package hotcache

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/collabrelay/internal/crdt"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Binding mirrors one room between a local document and the cache.
type Binding struct {
	cache     *Cache
	room      string
	doc       *crdt.Document
	pubsub    *redis.PubSub
	remote    chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (b *Binding) Room() string {
	return b.room
}

func (b *Binding) Document() *crdt.Document {
	return b.doc
}

// Release detaches the binding from its cache.
func (b *Binding) Release() {
	b.cache.Release(b)
}

// Remote delivers updates that other processes published, after they were
// applied to the document. It is closed once the binding is released.
func (b *Binding) Remote() <-chan []byte {
	return b.remote
}

// Publish appends a local update to the room's list and announces it to
// other processes.
func (b *Binding) Publish(ctx context.Context, update []byte) error {
	client := b.cache.client
	_, err := client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, UpdatesKey(b.room), update)
		pipe.Publish(ctx, b.room, encodeMessage(b.cache.instanceID, update))
		return nil
	})
	return err
}

func (b *Binding) run(messages <-chan *redis.Message) {
	defer close(b.remote)
	for {
		select {
		case <-b.done:
			return
		case message, ok := <-messages:
			if !ok {
				return
			}
			origin, update, valid := decodeMessage([]byte(message.Payload))
			if !valid {
				b.cache.logger.Warn("dropping malformed cache message", zap.String("room", b.room))
				continue
			}
			if origin == b.cache.instanceID || len(update) == 0 {
				continue
			}
			if err := b.doc.ApplyUpdate(update); err != nil {
				b.cache.logger.Warn("failed to apply remote update", zap.String("room", b.room), zap.Error(err))
				continue
			}
			select {
			case b.remote <- update:
			case <-b.done:
				return
			}
		}
	}
}

func (b *Binding) close() {
	b.closeOnce.Do(func() {
		close(b.done)
		if b.pubsub != nil {
			_ = b.pubsub.Close()
		}
	})
}
