// Package hotcache keeps the recent updates of every room in Redis and fans
// them out between processes. Each room owns a list "<room>:updates" and a
// pub/sub channel named after the room.
package hotcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/collabrelay/internal/crdt"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	updatesSuffix     = ":updates"
	internalKeyPrefix = "y:"
	remoteBufferSize  = 64
)

var (
	ErrAlreadyBound     = errors.New("hotcache: room already bound")
	errMissingClient    = errors.New("hotcache: redis client is required")
	errMissingRoom      = errors.New("hotcache: room is required")
	errMissingDocument  = errors.New("hotcache: document is required")
	errMissingInstance  = errors.New("hotcache: instance id is required")
	originSeparator     = []byte{'\n'}
	defaultDiscoverScan = int64(100)
)

// UpdatesKey returns the list key of a room.
func UpdatesKey(room string) string {
	return room + updatesSuffix
}

// Config configures a Cache.
type Config struct {
	Client     *redis.Client
	Namespace  string
	InstanceID string
	Logger     *zap.Logger
}

// Cache is the hot tier for one app-type namespace.
type Cache struct {
	client     *redis.Client
	namespace  string
	instanceID string
	bindings   *xsync.MapOf[string, *Binding]
	logger     *zap.Logger
}

// Dial opens a client for the given database index of a redis URL.
func Dial(redisURL string, database int) (*redis.Client, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	options.DB = database
	return redis.NewClient(options), nil
}

func New(cfg Config) (*Cache, error) {
	if cfg.Client == nil {
		return nil, errMissingClient
	}
	if strings.TrimSpace(cfg.InstanceID) == "" {
		return nil, errMissingInstance
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		client:     cfg.Client,
		namespace:  cfg.Namespace,
		instanceID: cfg.InstanceID,
		bindings:   xsync.NewMapOf[string, *Binding](),
		logger:     logger.With(zap.String("namespace", cfg.Namespace)),
	}, nil
}

// Client exposes the underlying connection for components sharing it.
func (c *Cache) Client() *redis.Client {
	return c.client
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// BindState attaches a document to the room's cached updates: the list is
// replayed into the document, a non-empty document is pushed to the list, and
// remote updates keep flowing into it until Unbind.
func (c *Cache) BindState(ctx context.Context, room string, doc *crdt.Document) (*Binding, error) {
	if strings.TrimSpace(room) == "" {
		return nil, errMissingRoom
	}
	if doc == nil {
		return nil, errMissingDocument
	}
	binding := &Binding{
		cache:  c,
		room:   room,
		doc:    doc,
		remote: make(chan []byte, remoteBufferSize),
		done:   make(chan struct{}),
	}
	if _, loaded := c.bindings.LoadOrStore(room, binding); loaded {
		return nil, ErrAlreadyBound
	}

	seeded := !doc.IsEmpty()

	pubsub := c.client.Subscribe(ctx, room)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		c.bindings.Delete(room)
		return nil, fmt.Errorf("hotcache: subscribe %s: %w", room, err)
	}
	binding.pubsub = pubsub

	updates, err := c.client.LRange(ctx, UpdatesKey(room), 0, -1).Result()
	if err != nil {
		binding.close()
		c.bindings.Delete(room)
		return nil, fmt.Errorf("hotcache: read %s: %w", UpdatesKey(room), err)
	}
	for index, update := range updates {
		if err := doc.ApplyUpdate([]byte(update)); err != nil {
			c.logger.Warn("skipping undecodable cached update",
				zap.String("room", room), zap.Int("index", index), zap.Error(err))
		}
	}

	if seeded {
		if err := c.client.RPush(ctx, UpdatesKey(room), doc.EncodeStateAsUpdate(nil)).Err(); err != nil {
			c.logger.Warn("failed to push seeded state", zap.String("room", room), zap.Error(err))
		}
	}

	go binding.run(pubsub.Channel())
	return binding, nil
}

// Lookup returns the live binding of a room in this process.
func (c *Cache) Lookup(room string) (*Binding, bool) {
	return c.bindings.Load(room)
}

// Unbind stops mirroring the room into its document.
func (c *Cache) Unbind(room string) {
	if binding, ok := c.bindings.LoadAndDelete(room); ok {
		binding.close()
	}
}

// Release unbinds the room only while b is still its binding.
func (c *Cache) Release(b *Binding) {
	if b == nil {
		return
	}
	released := false
	c.bindings.Compute(b.room, func(current *Binding, loaded bool) (*Binding, bool) {
		if !loaded {
			return current, true
		}
		released = current == b
		return current, released
	})
	if released {
		b.close()
	}
}

// BoundRooms returns the rooms bound in this process.
func (c *Cache) BoundRooms() []string {
	rooms := make([]string, 0, c.bindings.Size())
	c.bindings.Range(func(room string, _ *Binding) bool {
		rooms = append(rooms, room)
		return true
	})
	return rooms
}

// UpdateCount returns the number of cached updates of room.
func (c *Cache) UpdateCount(ctx context.Context, room string) (int64, error) {
	return c.client.LLen(ctx, UpdatesKey(room)).Result()
}

// DiscoverRooms scans for rooms that have cached updates. Internal "y:" keys
// are skipped.
func (c *Cache) DiscoverRooms(ctx context.Context, batch int64) ([]string, error) {
	if batch <= 0 {
		batch = defaultDiscoverScan
	}
	seen := make(map[string]struct{})
	var rooms []string
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, "*"+updatesSuffix, batch).Result()
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			if strings.HasPrefix(key, internalKeyPrefix) {
				continue
			}
			room := strings.TrimSuffix(key, updatesSuffix)
			if _, dup := seen[room]; dup || room == "" {
				continue
			}
			seen[room] = struct{}{}
			rooms = append(rooms, room)
		}
		cursor = next
		if cursor == 0 {
			return rooms, nil
		}
	}
}

// roomKeys lists the keys owned by a room. Names of other rooms may extend
// this room's name, so keys are addressed exactly rather than by pattern.
func roomKeys(room string) []string {
	return []string{UpdatesKey(room)}
}

// DeleteRoom removes the keys of room and returns how many were deleted.
func (c *Cache) DeleteRoom(ctx context.Context, room string) (int64, error) {
	if strings.TrimSpace(room) == "" {
		return 0, errMissingRoom
	}
	return c.client.Del(ctx, roomKeys(room)...).Result()
}

// Destroy releases every binding and closes the client.
func (c *Cache) Destroy() error {
	c.bindings.Range(func(room string, _ *Binding) bool {
		c.Unbind(room)
		return true
	})
	return c.client.Close()
}

func encodeMessage(origin string, update []byte) []byte {
	payload := make([]byte, 0, len(origin)+1+len(update))
	payload = append(payload, origin...)
	payload = append(payload, originSeparator...)
	return append(payload, update...)
}

func decodeMessage(payload []byte) (string, []byte, bool) {
	index := bytes.IndexByte(payload, originSeparator[0])
	if index < 0 {
		return "", nil, false
	}
	return string(payload[:index]), payload[index+1:], true
}
