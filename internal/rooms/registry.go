package rooms

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/collabrelay/internal/queue"
	"go.uber.org/zap"
)

var errNilCreate = errors.New("rooms: create function is required")

// Handle is the per-room state owned by the gateway process.
type Handle interface {
	Destroy()
}

// Connection is a live client attached to a room.
type Connection interface {
	ID() string
}

// EventSink receives lifecycle events. Implementations must not block.
type EventSink interface {
	Notify(event queue.Event)
}

// Config configures a Registry.
type Config struct {
	Events EventSink
	Clock  func() time.Time
	// ActivityNotifyInterval throttles activity events emitted by TouchActivity.
	// Zero disables them.
	ActivityNotifyInterval time.Duration
	Logger                 *zap.Logger
}

type roomEntry struct {
	handle       Handle
	createErr    error
	ready        chan struct{}
	connections  map[string]Connection
	lastActivity time.Time
	lastNotified time.Time
}

// Registry is process-local room bookkeeping.
type Registry struct {
	mu             sync.Mutex
	rooms          map[Key]*roomEntry
	events         EventSink
	clock          func() time.Time
	notifyInterval time.Duration
	logger         *zap.Logger
}

func NewRegistry(cfg Config) *Registry {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		rooms:          make(map[Key]*roomEntry),
		events:         cfg.Events,
		clock:          clock,
		notifyInterval: cfg.ActivityNotifyInterval,
		logger:         logger,
	}
}

// Acquire returns the room's handle, running create exactly once per process
// for a new room. Concurrent callers wait for the creator.
func (r *Registry) Acquire(ctx context.Context, key Key, create func(context.Context) (Handle, error)) (Handle, error) {
	if create == nil {
		return nil, errNilCreate
	}
	r.mu.Lock()
	entry, exists := r.rooms[key]
	if !exists {
		entry = &roomEntry{
			ready:        make(chan struct{}),
			connections:  make(map[string]Connection),
			lastActivity: r.clock(),
		}
		r.rooms[key] = entry
	} else {
		entry.lastActivity = r.clock()
	}
	r.mu.Unlock()

	if !exists {
		handle, err := create(ctx)
		r.mu.Lock()
		entry.handle = handle
		entry.createErr = err
		if err != nil && r.rooms[key] == entry {
			delete(r.rooms, key)
		}
		r.mu.Unlock()
		close(entry.ready)
		if err == nil {
			r.logger.Info("room created", zap.String("room", key.String()))
		}
		return handle, err
	}

	select {
	case <-entry.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if entry.createErr != nil {
		return nil, entry.createErr
	}
	return entry.handle, nil
}

// Handle returns the handle of a ready room.
func (r *Registry) Handle(key Key) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.rooms[key]
	if !ok || entry.handle == nil {
		return nil, false
	}
	return entry.handle, true
}

// AddConnection attaches conn to the room and returns the new connection count.
func (r *Registry) AddConnection(key Key, conn Connection) int {
	now := r.clock()
	r.mu.Lock()
	entry, ok := r.rooms[key]
	if !ok {
		entry = &roomEntry{ready: closedReady(), connections: make(map[string]Connection)}
		r.rooms[key] = entry
	}
	entry.connections[conn.ID()] = conn
	entry.lastActivity = now
	entry.lastNotified = now
	count := len(entry.connections)
	r.mu.Unlock()

	r.emit(key, queue.ActionActivity, now)
	return count
}

// RemoveConnection detaches conn. When the room has no connections left an
// empty event is emitted; the handle stays until SweepInactive evicts it.
func (r *Registry) RemoveConnection(key Key, conn Connection) int {
	now := r.clock()
	r.mu.Lock()
	entry, ok := r.rooms[key]
	if !ok {
		r.mu.Unlock()
		return 0
	}
	if _, attached := entry.connections[conn.ID()]; !attached {
		count := len(entry.connections)
		r.mu.Unlock()
		return count
	}
	delete(entry.connections, conn.ID())
	entry.lastActivity = now
	count := len(entry.connections)
	r.mu.Unlock()

	if count == 0 {
		r.emit(key, queue.ActionEmpty, now)
	}
	return count
}

// TouchActivity records inbound traffic for the room. Connected rooms also
// emit a throttled activity event so workers keep treating them as live.
func (r *Registry) TouchActivity(key Key) {
	now := r.clock()
	r.mu.Lock()
	entry, ok := r.rooms[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	entry.lastActivity = now
	notify := r.notifyInterval > 0 && len(entry.connections) > 0 && now.Sub(entry.lastNotified) >= r.notifyInterval
	if notify {
		entry.lastNotified = now
	}
	r.mu.Unlock()

	if notify {
		r.emit(key, queue.ActionActivity, now)
	}
}

// Connections returns a snapshot of the room's live connections.
func (r *Registry) Connections(key Key) []Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.rooms[key]
	if !ok {
		return nil
	}
	out := make([]Connection, 0, len(entry.connections))
	for _, conn := range entry.connections {
		out = append(out, conn)
	}
	return out
}

// SweepInactive destroys every room without connections whose last activity
// is older than idleThreshold and returns the evicted keys.
func (r *Registry) SweepInactive(idleThreshold time.Duration) []Key {
	now := r.clock()
	var evicted []Key
	var handles []Handle

	r.mu.Lock()
	for key, entry := range r.rooms {
		if len(entry.connections) > 0 {
			continue
		}
		select {
		case <-entry.ready:
		default:
			continue
		}
		if now.Sub(entry.lastActivity) <= idleThreshold {
			continue
		}
		delete(r.rooms, key)
		evicted = append(evicted, key)
		if entry.handle != nil {
			handles = append(handles, entry.handle)
		}
	}
	r.mu.Unlock()

	for _, handle := range handles {
		handle.Destroy()
	}
	for _, key := range evicted {
		r.logger.Info("room evicted", zap.String("room", key.String()))
	}
	return evicted
}

// Snapshot describes one tracked room.
type Snapshot struct {
	Room         string    `json:"room"`
	AppType      string    `json:"appType"`
	Connections  int       `json:"connections"`
	LastActivity time.Time `json:"lastActivity"`
}

// Snapshots lists the tracked rooms ordered by name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	out := make([]Snapshot, 0, len(r.rooms))
	for key, entry := range r.rooms {
		out = append(out, Snapshot{
			Room:         key.String(),
			AppType:      string(key.AppType),
			Connections:  len(entry.connections),
			LastActivity: entry.lastActivity,
		})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Room < out[j].Room })
	return out
}

// Len returns the number of tracked rooms.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

func (r *Registry) emit(key Key, action queue.Action, at time.Time) {
	if r.events == nil {
		return
	}
	r.events.Notify(queue.Event{
		Room:      key.String(),
		Action:    action,
		AppType:   string(key.AppType),
		Timestamp: at,
	})
}

func closedReady() chan struct{} {
	ready := make(chan struct{})
	close(ready)
	return ready
}
