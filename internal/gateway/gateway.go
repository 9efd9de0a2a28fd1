// Package gateway serves client sockets: it attaches connections to rooms,
// relays document and presence frames between them, and forwards updates to
// the hot cache.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/collabrelay/internal/apptype"
	"github.com/MarcoPoloResearchLab/collabrelay/internal/auth"
	"github.com/MarcoPoloResearchLab/collabrelay/internal/crdt"
	"github.com/MarcoPoloResearchLab/collabrelay/internal/hotcache"
	"github.com/MarcoPoloResearchLab/collabrelay/internal/metrics"
	"github.com/MarcoPoloResearchLab/collabrelay/internal/presence"
	"github.com/MarcoPoloResearchLab/collabrelay/internal/rooms"
	"github.com/MarcoPoloResearchLab/collabrelay/internal/storage"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	roomCreateTimeout = 10 * time.Second
	publishTimeout    = 5 * time.Second
	bindRetryDelay    = 100 * time.Millisecond
	claimsContextKey  = "collab_session_claims"
)

var (
	errMissingRouter   = errors.New("app type router dependency required")
	errMissingRegistry = errors.New("room registry dependency required")
)

// SessionValidator authenticates socket upgrades.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// Dependencies wires a Gateway.
type Dependencies struct {
	Router   *apptype.Router
	Registry *rooms.Registry
	// Validator is optional; without it every upgrade is accepted.
	Validator           SessionValidator
	SyncRequestMaxBytes int
	AllowedOrigins      []string
	Logger              *zap.Logger
}

// Gateway owns the socket endpoint.
type Gateway struct {
	router       *apptype.Router
	registry     *rooms.Registry
	validator    SessionValidator
	syncMaxBytes int
	origins      []string
	upgrader     websocket.Upgrader
	logger       *zap.Logger

	sessions sync.WaitGroup
	closing  atomic.Bool
}

func New(deps Dependencies) (*Gateway, error) {
	if deps.Router == nil {
		return nil, errMissingRouter
	}
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	syncMaxBytes := deps.SyncRequestMaxBytes
	if syncMaxBytes <= 0 {
		syncMaxBytes = DefaultSyncRequestMaxBytes
	}
	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return &Gateway{
		router:       deps.Router,
		registry:     deps.Registry,
		validator:    deps.Validator,
		syncMaxBytes: syncMaxBytes,
		origins:      origins,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}, nil
}

// Handler returns the HTTP surface: sockets on "/" and "/:room" plus health,
// room listing and metrics endpoints.
func (g *Gateway) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(metrics.Middleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins: g.origins,
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	router.GET("/healthz", g.handleHealth)
	router.GET("/rooms", g.handleRooms)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	sockets := router.Group("/")
	if g.validator != nil {
		sockets.Use(g.authorizeUpgrade)
	}
	sockets.GET("/", g.handleSocket)
	sockets.GET("/:room", g.handleSocket)
	return router
}

func (g *Gateway) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	status := http.StatusOK
	caches := gin.H{}
	for _, instance := range g.router.All() {
		if err := instance.Cache.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			caches[string(instance.Type)] = err.Error()
			continue
		}
		caches[string(instance.Type)] = "ok"
	}
	c.JSON(status, gin.H{"rooms": g.registry.Len(), "caches": caches})
}

func (g *Gateway) handleRooms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": g.registry.Snapshots()})
}

func (g *Gateway) authorizeUpgrade(c *gin.Context) {
	claims, err := g.validator.ValidateRequest(c.Request)
	if err != nil {
		g.logger.Warn("socket authentication failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(claimsContextKey, claims)
	c.Next()
}

func (g *Gateway) handleSocket(c *gin.Context) {
	roomName := c.Param("room")
	key := rooms.NewKey(apptype.Classify(c.Query("appType"), roomName), roomName)

	if value, ok := c.Get(claimsContextKey); ok {
		if claims, ok := value.(auth.SessionClaims); ok && !claims.Permits(key.String()) {
			g.logger.Warn("room not permitted", zap.String("room", key.String()), zap.String("user_id", claims.UserID))
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": auth.ErrRoomNotPermitted.Error()})
			return
		}
	}

	g.sessions.Add(1)
	defer g.sessions.Done()
	socket, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Warn("socket upgrade failed", zap.String("room", key.String()), zap.Error(err))
		return
	}
	g.serve(key, socket)
}

// serve runs one connection through attach, sync, relay and close.
func (g *Gateway) serve(key rooms.Key, socket *websocket.Conn) {
	logger := g.logger.With(zap.String("room", key.String()))
	createCtx, cancel := context.WithTimeout(context.Background(), roomCreateTimeout)
	handle, err := g.registry.Acquire(createCtx, key, func(ctx context.Context) (rooms.Handle, error) {
		return g.createRoom(ctx, key, logger), nil
	})
	cancel()
	if err != nil {
		logger.Error("failed to attach room", zap.Error(err))
		_ = socket.Close()
		return
	}
	current, ok := handle.(*room)
	if !ok {
		logger.Error("unexpected room handle type", zap.String("type", fmt.Sprintf("%T", handle)))
		_ = socket.Close()
		return
	}

	conn := newConnection(socket, logger)
	g.registry.AddConnection(key, conn)
	if g.closing.Load() {
		conn.close()
	}
	metrics.ConnectionOpened(string(key.AppType))
	metrics.SetActiveRooms(g.registry.Len())
	go conn.writePump()

	g.sendInitialState(current, conn)
	g.readLoop(current, conn)

	conn.close()
	if removed := current.awareness.RemoveOrigin(conn.ID()); len(removed) > 0 {
		g.broadcast(key, frame(MessageAwareness, current.awareness.EncodeUpdate(removed)), conn.ID())
	}
	remaining := g.registry.RemoveConnection(key, conn)
	metrics.ConnectionClosed(string(key.AppType))
	conn.logger.Debug("connection closed", zap.Int("remaining", remaining))
}

// createRoom loads the durable snapshot first and binds the hot cache second,
// so cached updates are replayed on top of the stored state. Both steps
// degrade to an empty, locally usable room.
func (g *Gateway) createRoom(ctx context.Context, key rooms.Key, logger *zap.Logger) *room {
	instances, fallback := g.router.Resolve(key.AppType)
	if fallback {
		logger.Warn("serving room with default instances")
	}
	current := &room{
		key:       key,
		instances: instances,
		doc:       crdt.New(),
		awareness: presence.New(),
		logger:    logger,
	}

	retrieved, err := instances.Store.RetrieveDoc(ctx, key.String(), storage.DefaultDocID)
	switch {
	case err != nil:
		logger.Error("failed to load stored document", zap.Error(err))
	case retrieved != nil:
		if err := current.doc.ApplyUpdate(retrieved.Doc); err != nil {
			logger.Error("failed to apply stored document", zap.Error(err))
		}
	}

	binding, err := g.bindWithRetry(ctx, instances, key, current.doc)
	if err != nil {
		logger.Error("failed to bind hot cache", zap.Error(err))
		return current
	}
	current.binding = binding
	go g.pumpRemote(current)
	return current
}

// bindWithRetry waits out a short-lived binding held by a persist cycle in the
// same process.
func (g *Gateway) bindWithRetry(ctx context.Context, instances apptype.Instances, key rooms.Key, doc *crdt.Document) (*hotcache.Binding, error) {
	for {
		binding, err := instances.Cache.BindState(ctx, key.String(), doc)
		if !errors.Is(err, hotcache.ErrAlreadyBound) {
			return binding, err
		}
		select {
		case <-ctx.Done():
			return nil, err
		case <-time.After(bindRetryDelay):
		}
	}
}

// pumpRemote relays updates published by other processes to every local
// connection of the room.
func (g *Gateway) pumpRemote(current *room) {
	for update := range current.binding.Remote() {
		g.broadcast(current.key, frame(MessageSync, update), "")
	}
}

func (g *Gateway) sendInitialState(current *room, conn *connection) {
	conn.enqueue(frame(MessageSync, current.doc.EncodeStateVector()))
	if !current.doc.IsEmpty() {
		conn.enqueue(frame(MessageSync, current.doc.EncodeStateAsUpdate(nil)))
	}
	if active := current.awareness.ActiveClients(); len(active) > 0 {
		conn.enqueue(frame(MessageAwareness, current.awareness.EncodeUpdate(active)))
	}
}

func (g *Gateway) readLoop(current *room, conn *connection) {
	_ = conn.socket.SetReadDeadline(time.Now().Add(pongWait))
	conn.socket.SetPongHandler(func(string) error {
		return conn.socket.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		messageType, data, err := conn.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				conn.logger.Debug("socket read ended", zap.Error(err))
			}
			return
		}
		_ = conn.socket.SetReadDeadline(time.Now().Add(pongWait))
		if messageType != websocket.BinaryMessage {
			conn.logger.Debug("dropping non-binary frame")
			continue
		}
		g.registry.TouchActivity(current.key)
		g.handleFrame(current, conn, data)
	}
}

// handleFrame processes one inbound frame. Failures are logged and the
// connection stays open.
func (g *Gateway) handleFrame(current *room, conn *connection, data []byte) {
	defer func() {
		if recovered := recover(); recovered != nil {
			conn.logger.Error("recovered from frame handling panic", zap.Any("panic", recovered))
		}
	}()

	if len(data) == 0 {
		conn.logger.Debug("dropping empty frame")
		return
	}
	kind, payload := data[0], data[1:]
	metrics.FrameReceived(frameKind(kind))

	switch kind {
	case MessageSync:
		if len(payload) <= g.syncMaxBytes || crdt.IsStateVector(payload) {
			if reply := current.doc.EncodeStateAsUpdate(payload); reply != nil {
				conn.enqueue(frame(MessageSync, reply))
			}
			return
		}
		if err := current.doc.ApplyUpdate(payload); err != nil {
			conn.logger.Warn("dropping undecodable update", zap.Error(err))
			return
		}
		if current.binding != nil {
			ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
			if err := current.binding.Publish(ctx, payload); err != nil {
				conn.logger.Warn("failed to publish update to hot cache", zap.Error(err))
			}
			cancel()
		}
		g.broadcast(current.key, data, conn.ID())
	case MessageAwareness:
		change, err := current.awareness.ApplyUpdate(payload, conn.ID())
		if err != nil {
			conn.logger.Warn("dropping malformed awareness update", zap.Error(err))
			return
		}
		if change.Empty() {
			return
		}
		g.broadcast(current.key, frame(MessageAwareness, current.awareness.EncodeUpdate(change.IDs())), conn.ID())
	default:
		conn.logger.Debug("dropping frame of unknown type", zap.Uint8("type", kind))
	}
}

// broadcast sends payload to every connection of the room except excludeID.
func (g *Gateway) broadcast(key rooms.Key, payload []byte, excludeID string) {
	for _, member := range g.registry.Connections(key) {
		if member.ID() == excludeID {
			continue
		}
		if target, ok := member.(*connection); ok {
			target.enqueue(payload)
		}
	}
}

// RunSweeper evicts idle rooms every interval until ctx is cancelled.
func (g *Gateway) RunSweeper(ctx context.Context, interval, idleThreshold time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evicted := g.registry.SweepInactive(idleThreshold)
			if len(evicted) > 0 {
				g.logger.Info("evicted idle rooms", zap.Int("count", len(evicted)))
				metrics.RoomsEvicted(len(evicted))
			}
			metrics.SetActiveRooms(g.registry.Len())
		}
	}
}

// CloseAll disconnects every client, used on shutdown. Connections attached
// afterwards are closed as soon as they join.
func (g *Gateway) CloseAll() {
	g.closing.Store(true)
	for _, snapshot := range g.registry.Snapshots() {
		key, ok := rooms.ParseKey(snapshot.Room)
		if !ok {
			continue
		}
		for _, member := range g.registry.Connections(key) {
			if target, ok := member.(*connection); ok {
				target.close()
			}
		}
	}
}

// Wait blocks until every socket handler has returned, including the room
// lifecycle events their disconnects emit.
func (g *Gateway) Wait() {
	g.sessions.Wait()
}
