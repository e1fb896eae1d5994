package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/Tyrowin/chatrelay/internal/server"

// room is one broadcast group. members maps each connection to its user id.
type room struct {
	id      string
	members map[*Connection]string
}

func (r *room) hasUser(userID string) bool {
	for _, member := range r.members {
		if member == userID {
			return true
		}
	}
	return false
}

type member struct {
	conn   *Connection
	userID string
}

// Hub is the room registry. It tracks which connections belong to which room,
// which room each user currently occupies, and every live connection so they
// can be closed on shutdown.
//
// Structural changes hold the write lock. Broadcast only holds the read lock
// while it copies the member set, then delivers without any lock held.
type Hub struct {
	mutex      sync.RWMutex
	rooms      map[string]*room
	membership map[string]string
	clients    map[*Connection]struct{}
	closing    bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	logger *slog.Logger
	tracer trace.Tracer
}

// NewHub creates an empty registry. A nil logger uses slog.Default.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		rooms:      make(map[string]*room),
		membership: make(map[string]string),
		clients:    make(map[*Connection]struct{}),
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger,
		tracer:     otel.Tracer(tracerName),
	}
}

// Context is cancelled when Shutdown begins. Sessions run under it.
func (h *Hub) Context() context.Context {
	return h.ctx
}

// sessionReplacedReason is the close reason sent to a connection evicted
// because another connection of the same user joined a different room.
const sessionReplacedReason = "session replaced"

// Join adds conn to roomID, creating the room if needed, and records roomID as
// the user's current room. The caller leaves any previous room first. If the
// user still has other connections in a different room, they are removed from
// it and closed so the user occupies one room at a time. Join reports false
// when conn is nil or already closed.
func (h *Hub) Join(roomID, userID string, conn *Connection) bool {
	if conn == nil {
		return false
	}

	h.mutex.Lock()
	if conn.IsClosed() {
		h.mutex.Unlock()
		return false
	}
	var evicted []*Connection
	if previous, ok := h.membership[userID]; ok && previous != roomID {
		evicted = h.evictLocked(previous, userID, conn)
	}
	r, ok := h.rooms[roomID]
	if !ok {
		r = &room{id: roomID, members: make(map[*Connection]string)}
		h.rooms[roomID] = r
	}
	r.members[conn] = userID
	h.membership[userID] = roomID
	size := len(r.members)
	h.mutex.Unlock()

	for _, other := range evicted {
		h.logger.Info("replaced connection in previous room", "user", userID, "conn", other.ID(), "room", roomID)
	}
	h.logger.Info("joined room", "room", roomID, "user", userID, "conn", conn.ID(), "members", size)
	return true
}

// evictLocked removes every connection of userID from roomID. Connections
// other than keep are closed while the lock is held, so a concurrent Join
// from their sessions sees them closed. Callers hold the write lock.
func (h *Hub) evictLocked(roomID, userID string, keep *Connection) []*Connection {
	r, ok := h.rooms[roomID]
	if !ok {
		return nil
	}

	var evicted []*Connection
	for conn, member := range r.members {
		if member != userID {
			continue
		}
		h.detachLocked(r, conn)
		if conn != keep {
			conn.Close(websocket.ClosePolicyViolation, sessionReplacedReason)
			evicted = append(evicted, conn)
		}
	}
	return evicted
}

// Leave removes conn from roomID and drops the room once it is empty. The
// user's membership entry is cleared only while it still names roomID.
func (h *Hub) Leave(roomID, userID string, conn *Connection) {
	h.mutex.Lock()
	removed := false
	if r, ok := h.rooms[roomID]; ok && conn != nil {
		removed = h.detachLocked(r, conn)
	}
	h.clearMembershipLocked(userID, roomID)
	h.mutex.Unlock()

	if removed {
		h.logger.Info("left room", "room", roomID, "user", userID, "conn", conn.ID())
	}
}

// detachLocked removes conn from r. Callers hold the write lock.
func (h *Hub) detachLocked(r *room, conn *Connection) bool {
	if _, ok := r.members[conn]; !ok {
		return false
	}
	delete(r.members, conn)
	if len(r.members) == 0 {
		delete(h.rooms, r.id)
	}
	return true
}

// clearMembershipLocked drops the user's entry if it names roomID and no other
// connection of that user is still in the room. Callers hold the write lock.
func (h *Hub) clearMembershipLocked(userID, roomID string) {
	if current, ok := h.membership[userID]; !ok || current != roomID {
		return
	}
	if r, ok := h.rooms[roomID]; ok && r.hasUser(userID) {
		return
	}
	delete(h.membership, userID)
}

// Broadcast delivers msg to every member of roomID, sender included, and
// returns how many members accepted it. Members that cannot accept are removed
// from the room and closed.
func (h *Hub) Broadcast(ctx context.Context, roomID string, msg Message) int {
	_, span := h.tracer.Start(ctx, "room.broadcast", trace.WithAttributes(attribute.String("room.id", roomID)))
	defer span.End()

	members := h.memberSnapshot(roomID)
	span.SetAttributes(attribute.Int("room.members", len(members)))
	if len(members) == 0 {
		h.logger.Debug("broadcast to empty room", "room", roomID)
		span.SetAttributes(attribute.Int("room.delivered", 0))
		return 0
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("encoding broadcast", "room", roomID, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode failed")
		return 0
	}

	failed := h.broadcastToMembers(members, payload)
	h.removeFailedMembers(roomID, failed)

	delivered := len(members) - len(failed)
	span.SetAttributes(attribute.Int("room.delivered", delivered))
	h.logger.Debug("broadcast", "room", roomID, "members", len(members), "delivered", delivered)
	return delivered
}

// memberSnapshot copies the member set of roomID.
func (h *Hub) memberSnapshot(roomID string) []member {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	r, ok := h.rooms[roomID]
	if !ok {
		return nil
	}
	members := make([]member, 0, len(r.members))
	for conn, userID := range r.members {
		members = append(members, member{conn: conn, userID: userID})
	}
	return members
}

type failedMember struct {
	member
	err error
}

func (h *Hub) broadcastToMembers(members []member, payload []byte) []failedMember {
	var failed []failedMember
	for _, m := range members {
		if err := m.conn.enqueue(payload); err != nil {
			failed = append(failed, failedMember{member: m, err: err})
		}
	}
	return failed
}

// removeFailedMembers detaches members whose delivery failed and closes slow
// consumers so they don't linger with a stale view of the room.
func (h *Hub) removeFailedMembers(roomID string, failed []failedMember) {
	if len(failed) == 0 {
		return
	}

	h.mutex.Lock()
	for _, f := range failed {
		if r, ok := h.rooms[roomID]; ok {
			h.detachLocked(r, f.conn)
		}
		h.clearMembershipLocked(f.userID, roomID)
	}
	h.mutex.Unlock()

	for _, f := range failed {
		h.logger.Warn("removed member after failed delivery", "room", roomID, "user", f.userID, "conn", f.conn.ID(), "error", f.err)
		if errors.Is(f.err, ErrSendBufferFull) {
			f.conn.Close(websocket.CloseTryAgainLater, "send buffer full")
		}
	}
}

// RoomSize returns the number of connections in roomID, 0 when it doesn't exist.
func (h *Hub) RoomSize(roomID string) int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if r, ok := h.rooms[roomID]; ok {
		return len(r.members)
	}
	return 0
}

// IsUserInRoom reports whether roomID is the user's current room.
func (h *Hub) IsUserInRoom(userID, roomID string) bool {
	current, ok := h.CurrentRoomOf(userID)
	return ok && current == roomID
}

// CurrentRoomOf returns the user's current room.
func (h *Hub) CurrentRoomOf(userID string) (string, bool) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	roomID, ok := h.membership[userID]
	return roomID, ok
}

// RoomIDs returns the ids of all rooms with at least one member, sorted.
func (h *Hub) RoomIDs() []string {
	h.mutex.RLock()
	ids := make([]string, 0, len(h.rooms))
	for id := range h.rooms {
		ids = append(ids, id)
	}
	h.mutex.RUnlock()

	sort.Strings(ids)
	return ids
}

// Register tracks conn until Unregister. It returns false once shutdown has
// begun, in which case the caller must close conn itself.
func (h *Hub) Register(conn *Connection) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.closing {
		return false
	}
	if _, ok := h.clients[conn]; ok {
		return true
	}
	h.clients[conn] = struct{}{}
	h.wg.Add(1)
	h.logger.Debug("connection registered", "conn", conn.ID(), "addr", conn.Addr(), "connections", len(h.clients))
	return true
}

// Unregister stops tracking conn.
func (h *Hub) Unregister(conn *Connection) {
	h.mutex.Lock()
	_, ok := h.clients[conn]
	if ok {
		delete(h.clients, conn)
	}
	count := len(h.clients)
	h.mutex.Unlock()

	if ok {
		h.wg.Done()
		h.logger.Debug("connection unregistered", "conn", conn.ID(), "connections", count)
	}
}

// ConnectionCount returns the number of registered connections.
func (h *Hub) ConnectionCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Accepting reports whether new connections may register.
func (h *Hub) Accepting() bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return !h.closing
}

// shutdownClients closes every registered connection with a going-away code.
func (h *Hub) shutdownClients() {
	h.mutex.Lock()
	h.closing = true
	clients := make([]*Connection, 0, len(h.clients))
	for conn := range h.clients {
		clients = append(clients, conn)
	}
	h.mutex.Unlock()

	for _, conn := range clients {
		conn.Close(websocket.CloseGoingAway, "server shutting down")
	}

	h.logger.Info("closed client connections", "count", len(clients))
}

// Shutdown stops accepting connections, closes the live ones and waits for
// their sessions to unregister. It returns context.DeadlineExceeded if they
// haven't all finished within timeout.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("initiating hub shutdown")

	h.cancel()
	h.shutdownClients()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn("hub shutdown timeout reached, some sessions may still be running")
		return context.DeadlineExceeded
	}
}
