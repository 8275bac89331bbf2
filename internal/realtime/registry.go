package realtime

import (
	"log/slog"
	"sync"
	"time"
)

// RoomInfo describes a room's metadata at a point in time.
type RoomInfo struct {
	CreatedAt   time.Time
	MemberCount int
}

type room struct {
	members   map[Conn]ConnInfo
	createdAt time.Time
}

type member struct {
	conn Conn
	info ConnInfo
}

// roomSet is the membership core shared by the registries.
// Not safe for concurrent use; the owning registry's mutex covers every call.
type roomSet[K comparable] struct {
	rooms map[K]*room
}

func newRoomSet[K comparable]() roomSet[K] {
	return roomSet[K]{rooms: make(map[K]*room)}
}

// join adds c to the room for key, creating the room on first member.
func (s roomSet[K]) join(key K, c Conn, info ConnInfo) {
	r, ok := s.rooms[key]
	if !ok {
		r = &room{members: make(map[Conn]ConnInfo), createdAt: time.Now()}
		s.rooms[key] = r
	}
	r.members[c] = info
}

// leave removes c from the room for key. An empty room is deleted immediately.
// Returns true if the connection was actually a member.
func (s roomSet[K]) leave(key K, c Conn) bool {
	r, ok := s.rooms[key]
	if !ok {
		return false
	}
	if _, ok := r.members[c]; !ok {
		return false
	}
	delete(r.members, c)
	if len(r.members) == 0 {
		delete(s.rooms, key)
	}
	return true
}

// snapshot returns a copy of the room's membership for lock-free delivery.
func (s roomSet[K]) snapshot(key K) []member {
	r, ok := s.rooms[key]
	if !ok {
		return nil
	}
	out := make([]member, 0, len(r.members))
	for c, info := range r.members {
		out = append(out, member{conn: c, info: info})
	}
	return out
}

func (s roomSet[K]) count(key K) int {
	r, ok := s.rooms[key]
	if !ok {
		return 0
	}
	return len(r.members)
}

func (s roomSet[K]) info(key K) (RoomInfo, bool) {
	r, ok := s.rooms[key]
	if !ok {
		return RoomInfo{}, false
	}
	return RoomInfo{CreatedAt: r.createdAt, MemberCount: len(r.members)}, true
}

func (s roomSet[K]) all() map[K]int {
	out := make(map[K]int, len(s.rooms))
	for key, r := range s.rooms {
		out[key] = len(r.members)
	}
	return out
}

// deliver attempts delivery to every snapshotted member for which skip returns
// false. Delivery happens outside any registry lock; a slow peer must not
// block join/leave. Returns the success count and the failed connections.
func deliver(kind string, members []member, msg any, skip func(member) bool) (int, []Conn) {
	sent := 0
	var failed []Conn
	for _, m := range members {
		if skip != nil && skip(m) {
			continue
		}
		if err := m.conn.Send(msg); err != nil {
			slog.Warn("room delivery failed, pruning member",
				"registry", kind,
				"conn_id", m.conn.ID(),
				"error", err)
			failed = append(failed, m.conn)
			continue
		}
		sent++
	}
	return sent, failed
}

// TaskRooms maps task IDs to the live connections watching that task's chat.
type TaskRooms struct {
	mu    sync.Mutex
	rooms roomSet[string]
}

// NewTaskRooms creates an empty task-room registry.
func NewTaskRooms() *TaskRooms {
	return &TaskRooms{rooms: newRoomSet[string]()}
}

// Join adds a connection to a task room, creating the room if needed.
func (t *TaskRooms) Join(taskID string, c Conn, info ConnInfo) {
	t.mu.Lock()
	t.rooms.join(taskID, c, info)
	n := t.rooms.count(taskID)
	t.mu.Unlock()

	slog.Debug("connection joined task room",
		"task_id", taskID,
		"conn_id", c.ID(),
		"members", n)
}

// Leave removes a connection from a task room. No-op if absent.
func (t *TaskRooms) Leave(taskID string, c Conn) {
	t.mu.Lock()
	removed := t.rooms.leave(taskID, c)
	t.mu.Unlock()

	if removed {
		slog.Debug("connection left task room", "task_id", taskID, "conn_id", c.ID())
	}
}

// Broadcast delivers msg to every member of the task room except exclude.
// Dead connections are detected by the failed send and removed afterwards.
// Returns the number of successful deliveries.
func (t *TaskRooms) Broadcast(taskID string, msg any, exclude Conn) int {
	return t.broadcast(taskID, msg, func(m member) bool {
		return exclude != nil && m.conn == exclude
	})
}

// BroadcastExcludingUser delivers msg to the task room, skipping every
// connection that joined with the given user ID.
func (t *TaskRooms) BroadcastExcludingUser(taskID string, msg any, userID string) int {
	return t.broadcast(taskID, msg, func(m member) bool {
		return userID != "" && m.info.UserID == userID
	})
}

func (t *TaskRooms) broadcast(taskID string, msg any, skip func(member) bool) int {
	t.mu.Lock()
	members := t.rooms.snapshot(taskID)
	t.mu.Unlock()

	sent, failed := deliver("task", members, msg, skip)
	for _, c := range failed {
		t.Leave(taskID, c)
	}
	return sent
}

// SendTo delivers msg to a single connection. A failed send prunes the
// connection from every task room holding it.
func (t *TaskRooms) SendTo(c Conn, msg any) bool {
	if err := c.Send(msg); err != nil {
		slog.Warn("unicast delivery failed", "registry", "task", "conn_id", c.ID(), "error", err)
		t.DropAll(c)
		return false
	}
	return true
}

// DropAll removes a connection from every task room it is a member of.
func (t *TaskRooms) DropAll(c Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for taskID := range t.rooms.rooms {
		t.rooms.leave(taskID, c)
	}
}

// MemberCount returns the live member count for a task room.
func (t *TaskRooms) MemberCount(taskID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rooms.count(taskID)
}

// RoomInfo returns metadata for a task room.
func (t *TaskRooms) RoomInfo(taskID string) (RoomInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rooms.info(taskID)
}

// Rooms returns every task room and its member count.
func (t *TaskRooms) Rooms() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rooms.all()
}

// UserRooms maps user IDs to that user's live connections (their personal
// notification channel), with a reverse connection→user index maintained
// under the same lock as the membership maps.
type UserRooms struct {
	mu       sync.Mutex
	rooms    roomSet[string]
	connUser map[Conn]string
}

// NewUserRooms creates an empty user-room registry.
func NewUserRooms() *UserRooms {
	return &UserRooms{
		rooms:    newRoomSet[string](),
		connUser: make(map[Conn]string),
	}
}

// Join adds a connection to a user's room and records the reverse mapping.
func (u *UserRooms) Join(userID string, c Conn, info ConnInfo) {
	u.mu.Lock()
	u.rooms.join(userID, c, info)
	u.connUser[c] = userID
	n := u.rooms.count(userID)
	u.mu.Unlock()

	slog.Debug("connection joined user room",
		"user_id", userID,
		"conn_id", c.ID(),
		"members", n)
}

// Leave removes a connection from a user's room. No-op if absent.
func (u *UserRooms) Leave(userID string, c Conn) {
	u.mu.Lock()
	removed := u.rooms.leave(userID, c)
	if removed {
		delete(u.connUser, c)
	}
	u.mu.Unlock()

	if removed {
		slog.Debug("connection left user room", "user_id", userID, "conn_id", c.ID())
	}
}

// Drop removes a connection from whichever user room holds it, using the
// reverse index. Returns the user ID the connection belonged to.
func (u *UserRooms) Drop(c Conn) (string, bool) {
	u.mu.Lock()
	userID, ok := u.connUser[c]
	if ok {
		u.rooms.leave(userID, c)
		delete(u.connUser, c)
	}
	u.mu.Unlock()
	return userID, ok
}

// UserOf returns the user ID a connection joined under.
func (u *UserRooms) UserOf(c Conn) (string, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	userID, ok := u.connUser[c]
	return userID, ok
}

// Broadcast delivers msg to every one of the user's connections except
// exclude, pruning members whose send fails. Returns the delivery count.
func (u *UserRooms) Broadcast(userID string, msg any, exclude Conn) int {
	u.mu.Lock()
	members := u.rooms.snapshot(userID)
	u.mu.Unlock()

	sent, failed := deliver("user", members, msg, func(m member) bool {
		return exclude != nil && m.conn == exclude
	})
	for _, c := range failed {
		u.Leave(userID, c)
	}
	return sent
}

// SendTo delivers msg to a single connection, pruning it on failure.
func (u *UserRooms) SendTo(c Conn, msg any) bool {
	if err := c.Send(msg); err != nil {
		slog.Warn("unicast delivery failed", "registry", "user", "conn_id", c.ID(), "error", err)
		u.Drop(c)
		return false
	}
	return true
}

// MemberCount returns the number of live connections for a user.
func (u *UserRooms) MemberCount(userID string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.rooms.count(userID)
}

// RoomInfo returns metadata for a user's room.
func (u *UserRooms) RoomInfo(userID string) (RoomInfo, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.rooms.info(userID)
}

// Rooms returns every user room and its member count.
func (u *UserRooms) Rooms() map[string]int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.rooms.all()
}
