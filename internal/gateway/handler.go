package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/btouchard/beacon/internal/config"
	"github.com/btouchard/beacon/internal/realtime"
	"github.com/btouchard/beacon/internal/session"
)

// clientMessage is the shape of every frame a peer sends us.
type clientMessage struct {
	Type   string         `json:"type"`
	TaskID string         `json:"task_id,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// Handler upgrades HTTP requests to WebSocket connections and drives each
// connection's lifecycle: session attach on connect, room membership while
// live, session detach when the read loop exits.
type Handler struct {
	manager *session.Manager
	service *session.Service // optional durable mirror
	tasks   *realtime.TaskRooms
	users   *realtime.UserRooms
	bus     *realtime.Bus

	upgrader       websocket.Upgrader
	writeTimeout   time.Duration
	pingInterval   time.Duration
	maxMessageSize int64
}

// NewHandler creates a gateway Handler. service may be nil when the process
// runs without a durable store.
func NewHandler(cfg config.GatewayConfig, manager *session.Manager, service *session.Service,
	tasks *realtime.TaskRooms, users *realtime.UserRooms, bus *realtime.Bus) *Handler {

	h := &Handler{
		manager:        manager,
		service:        service,
		tasks:          tasks,
		users:          users,
		bus:            bus,
		writeTimeout:   cfg.WriteTimeout,
		pingInterval:   cfg.PingInterval,
		maxMessageSize: cfg.MaxMessageSize,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return h
}

// originChecker allows same-origin and explicitly allowed cross-origin
// requests. An empty allow-list permits everything, for local setups behind
// a trusted proxy.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// ServeHTTP handles GET /ws. The client identifies itself through query
// parameters: user_id is required; session_id resumes an existing session,
// recovery_token claims continuity from a previous one, and neither means a
// fresh session. task_id optionally joins a task room immediately.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	sess, errMsg := h.attachSession(r, userID)
	if errMsg != "" {
		http.Error(w, errMsg, http.StatusConflict)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		slog.Warn("websocket upgrade failed", "user_id", userID, "error", err)
		return
	}

	c := newWSConn(ws, h.writeTimeout)
	info := realtime.ConnInfo{
		UserID:    userID,
		SessionID: sess.SessionID,
		Remote:    r.RemoteAddr,
	}

	if err := h.manager.AssociateConnection(sess.SessionID, c.ID()); err != nil {
		slog.Warn("failed to associate connection", "session_id", sess.SessionID, "error", err)
		c.close()
		return
	}
	h.mirrorConnect(r.Context(), sess)

	h.users.Join(userID, c, info)
	if taskID := r.URL.Query().Get("task_id"); taskID != "" {
		h.tasks.Join(taskID, c, info)
	}

	_ = c.Send(map[string]any{
		"event": "connected",
		"data": map[string]any{
			"session_id":     sess.SessionID,
			"recovery_token": sess.RecoveryToken,
			"conn_id":        c.ID(),
		},
	})

	slog.Info("websocket connected",
		"conn_id", c.ID(),
		"user_id", userID,
		"session_id", sess.SessionID,
		"remote", r.RemoteAddr)

	done := make(chan struct{})
	if h.pingInterval > 0 {
		go h.keepAlive(c, done)
	}
	h.readLoop(r.Context(), c, info)
	close(done)
}

// keepAlive pings the peer on a fixed cadence so intermediaries keep the
// connection open. A failed ping means the peer is gone; the read loop
// notices and unwinds.
func (h *Handler) keepAlive(c *wsConn, done <-chan struct{}) {
	timeout := h.writeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	t := time.NewTicker(h.pingInterval)
	defer t.Stop()

	for {
		select {
		case <-done:
			return
		case <-t.C:
			if err := c.ping(time.Now().Add(timeout)); err != nil {
				return
			}
		}
	}
}

// attachSession resolves the session this connection runs under. A rejected
// recovery or an unknown session is a client error, reported before upgrade.
func (h *Handler) attachSession(r *http.Request, userID string) (session.Session, string) {
	q := r.URL.Query()

	if token := q.Get("recovery_token"); token != "" {
		res := h.manager.Recover(token, "", nil)
		if !res.Success {
			return session.Session{}, res.Message
		}
		return *res.Session, ""
	}

	if sessionID := q.Get("session_id"); sessionID != "" {
		sess, ok := h.manager.Get(sessionID)
		if !ok {
			return session.Session{}, "unknown session"
		}
		if sess.Status.Terminal() {
			return session.Session{}, "session is no longer active"
		}
		return sess, ""
	}

	sess, err := h.manager.Create(session.CreateParams{
		UserID: userID,
		TaskID: q.Get("task_id"),
	})
	if err != nil {
		return session.Session{}, err.Error()
	}
	return sess, ""
}

// readLoop consumes client frames until the peer goes away, then unwinds the
// connection's session and room state.
func (h *Handler) readLoop(ctx context.Context, c *wsConn, info realtime.ConnInfo) {
	defer func() {
		h.detach(ctx, c, info)
		c.close()
	}()

	if h.maxMessageSize > 0 {
		c.ws.SetReadLimit(h.maxMessageSize)
	}

	for {
		var msg clientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("websocket read error", "conn_id", c.ID(), "error", err)
			}
			return
		}
		h.handleMessage(c, info, msg)
	}
}

func (h *Handler) handleMessage(c *wsConn, info realtime.ConnInfo, msg clientMessage) {
	switch msg.Type {
	case "ping":
		h.manager.Touch(info.SessionID)
		h.mirrorTouch(info.SessionID)
		_ = c.Send(map[string]any{"event": "pong"})

	case "join_task":
		if msg.TaskID == "" {
			return
		}
		h.tasks.Join(msg.TaskID, c, info)
		_ = c.Send(map[string]any{
			"event": "joined",
			"data":  map[string]any{"task_id": msg.TaskID},
		})

	case "leave_task":
		if msg.TaskID == "" {
			return
		}
		h.tasks.Leave(msg.TaskID, c)

	case "message":
		if msg.TaskID == "" {
			return
		}
		h.manager.Touch(info.SessionID)
		data := msg.Data
		if data == nil {
			data = map[string]any{}
		}
		data["from"] = info.UserID
		h.bus.PublishToTask(msg.TaskID, "chat.message", data, info.UserID)

	default:
		slog.Debug("unknown client message type", "conn_id", c.ID(), "type", msg.Type)
	}
}

// detach unwinds everything the connection acquired. The manager closes the
// session itself when this was its last connection.
func (h *Handler) detach(ctx context.Context, c *wsConn, info realtime.ConnInfo) {
	h.tasks.DropAll(c)
	h.users.Drop(c)

	if sess, ok := h.manager.DisassociateConnection(c.ID()); ok {
		h.mirrorDisconnect(ctx, sess.SessionID)
		slog.Info("websocket disconnected",
			"conn_id", c.ID(),
			"session_id", sess.SessionID,
			"session_status", string(sess.Status))
	}
}

// The durable mirror is best-effort: a store outage must never take the
// realtime path down with it. The in-memory manager stays authoritative;
// the store holds the audit copy.

func (h *Handler) mirrorConnect(ctx context.Context, sess session.Session) {
	if h.service == nil {
		return
	}
	// First sighting of a manager-born session: persist it under the same ID.
	if _, err := h.service.Get(ctx, sess.SessionID); err != nil {
		if _, err := h.service.Create(ctx, session.CreateParams{
			SessionID: sess.SessionID,
			UserID:    sess.UserID,
			TaskID:    sess.TaskID,
			ThreadID:  sess.ThreadID,
			Meta:      sess.Meta,
		}); err != nil {
			slog.Warn("durable session mirror failed", "session_id", sess.SessionID, "error", err)
			return
		}
	}
	if err := h.service.Connect(ctx, sess.SessionID); err != nil {
		slog.Warn("durable connect mirror failed", "session_id", sess.SessionID, "error", err)
	}
}

func (h *Handler) mirrorDisconnect(ctx context.Context, sessionID string) {
	if h.service == nil {
		return
	}
	if err := h.service.Disconnect(context.WithoutCancel(ctx), sessionID); err != nil {
		slog.Warn("durable disconnect mirror failed", "session_id", sessionID, "error", err)
	}
}

func (h *Handler) mirrorTouch(sessionID string) {
	if h.service == nil {
		return
	}
	if err := h.service.Touch(context.Background(), sessionID); err != nil {
		slog.Warn("durable touch mirror failed", "session_id", sessionID, "error", err)
	}
}
