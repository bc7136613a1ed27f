// Package socket fans domain events out to subscribed client connections.
// Delivery is best-effort and at-most-once per connected receiver; there is
// no persistence or replay, durable history lives in the store.
package socket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/dmarquesp/wahub/internal/auth"
	"github.com/dmarquesp/wahub/internal/bus"
	"github.com/dmarquesp/wahub/internal/store"
)

// Wire-facing event type names.
const (
	eventQRCode          = "qr_code"
	eventSessionStatus   = "session_status"
	eventSyncProgress    = "sync_progress"
	eventMessageReceived = "message_received"
	eventMessageAck      = "message_ack"
)

// frame is one outbound websocket message.
type frame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// command is an inbound subscription message from a client.
type command struct {
	Action    string `json:"action"`
	SessionID string `json:"session_id"`
}

// Hub bridges bus events to websocket connections. A connection is
// subscribed to its own user scope on connect and may additionally join
// individual sessions it owns.
type Hub struct {
	db       *store.DB
	bus      *bus.Bus
	verifier *auth.Verifier
	logger   *zap.Logger

	mu     sync.RWMutex
	conns  map[*conn]struct{}
	cancel context.CancelFunc
}

type conn struct {
	ws     *websocket.Conn
	userID string
	send   chan frame

	mu       sync.Mutex
	sessions map[string]struct{}
}

// NewHub creates a fan-out hub.
func NewHub(db *store.DB, b *bus.Bus, verifier *auth.Verifier, logger *zap.Logger) *Hub {
	return &Hub{
		db:       db,
		bus:      b,
		verifier: verifier,
		logger:   logger,
		conns:    make(map[*conn]struct{}),
	}
}

// Run subscribes to the bus and starts routing events to connections.
func (h *Hub) Run(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	ch, unsub := h.bus.Subscribe("", 512)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				h.route(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops routing and closes all connections.
func (h *Hub) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.mu.Lock()
	for c := range h.conns {
		_ = c.ws.Close(websocket.StatusGoingAway, "server shutting down")
		delete(h.conns, c)
	}
	h.mu.Unlock()
}

// ServeHTTP upgrades a client connection. The client authenticates with a
// bearer token (Authorization header or token query parameter) before any
// subscription is accepted.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, err := h.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}

	c := &conn{
		ws:       ws,
		userID:   claims.UserID,
		send:     make(chan frame, 64),
		sessions: make(map[string]struct{}),
	}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Info("client connected", zap.String("user_id", claims.UserID))

	ctx := r.Context()
	go c.writeLoop(ctx)
	h.readLoop(ctx, c)

	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
	close(c.send)
	_ = ws.Close(websocket.StatusNormalClosure, "")
	h.logger.Info("client disconnected", zap.String("user_id", claims.UserID))
}

func (h *Hub) authenticate(r *http.Request) (auth.Claims, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		return h.verifier.VerifyBearer(header, time.Now())
	}
	return h.verifier.Verify(r.URL.Query().Get("token"), time.Now())
}

// readLoop processes join_session / leave_session commands until the
// connection drops. Joining is scoped to the authenticated caller: a client
// may only join sessions its user owns.
func (h *Hub) readLoop(ctx context.Context, c *conn) {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}
		var cmd command
		if err := json.Unmarshal(data, &cmd); err != nil {
			h.logger.Warn("bad client command", zap.String("user_id", c.userID), zap.Error(err))
			continue
		}
		switch cmd.Action {
		case "join_session":
			sess, err := h.db.GetSession(cmd.SessionID)
			if err != nil || sess == nil || sess.UserID != c.userID {
				h.logger.Warn("join_session refused",
					zap.String("user_id", c.userID), zap.String("session_id", cmd.SessionID))
				continue
			}
			c.join(cmd.SessionID)
		case "leave_session":
			c.leave(cmd.SessionID)
		}
	}
}

// route maps a bus event to a wire frame and delivers it to every
// connection subscribed to the addressed user or session.
func (h *Hub) route(evt bus.Event) {
	var (
		userID    string
		sessionID string
		f         frame
	)
	switch p := evt.Payload.(type) {
	case bus.QRCodeEvent:
		userID, sessionID = p.UserID, p.SessionID
		f = frame{Event: eventQRCode, Data: map[string]any{
			"session_id": p.SessionID,
			"qr_payload": p.Code,
		}}
	case bus.StatusEvent:
		userID, sessionID = p.UserID, p.SessionID
		f = frame{Event: eventSessionStatus, Data: map[string]any{
			"session_id": p.SessionID,
			"status":     p.To,
		}}
	case bus.SyncProgressEvent:
		userID, sessionID = p.UserID, p.SessionID
		f = frame{Event: eventSyncProgress, Data: map[string]any{
			"session_id": p.SessionID,
			"progress":   p.Progress,
		}}
	case bus.MessageEvent:
		userID, sessionID = p.UserID, p.SessionID
		f = frame{Event: eventMessageReceived, Data: map[string]any{
			"session_id": p.SessionID,
			"message": map[string]any{
				"chat_id":      p.Message.ChatID,
				"msg_id":       p.Message.MsgID,
				"sender_name":  p.Message.SenderName,
				"body":         p.Message.Body,
				"message_type": p.Message.MessageType,
				"from_me":      p.Message.FromMe,
				"has_media":    p.Message.HasMedia,
				"timestamp":    p.Message.Timestamp,
			},
		}}
	case bus.AckEvent:
		userID, sessionID = p.UserID, p.SessionID
		f = frame{Event: eventMessageAck, Data: map[string]any{
			"session_id": p.SessionID,
			"chat_id":    p.ChatID,
			"msg_ids":    p.MsgIDs,
			"level":      p.Level,
		}}
	default:
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.conns {
		if c.userID == userID || c.joined(sessionID) {
			select {
			case c.send <- f:
			default:
				// Slow consumer; drop rather than block the fan-out.
			}
		}
	}
}

func (c *conn) writeLoop(ctx context.Context) {
	for f := range c.send {
		data, err := json.Marshal(f)
		if err != nil {
			continue
		}
		writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = c.ws.Write(writeCtx, websocket.MessageText, data)
		cancel()
		if err != nil {
			return
		}
	}
}

func (c *conn) join(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[sessionID] = struct{}{}
}

func (c *conn) leave(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionID)
}

func (c *conn) joined(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sessions[sessionID]
	return ok
}
