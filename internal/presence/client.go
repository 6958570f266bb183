package presence

import (
	"encoding/json"
	"net/http"
	"time"

	"chatify/internal/middleware"
	"chatify/pkg/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 4096                // Maximum message size allowed from peer.
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all for now (Dev mode)
	},
}

// Matchmaker is the slice of the anonymous matchmaker the transport needs.
type Matchmaker interface {
	Start(sessionID string)
	Stop(sessionID string)
	Relay(sessionID, roomID, content string)
}

// Handler upgrades authenticated requests to websocket sessions and runs
// their pumps.
type Handler struct {
	registry   *Registry
	matchmaker Matchmaker

	// onBind runs after a session announces its identity, letting the
	// caller subscribe the session to its conversation rooms.
	onBind func(sessionID string, userID int)
}

func NewHandler(registry *Registry, matchmaker Matchmaker, onBind func(sessionID string, userID int)) *Handler {
	return &Handler{
		registry:   registry,
		matchmaker: matchmaker,
		onBind:     onBind,
	}
}

// client is a middleman between the websocket connection and the registry.
type client struct {
	handler    *Handler
	conn       *websocket.Conn
	session    *Session
	authUserID int
}

func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("ws upgrade: %v", err)
		return
	}

	c := &client{
		handler:    h,
		conn:       conn,
		session:    h.registry.Register(uuid.NewString()),
		authUserID: userID,
	}

	go c.writePump()
	go c.readPump()
}

// readPump pumps inbound events from the websocket connection into the
// registry and matchmaker.
func (c *client) readPump() {
	defer func() {
		c.handler.registry.Unregister(c.session.ID)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Error("ws read: %v", err)
			}
			break
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}
		c.dispatch(env)
	}
}

func (c *client) dispatch(env Envelope) {
	switch env.Event {
	case EventJoin:
		var p JoinPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return
		}
		// The claimed identity must match the one the token proved.
		if p.UserID != c.authUserID {
			return
		}
		c.handler.registry.Bind(c.session.ID, c.authUserID)
		if c.handler.onBind != nil {
			c.handler.onBind(c.session.ID, c.authUserID)
		}

	case EventStartAnonymous:
		c.handler.matchmaker.Start(c.session.ID)

	case EventStopAnonymous:
		c.handler.matchmaker.Stop(c.session.ID)

	case EventRelayAnonymous:
		var p RelayPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return
		}
		c.handler.matchmaker.Relay(c.session.ID, p.RoomID, p.Content)
	}
}

// writePump pumps events from the session's outbound channel to the
// websocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.session.Outbound():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The registry closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
