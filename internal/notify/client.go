package notify

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Client is one agent frontend connection. Events are routed to it by
// the user's id and team memberships captured at connect time.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger *slog.Logger

	userID  uuid.UUID
	teamIDs map[uuid.UUID]bool
}

// NewClient wraps an upgraded connection for the given agent.
func NewClient(hub *Hub, conn *websocket.Conn, userID uuid.UUID, teamIDs []uuid.UUID, logger *slog.Logger) *Client {
	teams := make(map[uuid.UUID]bool, len(teamIDs))
	for _, id := range teamIDs {
		teams[id] = true
	}
	return &Client{
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, 64),
		logger:  logger.With("user_id", userID),
		userID:  userID,
		teamIDs: teams,
	}
}

// Start registers the client and begins its read and write pumps.
func (c *Client) Start() {
	c.hub.register <- c
	go c.writePump()
	go c.readPump()
}

func (c *Client) matches(r Routing) bool {
	for _, id := range r.UserIDs {
		if id == c.userID {
			return true
		}
	}
	for _, id := range r.TeamIDs {
		if c.teamIDs[id] {
			return true
		}
	}
	return len(r.UserIDs) == 0 && len(r.TeamIDs) == 0
}

// readPump discards inbound frames and keeps the read deadline fresh.
// There is at most one reader per connection.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", "error", err)
			}
			return
		}
	}
}

// writePump drains the send channel to the connection and pings on a
// ticker. There is at most one writer per connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
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
