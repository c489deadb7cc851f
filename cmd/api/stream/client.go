package stream

import (
	"time"

	"github.com/estatehub/portal/cmd/api/models"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 30 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 25 * time.Second

	// Clients only send control frames
	maxMessageSize = 512

	sendBuffer = 64
)

// Client is one stream subscriber
type Client struct {
	hub   *Hub
	conn  *websocket.Conn
	actor models.Actor
	send  chan []byte
}

func newClient(hub *Hub, conn *websocket.Conn, actor models.Actor) *Client {
	return &Client{
		hub:   hub,
		conn:  conn,
		actor: actor,
		send:  make(chan []byte, sendBuffer),
	}
}

// Serve registers an upgraded connection for actor and pumps events to it
// until either side goes away
func (h *Hub) Serve(conn *websocket.Conn, actor models.Actor) error {
	client := newClient(h, conn, actor)
	if err := h.add(client); err != nil {
		return err
	}

	go client.writePump()
	go client.readPump()
	return nil
}

// readPump only exists to process control frames and notice disconnects
func (c *Client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("stream read failed", "user_id", c.actor.ID, "error", err)
			}
			return
		}
	}
}

// writePump sends each event as its own text frame
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
