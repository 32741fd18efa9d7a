package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"ofiz/api/internal/chat"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Commands are tiny; anything bigger is a misbehaving peer.
	maxMessageSize = 4096

	sendBuffer      = 256
	presenceTimeout = 2 * time.Second
)

// Client is one websocket session: the connection, its outbound queue and the View it drives.
type Client struct {
	hub    *Hub
	userID string
	conn   *websocket.Conn
	send   chan []byte
	view   *chat.View
}

// enqueue is the View's sink. A slow peer loses frames rather than stalling the View.
func (c *Client) enqueue(frame chat.Frame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		log.Error("marshal realtime frame", "type", frame.Type, "err", err)
		return
	}
	select {
	case c.send <- payload:
	default:
		log.Warn("realtime send buffer full, dropping frame", "user", c.userID, "type", frame.Type)
	}
}

// readPump decodes commands into the View until the peer goes away.
func (c *Client) readPump(cancel context.CancelFunc) {
	defer func() {
		cancel()
		c.hub.Unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.hub.touch(c.userID)
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn("realtime read", "user", c.userID, "err", err)
			}
			return
		}
		var cmd chat.Command
		if err := json.Unmarshal(payload, &cmd); err != nil {
			log.Debug("ignoring malformed realtime command", "user", c.userID, "err", err)
			continue
		}
		c.view.Command(cmd)
	}
}

// writePump owns all writes to the connection, one frame per websocket message.
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Warn("realtime write", "user", c.userID, "err", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug("realtime ping", "user", c.userID, "err", err)
				return
			}
		}
	}
}
