package eventfeed

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 8192
)

// Client is one websocket subscriber.
type Client struct {
	ID   string
	hub  *Hub
	conn *websocket.Conn
	send chan *Event
	srv  *Server
}

func newClient(srv *Server, conn *websocket.Conn) *Client {
	return &Client{
		ID:   uuid.NewString()[:8],
		hub:  srv.hub,
		conn: conn,
		send: make(chan *Event, 256),
		srv:  srv,
	}
}

// ReadPump handles inbound approval responses and cancel requests.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.srv.log.Warn("websocket read error: %v", err)
			}
			return
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.reply(&Event{Type: EventError, Error: "invalid message: " + err.Error()})
			continue
		}
		if err := c.handle(&ev); err != nil {
			c.reply(&Event{Type: EventError, ID: ev.ID, UnitID: ev.UnitID, Error: err.Error()})
		}
	}
}

// WritePump forwards hub events to the connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				c.srv.log.Debug("websocket write: %v", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handle(ev *Event) error {
	switch ev.Type {
	case EventApprovalResponse:
		return c.srv.resolve(ev.ID, ev.Approved)
	case EventCancel:
		return c.srv.cancel(ev.UnitID)
	}
	c.srv.log.Debug("ignoring %q from client %s", ev.Type, c.ID)
	return nil
}

func (c *Client) reply(ev *Event) {
	ev.Timestamp = time.Now()
	defer func() {
		// send may already be closed by the hub.
		_ = recover()
	}()
	select {
	case c.send <- ev:
	default:
	}
}
