package bridge

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Message types sent by the viewer. Other types are ignored.
const (
	MsgInput  = "input"
	MsgResize = "resize"
)

// ClientMessage is a viewer-to-bridge frame.
type ClientMessage struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  chan struct{}
	once    sync.Once
}

func newClient(conn *websocket.Conn) *client {
	return &client{conn: conn, closed: make(chan struct{})}
}

func (c *client) writeText(text string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := c.conn.WriteMessage(websocket.TextMessage, []byte(text))
	c.conn.SetWriteDeadline(time.Time{})
	return err
}

func (c *client) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// closeWith sends a close frame and closes the connection.
func (c *client) closeWith(code int, reason string) {
	c.once.Do(func() {
		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.conn.Close()
		close(c.closed)
	})
}

// handleWebSocket upgrades a viewer connection, hands it to the terminal loop
// and relays its frames until it disconnects.
func (b *Bridge) handleWebSocket(r *run, w http.ResponseWriter, req *http.Request) {
	conn, err := b.upgrader.Upgrade(w, req, nil)
	if err != nil {
		b.logger.Warn("terminal client upgrade failed", "error", err)
		return
	}
	c := newClient(conn)

	select {
	case r.connect <- c:
	case <-r.done:
		c.closeWith(websocket.CloseGoingAway, "terminal bridge stopped")
		return
	}
	defer func() {
		select {
		case r.disconnect <- c:
		case <-r.done:
		}
		c.closeWith(websocket.CloseNormalClosure, "")
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	go b.keepAlive(c)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				b.logger.Debug("terminal client read error", "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			b.logger.Debug("invalid terminal client frame", "error", err)
			continue
		}
		switch msg.Type {
		case MsgInput:
			if msg.Data == "" {
				continue
			}
			select {
			case r.input <- []byte(msg.Data):
			case <-r.done:
				return
			}
		case MsgResize:
			if msg.Rows <= 0 || msg.Cols <= 0 || msg.Rows > 0xffff || msg.Cols > 0xffff {
				continue
			}
			select {
			case r.resize <- size{rows: uint16(msg.Rows), cols: uint16(msg.Cols)}:
			case <-r.done:
				return
			}
		}
	}
}

func (b *Bridge) keepAlive(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				c.conn.Close()
				return
			}
		}
	}
}
