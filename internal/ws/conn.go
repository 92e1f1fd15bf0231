package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 256
)

// Conn is one browser connection
type Conn struct {
	ws       *websocket.Conn
	hub      *Hub
	clientID string
	ctx      context.Context
	send     chan []byte
	// channels is guarded by hub.mu
	channels map[string]struct{}
}

func NewConn(ws *websocket.Conn, hub *Hub, clientID string) *Conn {
	hub.mu.RLock()
	ctx := hub.ctx
	hub.mu.RUnlock()
	return &Conn{
		ws:       ws,
		hub:      hub,
		clientID: clientID,
		ctx:      ctx,
		send:     make(chan []byte, sendBuffer),
		channels: make(map[string]struct{}),
	}
}

// clientFrame is what browsers send. Commands are decoded separately since
// their payload depends on the op.
type clientFrame struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	Seq     int64  `json:"seq"`
	Since   int64  `json:"since"`
}

// ReadPump dispatches client frames until the connection fails, then
// unregisters it.
func (c *Conn) ReadPump() {
	defer func() {
		c.hub.drop(c)
		c.ws.Close()
	}()

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Error("WebSocket read failed", zap.String("client", c.clientID), zap.Error(err))
			}
			return
		}
		c.dispatch(raw)
	}
}

func (c *Conn) dispatch(raw []byte) {
	var f clientFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		c.hub.log.Warn("Ignoring unreadable frame", zap.String("client", c.clientID), zap.Error(err))
		return
	}

	switch f.Type {
	case "subscribe":
		if f.Channel == "" {
			return
		}
		c.hub.Subscribe(c, f.Channel)
		c.Send(map[string]interface{}{"type": "ack", "ack": "subscribed", "channel": f.Channel})
	case "ack":
		if f.Channel != "" && f.Seq > 0 {
			c.hub.Acknowledge(c, f.Channel, f.Seq)
		}
	case "resume":
		if f.Channel == "" || f.Since < 0 {
			return
		}
		c.hub.Subscribe(c, f.Channel)
		c.hub.Resume(c, f.Channel, f.Since)
	case "cmd":
		handler := c.hub.commandHandler()
		if handler == nil {
			c.hub.log.Warn("Commands are not enabled")
			return
		}
		var cmd map[string]interface{}
		if err := json.Unmarshal(raw, &cmd); err == nil {
			handler.HandleCommand(c.ctx, c, cmd)
		}
	default:
		c.hub.log.Warn("Unknown frame type", zap.String("type", f.Type))
	}
}

// WritePump drains the outgoing queue, coalescing queued frames into one
// newline-separated message, and keeps the connection alive with pings.
func (c *Conn) WritePump() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.writeBatch(frame); err != nil {
				return
			}
		case <-ping.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Conn) writeBatch(first []byte) error {
	w, err := c.ws.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	w.Write(first)
	for queued := len(c.send); queued > 0; queued-- {
		frame, ok := <-c.send
		if !ok {
			break
		}
		w.Write([]byte{'\n'})
		w.Write(frame)
	}
	return w.Close()
}

// Send queues a frame unless the connection is gone or saturated
func (c *Conn) Send(v interface{}) bool {
	frame, err := json.Marshal(v)
	if err != nil {
		c.hub.log.Error("Failed to encode frame", zap.Error(err))
		return false
	}
	sent, _ := c.trySend(frame)
	return sent
}

// trySend never blocks. send is only closed under the hub's write lock, so
// holding the read lock makes the send safe.
func (c *Conn) trySend(frame []byte) (sent, alive bool) {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.conns[c]; !ok {
		return false, false
	}
	select {
	case c.send <- frame:
		return true, true
	default:
		return false, true
	}
}
