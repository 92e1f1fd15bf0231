// Package push maintains the realtime channel to the backend: it subscribes
// to the emergency's channels, resumes after reconnects, suppresses replayed
// frames and forwards normalized events to the engine.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"vettrack/internal/events"
	"vettrack/internal/model"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Sink receives normalized events
type Sink interface {
	Submit(ctx context.Context, ev events.Event) error
}

// Config configures the push client
type Config struct {
	URL         string
	Token       string
	UserID      string
	EmergencyID string

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// ReconnectEvery is the minimum spacing between dial attempts
	ReconnectEvery time.Duration
	DedupeSize     int
}

func (c *Config) defaults() {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.ReconnectEvery <= 0 {
		c.ReconnectEvery = time.Second
	}
	if c.DedupeSize <= 0 {
		c.DedupeSize = 1024
	}
}

// Client is the push channel client
type Client struct {
	cfg     Config
	decoder *events.Decoder
	sink    Sink
	log     *zap.Logger
	dialer  *websocket.Dialer
	seen    *lru.Cache[string, struct{}]
	limiter *rate.Limiter

	mu      sync.Mutex
	conn    *conn
	lastSeq map[string]int64
	pending map[string]chan frame
}

type conn struct {
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
}

// frame is the protocol-level view of an inbound message
type frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Channel string          `json:"channel"`
	Seq     model.OptInt    `json:"seq"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// NewClient creates a push client. Run must be called to connect.
func NewClient(cfg Config, decoder *events.Decoder, sink Sink, log *zap.Logger) (*Client, error) {
	cfg.defaults()
	seen, err := lru.New[string, struct{}](cfg.DedupeSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedupe cache: %w", err)
	}
	return &Client{
		cfg:     cfg,
		decoder: decoder,
		sink:    sink,
		log:     log.With(zap.String("emergency_id", cfg.EmergencyID)),
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		seen:    seen,
		limiter: rate.NewLimiter(rate.Every(cfg.ReconnectEvery), 1),
		lastSeq: make(map[string]int64),
		pending: make(map[string]chan frame),
	}, nil
}

// Channels returns the channels the client subscribes to
func (c *Client) Channels() []string {
	var chs []string
	if c.cfg.UserID != "" {
		chs = append(chs, "user:"+c.cfg.UserID)
	}
	return append(chs, "emergency:"+c.cfg.EmergencyID)
}

// Connected reports whether a session is currently open
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Run keeps the channel connected until ctx is cancelled. Connection errors
// are logged and retried with exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	wait := c.cfg.InitialBackoff
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil
		}

		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			c.log.Info("Push client stopped")
			return nil
		}
		if connected {
			wait = c.cfg.InitialBackoff
		}

		sleep := time.Duration(float64(wait) * (0.5 + rand.Float64()))
		if sleep > c.cfg.MaxBackoff {
			sleep = c.cfg.MaxBackoff
		}
		c.log.Warn("Push channel disconnected", zap.Error(err), zap.Duration("retry_in", sleep))

		select {
		case <-ctx.Done():
			c.log.Info("Push client stopped")
			return nil
		case <-time.After(sleep):
		}

		wait *= 2
		if wait > c.cfg.MaxBackoff {
			wait = c.cfg.MaxBackoff
		}
	}
}

// session runs one connection until it fails. connected reports whether the
// dial succeeded.
func (c *Client) session(ctx context.Context) (bool, error) {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	ws, _, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}

	cn := &conn{ws: ws, send: make(chan []byte, 64), done: make(chan struct{})}
	c.mu.Lock()
	c.conn = cn
	c.mu.Unlock()
	c.log.Info("Push channel connected")

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.writePump(cn)
	}()
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			ws.Close()
		case <-stop:
		}
	}()

	c.subscribe(cn)
	err = c.readLoop(ctx, cn)

	close(stop)
	c.mu.Lock()
	c.conn = nil
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
	close(cn.done)
	wg.Wait()
	ws.Close()

	return true, err
}

// subscribe sends the subscribe frames and asks for a replay of anything
// missed since the last processed sequence.
func (c *Client) subscribe(cn *conn) {
	c.mu.Lock()
	since := make(map[string]int64, len(c.lastSeq))
	for ch, seq := range c.lastSeq {
		since[ch] = seq
	}
	c.mu.Unlock()

	for _, ch := range c.Channels() {
		c.enqueue(cn, map[string]interface{}{"type": "subscribe", "channel": ch})
		if seq := since[ch]; seq > 0 {
			c.enqueue(cn, map[string]interface{}{"type": "resume", "channel": ch, "since": seq})
		}
	}
}

func (c *Client) readLoop(ctx context.Context, cn *conn) error {
	cn.ws.SetReadDeadline(time.Now().Add(pongWait))
	cn.ws.SetPongHandler(func(string) error {
		cn.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := cn.ws.ReadMessage()
		if err != nil {
			return err
		}
		cn.ws.SetReadDeadline(time.Now().Add(pongWait))

		// the server may batch several frames into one message
		for _, line := range bytes.Split(message, []byte{'\n'}) {
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			if err := c.handleFrame(ctx, cn, line); err != nil {
				return err
			}
		}
	}
}

func (c *Client) handleFrame(ctx context.Context, cn *conn, raw []byte) error {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		c.log.Warn("Failed to parse push frame", zap.Error(err))
		return nil
	}

	switch f.Type {
	case "response", "error":
		if f.ID != "" {
			c.resolve(f)
			return nil
		}
		c.log.Warn("Push channel error", zap.String("code", f.Code), zap.String("message", f.Message))
		return nil
	case "ack", "pong":
		return nil
	}

	seq := int64(f.Seq.V)
	tracked := f.Channel != "" && seq > 0
	if tracked {
		key := fmt.Sprintf("%s:%d", f.Channel, seq)
		if c.seen.Contains(key) {
			c.log.Debug("Dropping replayed frame", zap.String("channel", f.Channel), zap.Int64("seq", seq))
			c.ack(cn, f.Channel, seq)
			return nil
		}
		c.seen.Add(key, struct{}{})
	}

	ev, err := c.decoder.Decode(raw, time.Now())
	switch {
	case errors.Is(err, events.ErrUnknownEvent):
		c.log.Debug("Ignoring unknown event", zap.Error(err))
	case err != nil:
		c.log.Warn("Dropping malformed frame", zap.Error(err))
	default:
		if err := c.sink.Submit(ctx, ev); err != nil {
			return err
		}
	}

	if tracked {
		c.mu.Lock()
		if seq > c.lastSeq[f.Channel] {
			c.lastSeq[f.Channel] = seq
		}
		c.mu.Unlock()
		c.ack(cn, f.Channel, seq)
	}
	return nil
}

func (c *Client) ack(cn *conn, channel string, seq int64) {
	c.enqueue(cn, map[string]interface{}{"type": "ack", "channel": channel, "seq": seq})
}

// enqueue hands a frame to the write pump without blocking the read loop
func (c *Client) enqueue(cn *conn, msg map[string]interface{}) {
	data, _ := json.Marshal(msg)
	select {
	case cn.send <- data:
	case <-cn.done:
	default:
		c.log.Warn("Push send buffer full, dropping frame", zap.Any("type", msg["type"]))
	}
}

func (c *Client) writePump(cn *conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-cn.send:
			cn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cn.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				cn.ws.Close()
				return
			}
		case <-ticker.C:
			cn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				cn.ws.Close()
				return
			}
		case <-cn.done:
			cn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			cn.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
