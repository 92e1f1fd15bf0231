package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// StreamEvent is one stored view update, as replayed on resume
type StreamEvent struct {
	Channel   string
	Sequence  int64
	Event     map[string]interface{}
	Timestamp time.Time
}

// StreamsProvider keeps per-connection acknowledgements and replays stored
// view updates.
type StreamsProvider interface {
	GetLastSequence(channel, connectionID string) (int64, error)
	AcknowledgeSequence(channel, connectionID string, sequence int64) error
	ReplayEvents(channel string, sinceSeq int64, limit int64) ([]StreamEvent, error)
}

const (
	replayLimit = 100
	queueSize   = 256
)

type outbound struct {
	channel string
	message map[string]interface{}
}

// Hub fans view updates out to the browser connections watching them
type Hub struct {
	log   *zap.Logger
	queue chan outbound

	mu       sync.RWMutex
	ctx      context.Context
	conns    map[*Conn]struct{}
	watchers map[string]map[*Conn]struct{}
	commands *CommandHandler
	streams  StreamsProvider
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		log:      log,
		queue:    make(chan outbound, queueSize),
		ctx:      context.Background(),
		conns:    make(map[*Conn]struct{}),
		watchers: make(map[string]map[*Conn]struct{}),
	}
}

// SetCommandHandler enables "cmd" frames
func (h *Hub) SetCommandHandler(handler *CommandHandler) {
	h.mu.Lock()
	h.commands = handler
	h.mu.Unlock()
}

// SetStreamsProvider enables "ack" and "resume" frames
func (h *Hub) SetStreamsProvider(provider StreamsProvider) {
	h.mu.Lock()
	h.streams = provider
	h.mu.Unlock()
}

func (h *Hub) commandHandler() *CommandHandler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.commands
}

func (h *Hub) streamsProvider() StreamsProvider {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.streams
}

// Run delivers queued updates until ctx is done, then closes every
// connection. Connections created afterwards inherit ctx for their commands.
func (h *Hub) Run(ctx context.Context) {
	h.mu.Lock()
	h.ctx = ctx
	h.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.conns {
				h.dropLocked(c)
			}
			h.mu.Unlock()
			return
		case out := <-h.queue:
			h.deliver(out)
		}
	}
}

// Publish queues an update for every watcher of channel. It never blocks;
// when the queue is full the update is dropped and clients catch up on the
// next one.
func (h *Hub) Publish(channel string, message map[string]interface{}) {
	select {
	case h.queue <- outbound{channel: channel, message: message}:
	default:
		h.log.Warn("Hub queue full, dropping update", zap.String("channel", channel))
	}
}

func (h *Hub) deliver(out outbound) {
	frame, err := json.Marshal(out.message)
	if err != nil {
		h.log.Error("Failed to encode update", zap.String("channel", out.channel), zap.Error(err))
		return
	}

	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.watchers[out.channel]))
	for c := range h.watchers[out.channel] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		sent, alive := c.trySend(frame)
		if alive && !sent {
			h.log.Warn("Client not keeping up, disconnecting", zap.String("client", c.clientID))
			h.drop(c)
		}
	}
}

// Register makes a connection eligible for subscriptions
func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
}

// Connections returns the number of registered connections
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Subscribe starts delivering updates of channel to c
func (h *Hub) Subscribe(c *Conn, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; !ok {
		return
	}
	set, ok := h.watchers[channel]
	if !ok {
		set = make(map[*Conn]struct{})
		h.watchers[channel] = set
	}
	set[c] = struct{}{}
	c.channels[channel] = struct{}{}
}

func (h *Hub) drop(c *Conn) {
	h.mu.Lock()
	h.dropLocked(c)
	h.mu.Unlock()
}

// dropLocked forgets c and closes its outgoing queue. Safe to call twice.
func (h *Hub) dropLocked(c *Conn) {
	if _, ok := h.conns[c]; !ok {
		return
	}
	delete(h.conns, c)
	close(c.send)
	for channel := range c.channels {
		set := h.watchers[channel]
		delete(set, c)
		if len(set) == 0 {
			delete(h.watchers, channel)
		}
	}
}

// Acknowledge records the last sequence a client has applied
func (h *Hub) Acknowledge(c *Conn, channel string, seq int64) {
	streams := h.streamsProvider()
	if streams == nil {
		return
	}
	if err := streams.AcknowledgeSequence(channel, c.clientID, seq); err != nil {
		h.log.Warn("Failed to store acknowledgement",
			zap.String("channel", channel),
			zap.Int64("seq", seq),
			zap.Error(err),
		)
	}
}

// Resume replays stored updates after since. since 0 means "after the last
// acknowledged one".
func (h *Hub) Resume(c *Conn, channel string, since int64) {
	streams := h.streamsProvider()
	if streams == nil {
		h.log.Debug("No stream storage, nothing to replay", zap.String("channel", channel))
		return
	}

	if since == 0 {
		last, err := streams.GetLastSequence(channel, c.clientID)
		if err != nil {
			h.log.Warn("Failed to load acknowledgement", zap.String("channel", channel), zap.Error(err))
		}
		since = last
	}

	stored, err := streams.ReplayEvents(channel, since, replayLimit)
	if err != nil {
		h.log.Error("Replay failed", zap.String("channel", channel), zap.Int64("since", since), zap.Error(err))
		return
	}

	replayed := 0
	for _, ev := range stored {
		if !c.Send(replayFrame(ev)) {
			h.log.Warn("Client buffer full, replay cut short", zap.String("client", c.clientID))
			break
		}
		replayed++
	}
	h.log.Info("Replayed updates",
		zap.String("channel", channel),
		zap.String("client", c.clientID),
		zap.Int64("since", since),
		zap.Int("count", replayed),
	)
}

func replayFrame(ev StreamEvent) map[string]interface{} {
	frame := make(map[string]interface{}, len(ev.Event)+2)
	for k, v := range ev.Event {
		frame[k] = v
	}
	frame["channel"] = ev.Channel
	frame["seq"] = ev.Sequence
	return frame
}
