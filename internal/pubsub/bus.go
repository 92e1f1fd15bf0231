package pubsub

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Bus publishes view updates to Redis (when configured) and to the local
// websocket hub. Without Redis, sequence numbers come from a local counter.
type Bus struct {
	rdb     *redis.Client
	log     *zap.Logger
	wsHub   WSHub
	streams *Streams

	mu       sync.Mutex
	localSeq map[string]int64
}

type WSHub interface {
	Publish(channel string, message map[string]interface{})
}

// New creates a bus. rdb may be nil.
func New(rdb *redis.Client, log *zap.Logger) *Bus {
	b := &Bus{
		rdb:      rdb,
		log:      log,
		localSeq: make(map[string]int64),
	}
	if rdb != nil {
		b.streams = NewStreams(rdb, log)
	}
	return b
}

// SetWSHub sets the WebSocket hub for event broadcasting
func (b *Bus) SetWSHub(hub WSHub) {
	b.wsHub = hub
}

// GetStreams returns the streams provider, nil without Redis
func (b *Bus) GetStreams() *Streams {
	return b.streams
}

// ViewChannel is the channel carrying view updates of one emergency
func ViewChannel(emergencyID string) string {
	return "emergency:" + emergencyID + ":view"
}

// Publish forwards an event to the hub and mirrors it to Redis. The
// returned error only reports a failed mirror.
func (b *Bus) Publish(ctx context.Context, channel string, event map[string]interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	// Redis failures never keep the update from local subscribers
	var seq int64
	var mirrorErr error
	if b.rdb != nil {
		if mirrorErr = b.rdb.Publish(ctx, channel, data).Err(); mirrorErr != nil {
			b.log.Warn("Failed to publish event", zap.String("channel", channel), zap.Error(mirrorErr))
		} else if seq, mirrorErr = b.streams.PublishEvent(ctx, channel, event); mirrorErr != nil {
			b.log.Warn("Failed to publish to stream", zap.String("channel", channel), zap.Error(mirrorErr))
		}
	}
	if seq == 0 {
		seq = b.nextLocalSeq(channel)
	}

	eventWithSeq := make(map[string]interface{}, len(event)+2)
	for k, v := range event {
		eventWithSeq[k] = v
	}
	eventWithSeq["seq"] = seq
	eventWithSeq["channel"] = channel

	if b.wsHub != nil {
		b.wsHub.Publish(channel, eventWithSeq)
	}

	b.log.Debug("Published event", zap.String("channel", channel), zap.Int64("seq", seq))
	return mirrorErr
}

func (b *Bus) nextLocalSeq(channel string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.localSeq[channel]++
	return b.localSeq[channel]
}
