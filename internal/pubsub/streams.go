package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"vettrack/internal/ws"
)

// DefaultStreamLength caps each stream so replay stays cheap
const DefaultStreamLength = 500

// Streams manages Redis Streams for event replay
type Streams struct {
	rdb    *redis.Client
	log    *zap.Logger
	maxLen int64
}

// NewStreams creates a new Streams manager
func NewStreams(rdb *redis.Client, log *zap.Logger) *Streams {
	return &Streams{
		rdb:    rdb,
		log:    log,
		maxLen: DefaultStreamLength,
	}
}

func streamKey(channel string) string {
	return fmt.Sprintf("stream:%s", channel)
}

// PublishEvent appends an event to the channel's stream and returns its sequence number
func (s *Streams) PublishEvent(ctx context.Context, channel string, event map[string]interface{}) (int64, error) {
	seq, err := s.rdb.Incr(ctx, fmt.Sprintf("seq:%s", channel)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment sequence: %w", err)
	}

	eventWithSeq := make(map[string]interface{}, len(event)+3)
	for k, v := range event {
		eventWithSeq[k] = v
	}
	eventWithSeq["seq"] = seq
	eventWithSeq["channel"] = channel
	eventWithSeq["timestamp"] = time.Now().Format(time.RFC3339)

	eventData, err := json.Marshal(eventWithSeq)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	id, err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(channel),
		MaxLen: s.maxLen,
		Approx: true,
		ID:     "*",
		Values: map[string]interface{}{"data": string(eventData)},
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to add to stream: %w", err)
	}

	s.log.Debug("Published event to stream",
		zap.String("channel", channel),
		zap.Int64("sequence", seq),
		zap.String("stream_id", id),
	)
	return seq, nil
}

// GetLastSequence gets the last acknowledged sequence for a channel and connection
func (s *Streams) GetLastSequence(channel, connectionID string) (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	seqStr, err := s.rdb.Get(ctx, fmt.Sprintf("ack:%s:%s", channel, connectionID)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get last sequence: %w", err)
	}
	seq, err := strconv.ParseInt(seqStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse sequence: %w", err)
	}
	return seq, nil
}

// AcknowledgeSequence records an acknowledgment for a sequence number
func (s *Streams) AcknowledgeSequence(channel, connectionID string, sequence int64) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.rdb.Set(ctx, fmt.Sprintf("ack:%s:%s", channel, connectionID), sequence, 24*time.Hour).Err(); err != nil {
		return fmt.Errorf("failed to acknowledge sequence: %w", err)
	}
	s.log.Debug("Acknowledged sequence",
		zap.String("channel", channel),
		zap.String("connection", connectionID),
		zap.Int64("sequence", sequence),
	)
	return nil
}

// ReplayEvents returns up to limit events with a sequence above sinceSeq
func (s *Streams) ReplayEvents(channel string, sinceSeq int64, limit int64) ([]ws.StreamEvent, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msgs, err := s.rdb.XRangeN(ctx, streamKey(channel), "-", "+", s.maxLen).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}

	var out []ws.StreamEvent
	for _, msg := range msgs {
		data, ok := msg.Values["data"].(string)
		if !ok {
			continue
		}
		var eventData map[string]interface{}
		if err := json.Unmarshal([]byte(data), &eventData); err != nil {
			s.log.Warn("Failed to unmarshal event", zap.Error(err))
			continue
		}

		seq, _ := eventData["seq"].(float64)
		if int64(seq) <= sinceSeq {
			continue
		}
		ts, _ := time.Parse(time.RFC3339, fmt.Sprint(eventData["timestamp"]))

		event := make(map[string]interface{}, len(eventData))
		for k, v := range eventData {
			if k != "seq" && k != "channel" && k != "timestamp" {
				event[k] = v
			}
		}
		out = append(out, ws.StreamEvent{
			Channel:   channel,
			Sequence:  int64(seq),
			Event:     event,
			Timestamp: ts,
		})
		if limit > 0 && int64(len(out)) >= limit {
			break
		}
	}
	return out, nil
}
