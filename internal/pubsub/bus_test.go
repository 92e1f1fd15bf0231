package pubsub

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vettrack/internal/tracking"
)

type recordingHub struct {
	mu   sync.Mutex
	msgs []map[string]interface{}
}

func (h *recordingHub) Publish(channel string, message map[string]interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, message)
}

func (h *recordingHub) snapshot() []map[string]interface{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]map[string]interface{}(nil), h.msgs...)
}

type fakeSource struct {
	ch chan tracking.View
}

func (f *fakeSource) Subscribe() (<-chan tracking.View, func()) {
	return f.ch, func() {}
}

func TestPublishWithoutRedis(t *testing.T) {
	bus := New(nil, zap.NewNop())
	hub := &recordingHub{}
	bus.SetWSHub(hub)
	assert.Nil(t, bus.GetStreams())

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, "a", map[string]interface{}{"type": "x"}))
	require.NoError(t, bus.Publish(ctx, "a", map[string]interface{}{"type": "x"}))
	require.NoError(t, bus.Publish(ctx, "b", map[string]interface{}{"type": "x"}))

	msgs := hub.snapshot()
	require.Len(t, msgs, 3)
	assert.EqualValues(t, 1, msgs[0]["seq"])
	assert.EqualValues(t, 2, msgs[1]["seq"])
	assert.EqualValues(t, 1, msgs[2]["seq"])
	assert.Equal(t, "b", msgs[2]["channel"])
}

func TestForwardMirrorsViews(t *testing.T) {
	bus := New(nil, zap.NewNop())
	hub := &recordingHub{}
	bus.SetWSHub(hub)

	src := &fakeSource{ch: make(chan tracking.View, 2)}
	src.ch <- tracking.View{Revision: 1}
	src.ch <- tracking.View{Revision: 2}
	close(src.ch)

	bus.Forward(context.Background(), "e1", src)

	msgs := hub.snapshot()
	require.Len(t, msgs, 2)
	assert.Equal(t, "emergency.view", msgs[1]["type"])
	assert.EqualValues(t, 2, msgs[1]["revision"])
	assert.Equal(t, ViewChannel("e1"), msgs[1]["channel"])
}

func TestStreamsReplay(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("Skipping test: redis not available: %v", err)
	}

	channel := ViewChannel("test-" + time.Now().Format("150405.000000000"))
	t.Cleanup(func() {
		rdb.Del(context.Background(), streamKey(channel), "seq:"+channel, "ack:"+channel+":u1")
	})

	bus := New(rdb, zap.NewNop())
	hub := &recordingHub{}
	bus.SetWSHub(hub)
	for i := 0; i < 3; i++ {
		require.NoError(t, bus.Publish(ctx, channel, map[string]interface{}{"type": "emergency.view", "n": i}))
	}

	streams := bus.GetStreams()
	events, err := streams.ReplayEvents(channel, 1, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.EqualValues(t, 2, events[0].Sequence)
	assert.Equal(t, "emergency.view", events[0].Event["type"])

	require.NoError(t, streams.AcknowledgeSequence(channel, "u1", 2))
	last, err := streams.GetLastSequence(channel, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, last)

	msgs := hub.snapshot()
	require.Len(t, msgs, 3)
	assert.EqualValues(t, 3, msgs[2]["seq"])
}
