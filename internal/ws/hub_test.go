package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"vettrack/internal/tracking"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeActions struct {
	mu       sync.Mutex
	calls    []string
	err      error
	reason   string
	revision int64
}

func (f *fakeActions) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
	return f.err
}

func (f *fakeActions) View() tracking.View {
	return tracking.View{Revision: f.revision, Connectivity: tracking.ConnectivityOK}
}
func (f *fakeActions) ConfirmArrival(context.Context) error { return f.record("confirmArrival") }
func (f *fakeActions) ExpandSearch(context.Context) error   { return f.record("expandSearch") }
func (f *fakeActions) MarkChatRead(context.Context) error   { return f.record("markChatRead") }
func (f *fakeActions) Cancel(_ context.Context, reason, _ string) error {
	f.mu.Lock()
	f.reason = reason
	f.mu.Unlock()
	return f.record("cancel")
}

type fakeStreams struct {
	mu     sync.Mutex
	acked  map[string]int64
	events []StreamEvent
}

func (f *fakeStreams) GetLastSequence(channel, connectionID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acked[channel+"/"+connectionID], nil
}

func (f *fakeStreams) AcknowledgeSequence(channel, connectionID string, seq int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked[channel+"/"+connectionID] = seq
	return nil
}

func (f *fakeStreams) ReplayEvents(channel string, since int64, limit int64) ([]StreamEvent, error) {
	var out []StreamEvent
	for _, e := range f.events {
		if e.Channel == channel && e.Sequence > since {
			out = append(out, e)
		}
	}
	return out, nil
}

type client struct {
	t       *testing.T
	conn    *websocket.Conn
	pending []map[string]interface{}
}

func startHub(t *testing.T) (*Hub, *client) {
	t.Helper()
	log := zap.NewNop()
	hub := NewHub(log)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Run(ctx)
	}()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := NewConn(conn, hub, "user-1")
		hub.Register(c)
		go c.WritePump()
		go c.ReadPump()
	}))

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		ws.Close()
		cancel()
		<-done
		srv.Close()
	})
	return hub, &client{t: t, conn: ws}
}

func (c *client) send(v interface{}) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(v))
}

func (c *client) next() map[string]interface{} {
	c.t.Helper()
	for len(c.pending) == 0 {
		require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		_, data, err := c.conn.ReadMessage()
		require.NoError(c.t, err)
		for _, line := range bytes.Split(data, []byte{'\n'}) {
			var frame map[string]interface{}
			require.NoError(c.t, json.Unmarshal(line, &frame))
			c.pending = append(c.pending, frame)
		}
	}
	frame := c.pending[0]
	c.pending = c.pending[1:]
	return frame
}

func TestHubSubscribeAndPublish(t *testing.T) {
	hub, c := startHub(t)

	c.send(map[string]interface{}{"type": "subscribe", "channel": "emergency:e1:view"})
	ack := c.next()
	assert.Equal(t, "ack", ack["type"])
	assert.Equal(t, "subscribed", ack["ack"])

	hub.Publish("emergency:e2:view", map[string]interface{}{"type": "emergency.view", "seq": 1})
	hub.Publish("emergency:e1:view", map[string]interface{}{"type": "emergency.view", "seq": 2})

	frame := c.next()
	assert.Equal(t, "emergency.view", frame["type"])
	assert.EqualValues(t, 2, frame["seq"])

	// unknown frames are ignored and the connection stays usable
	c.send(map[string]interface{}{"type": "unsubscribe", "channel": "emergency:e1:view"})
	hub.Publish("emergency:e1:view", map[string]interface{}{"type": "emergency.view", "seq": 3})
	assert.EqualValues(t, 3, c.next()["seq"])
	assert.Equal(t, 1, hub.Connections())
}

func TestHubResumeReplaysAfterLastAck(t *testing.T) {
	hub, c := startHub(t)
	streams := &fakeStreams{
		acked: map[string]int64{},
		events: []StreamEvent{
			{Channel: "ch", Sequence: 1, Event: map[string]interface{}{"type": "emergency.view"}},
			{Channel: "ch", Sequence: 2, Event: map[string]interface{}{"type": "emergency.view"}},
			{Channel: "ch", Sequence: 3, Event: map[string]interface{}{"type": "emergency.view"}},
		},
	}
	hub.SetStreamsProvider(streams)

	c.send(map[string]interface{}{"type": "ack", "channel": "ch", "seq": 2})
	c.send(map[string]interface{}{"type": "resume", "channel": "ch", "since": 0})

	frame := c.next()
	assert.EqualValues(t, 3, frame["seq"])
	assert.Equal(t, "ch", frame["channel"])
}

func TestHubCommands(t *testing.T) {
	hub, c := startHub(t)
	actions := &fakeActions{revision: 7}
	hub.SetCommandHandler(NewCommandHandler(actions, zap.NewNop()))

	c.send(map[string]interface{}{"type": "cmd", "id": "1", "op": "getView"})
	resp := c.next()
	assert.Equal(t, "response", resp["type"])
	assert.Equal(t, "1", resp["id"])
	data := resp["data"].(map[string]interface{})
	assert.EqualValues(t, 7, data["revision"])

	c.send(map[string]interface{}{"type": "cmd", "id": "2", "op": "cancel", "data": map[string]interface{}{"reason": "changed my mind"}})
	resp = c.next()
	assert.Equal(t, "response", resp["type"])
	assert.Equal(t, "2", resp["id"])

	actions.mu.Lock()
	actions.err = tracking.ErrActionInFlight
	actions.mu.Unlock()
	c.send(map[string]interface{}{"type": "cmd", "id": "3", "op": "confirmArrival"})
	resp = c.next()
	assert.Equal(t, "error", resp["type"])
	assert.Equal(t, "action_in_flight", resp["code"])

	c.send(map[string]interface{}{"type": "cmd", "id": "4", "op": "teleport"})
	assert.Equal(t, "unknown_command", c.next()["code"])

	actions.mu.Lock()
	defer actions.mu.Unlock()
	assert.Equal(t, []string{"cancel", "confirmArrival"}, actions.calls)
	assert.Equal(t, "changed my mind", actions.reason)
}

func TestErrorCode(t *testing.T) {
	code, _ := ErrorCode(tracking.ErrActionNotAllowed)
	assert.Equal(t, "action_not_allowed", code)
	code, _ = ErrorCode(tracking.ErrTerminal)
	assert.Equal(t, "terminal", code)
	code, _ = ErrorCode(context.DeadlineExceeded)
	assert.Equal(t, "timeout", code)
}
