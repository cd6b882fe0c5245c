package loghub

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/devboxd/internal/apierr"
	"github.com/cuemby/devboxd/internal/types"
)

// fakeSource is an in-process process/session.Registry stand-in that serves
// a fixed backlog for history replay.
type fakeSource struct {
	lines []types.LogLine
}

func (f *fakeSource) Logs(id string, lines int, levels []types.LogLevel) ([]types.LogLine, *apierr.Error) {
	return f.lines, nil
}

func newTestHub(t *testing.T, sources map[string]Source) (*Hub, *httptest.Server, *websocket.Conn) {
	t.Helper()
	hub := NewHub(sources, Config{
		HistoryBatchSize:     2,
		HistoryBatchDelay:    time.Millisecond,
		SubscriberQueueDepth: 16,
		PingPeriod:           time.Minute,
	})
	hub.Start()
	t.Cleanup(hub.Stop)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.ServeWS)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return hub, ts, conn
}

// S6: subscribing with a non-zero tail replays history (oldest first,
// isHistory=true) before switching to live delivery.
func TestSubscribe_ReplaysHistoryThenGoesLive(t *testing.T) {
	source := &fakeSource{lines: []types.LogLine{
		{Sequence: 1, Content: "one"},
		{Sequence: 2, Content: "two"},
		{Sequence: 3, Content: "three"},
	}}
	hub, _, conn := newTestHub(t, map[string]Source{"process": source})

	require.NoError(t, conn.WriteJSON(map[string]any{
		"action":   "subscribe",
		"type":     "process",
		"targetId": "p1",
		"options":  map[string]any{"tail": 3},
	}))

	var ack map[string]any
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "ack", ack["type"])

	var seqs []float64
	for i := 0; i < 3; i++ {
		var msg map[string]any
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, "log", msg["type"])
		assert.Equal(t, true, msg["isHistory"])
		log := msg["log"].(map[string]any)
		seqs = append(seqs, log["sequence"].(float64))
	}
	assert.Equal(t, []float64{1, 2, 3}, seqs)

	hub.Emit("process", "p1", types.LogLine{Sequence: 4, Content: "live"})
	var live map[string]any
	require.NoError(t, conn.ReadJSON(&live))
	assert.Equal(t, false, live["isHistory"])
}

// I5: subscribing twice to the same target from the same connection is a
// no-op that acks without creating a second subscription.
func TestSubscribe_ReSubscribeIsIdempotent(t *testing.T) {
	hub, _, conn := newTestHub(t, map[string]Source{"process": &fakeSource{}})

	sub := map[string]any{"action": "subscribe", "type": "process", "targetId": "p1"}
	require.NoError(t, conn.WriteJSON(sub))
	var ack1 map[string]any
	require.NoError(t, conn.ReadJSON(&ack1))

	require.NoError(t, conn.WriteJSON(sub))
	var ack2 map[string]any
	require.NoError(t, conn.ReadJSON(&ack2))
	assert.Equal(t, "ack", ack2["type"])

	hub.mu.RLock()
	count := len(hub.byTarget[targetKey{kind: "process", id: "p1"}])
	hub.mu.RUnlock()
	assert.Equal(t, 1, count)
}

func TestUnsubscribe_RemovesSubscriptionAndStopsDelivery(t *testing.T) {
	hub, _, conn := newTestHub(t, map[string]Source{"process": &fakeSource{}})

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "subscribe", "type": "process", "targetId": "p1"}))
	var ack map[string]any
	require.NoError(t, conn.ReadJSON(&ack))

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "unsubscribe", "type": "process", "targetId": "p1"}))
	var unsubAck map[string]any
	require.NoError(t, conn.ReadJSON(&unsubAck))
	assert.Equal(t, "unsubscribe", unsubAck["action"])

	hub.Emit("process", "p1", types.LogLine{Sequence: 1, Content: "should not arrive"})

	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		return len(hub.byTarget[targetKey{kind: "process", id: "p1"}]) == 0
	}, time.Second, 10*time.Millisecond)
}

// A subscription whose queue is saturated reports delivery failure instead
// of blocking the caller, so Emit can disconnect it without stalling other
// subscribers (§9).
func TestSubscription_DeliverReportsFailureOnceQueueSaturated(t *testing.T) {
	sub := &Subscription{Kind: "process", TargetID: "p1", ch: make(chan logMessage, 1)}

	done := make(chan bool, 2)
	go func() { done <- sub.deliver(types.LogLine{Sequence: 1}, false) }()
	first := <-done
	assert.True(t, first)

	go func() { done <- sub.deliver(types.LogLine{Sequence: 2}, false) }()
	select {
	case second := <-done:
		assert.False(t, second, "second deliver should report the full queue instead of blocking")
	case <-time.After(time.Second):
		t.Fatal("deliver blocked on a saturated queue")
	}
}
