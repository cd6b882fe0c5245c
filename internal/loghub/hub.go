// Package loghub implements the log fan-out hub (C6): a WebSocket
// subscription multiplexer that fans per-process and per-session log rings
// out to many clients, with level filtering, bounded history replay, and
// non-blocking per-subscriber delivery — a slow subscriber is disconnected
// rather than allowed to back up the broadcast path (§4.6, §9).
package loghub

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cuemby/devboxd/internal/apierr"
	"github.com/cuemby/devboxd/internal/log"
	"github.com/cuemby/devboxd/internal/metrics"
	"github.com/cuemby/devboxd/internal/types"
)

// Source resolves a target id's recent log lines. internal/process.Registry
// and internal/session.Registry both satisfy this.
type Source interface {
	Logs(id string, lines int, levels []types.LogLevel) ([]types.LogLine, *apierr.Error)
}

// Config tunes the hub's WebSocket transport (§6.3).
type Config struct {
	PingPeriod            time.Duration
	ReadTimeout           time.Duration
	MaxMessageSize        int64
	BufferCleanupInterval time.Duration
	HistoryBatchSize      int
	HistoryBatchDelay     time.Duration
	SubscriberQueueDepth  int
}

func (c *Config) setDefaults() {
	if c.PingPeriod <= 0 {
		c.PingPeriod = 30 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 512 * 1024
	}
	if c.BufferCleanupInterval <= 0 {
		c.BufferCleanupInterval = time.Minute
	}
	if c.HistoryBatchSize <= 0 {
		c.HistoryBatchSize = 100
	}
	if c.HistoryBatchDelay <= 0 {
		c.HistoryBatchDelay = 10 * time.Millisecond
	}
	if c.SubscriberQueueDepth <= 0 {
		c.SubscriberQueueDepth = 256
	}
}

// targetKey identifies a (kind, id) fan-out target.
type targetKey struct {
	kind string
	id   string
}

// Hub is the subscription-based multiplexer. A Hub is safe for concurrent
// use by many HTTP handler goroutines and many Emit callers.
type Hub struct {
	cfg     Config
	sources map[string]Source

	mu      sync.RWMutex
	byConn   map[*Conn]map[targetKey]*Subscription
	byTarget map[targetKey]map[*Conn]*Subscription

	upgrader websocket.Upgrader

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewHub builds a Hub resolving "process"/"session" targets through
// sources.
func NewHub(sources map[string]Source, cfg Config) *Hub {
	cfg.setDefaults()
	return &Hub{
		cfg:      cfg,
		sources:  sources,
		byConn:   make(map[*Conn]map[targetKey]*Subscription),
		byTarget: make(map[targetKey]map[*Conn]*Subscription),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		stopCh: make(chan struct{}),
	}
}

// Start launches the hub's periodic buffer-cleanup task.
func (h *Hub) Start() {
	go h.cleanupLoop()
}

// Stop halts background work and disconnects every connection.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.byConn))
	for c := range h.byConn {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		h.disconnect(c)
	}
}

func (h *Hub) cleanupLoop() {
	t := time.NewTicker(h.cfg.BufferCleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			h.mu.Lock()
			for key, subs := range h.byTarget {
				if len(subs) == 0 {
					delete(h.byTarget, key)
				}
			}
			h.mu.Unlock()
		case <-h.stopCh:
			return
		}
	}
}

// ServeWS upgrades the request and services its subscription protocol until
// the connection closes, at which point every subscription it owns is
// reaped synchronously (§5).
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithComponent("loghub").Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := newConn(ws, h.cfg)
	h.mu.Lock()
	h.byConn[c] = make(map[targetKey]*Subscription)
	h.mu.Unlock()

	c.runWriter()
	h.readLoop(c)
}

func (h *Hub) readLoop(c *Conn) {
	defer h.disconnect(c)

	c.ws.SetReadLimit(h.cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	})

	for {
		var msg inMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Action {
		case "subscribe":
			h.subscribe(c, msg)
		case "unsubscribe":
			h.unsubscribe(c, msg.Type, msg.TargetID)
		case "list":
			h.list(c)
		default:
			c.sendControl(errMessage{Type: "error", Status: int(apierr.CodeInvalidRequest), Message: "unknown action"})
		}
	}
}

func (h *Hub) subscribe(c *Conn, msg inMessage) {
	src, ok := h.sources[msg.Type]
	if !ok {
		c.sendControl(errMessage{Type: "error", Status: int(apierr.CodeInvalidRequest), Message: "unknown target type"})
		return
	}
	key := targetKey{kind: msg.Type, id: msg.TargetID}

	h.mu.Lock()
	if _, ok := h.byConn[c][key]; ok {
		h.mu.Unlock()
		c.sendControl(ackMessage{Type: "ack", Action: "subscribe", DataType: msg.Type, TargetID: msg.TargetID})
		return // (I5) re-subscribe is a no-op returning the existing subscription
	}

	levels := parseLevels(msg.Options.Levels)
	sub := newSubscription(c, msg.Type, msg.TargetID, levels, h.cfg.SubscriberQueueDepth, msg.Options.Tail > 0)
	h.byConn[c][key] = sub
	if h.byTarget[key] == nil {
		h.byTarget[key] = make(map[*Conn]*Subscription)
	}
	h.byTarget[key][c] = sub
	h.mu.Unlock()

	metrics.ActiveSubscriptions.Inc()
	go sub.drain(c)
	c.sendControl(ackMessage{Type: "ack", Action: "subscribe", DataType: msg.Type, TargetID: msg.TargetID})

	if msg.Options.Tail > 0 {
		go h.replay(src, sub, msg.Options.Tail)
	}
}

// replay emits up to n history entries (ascending sequence, isHistory=true)
// in bounded batches, then flushes whatever arrived live during the replay
// window before switching the subscription fully live (§4.6, §9).
func (h *Hub) replay(src Source, sub *Subscription, n int) {
	lines, _ := src.Logs(sub.TargetID, n, sub.levelSlice())
	batch := h.cfg.HistoryBatchSize
	for i := 0; i < len(lines); i += batch {
		end := i + batch
		if end > len(lines) {
			end = len(lines)
		}
		for _, l := range lines[i:end] {
			sub.deliver(l, true)
		}
		if end < len(lines) {
			time.Sleep(h.cfg.HistoryBatchDelay)
		}
	}
	sub.endReplay()
}

func (h *Hub) unsubscribe(c *Conn, kind, targetID string) {
	key := targetKey{kind: kind, id: targetID}
	h.mu.Lock()
	sub, ok := h.byConn[c][key]
	if ok {
		delete(h.byConn[c], key)
		delete(h.byTarget[key], c)
	}
	h.mu.Unlock()
	if ok {
		sub.close()
		metrics.ActiveSubscriptions.Dec()
	}
	c.sendControl(ackMessage{Type: "ack", Action: "unsubscribe", DataType: kind, TargetID: targetID})
}

func (h *Hub) list(c *Conn) {
	h.mu.RLock()
	subs := h.byConn[c]
	out := make([]SubscriptionDigest, 0, len(subs))
	for _, s := range subs {
		out = append(out, SubscriptionDigest{DataType: s.Kind, TargetID: s.TargetID, CreatedAt: s.CreatedAt.Unix()})
	}
	h.mu.RUnlock()
	c.sendControl(listMessage{Type: "list", Subscriptions: out})
}

// Emit fans a log line out to every subscription on (targetKind, targetID).
// Satisfies the process.Emitter and session.Emitter interfaces. Never
// blocks: a subscriber whose queue is full is disconnected (§4.3 note, §4.6).
func (h *Hub) Emit(targetKind, targetID string, line types.LogLine) {
	key := targetKey{kind: targetKind, id: targetID}
	h.mu.RLock()
	subs := make([]*Subscription, 0, len(h.byTarget[key]))
	for _, s := range h.byTarget[key] {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		if !s.levelAllowed(line.Level) {
			continue
		}
		if !s.deliver(line, false) {
			h.disconnect(s.conn)
		}
	}
}

func (h *Hub) disconnect(c *Conn) {
	h.mu.Lock()
	subs, ok := h.byConn[c]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.byConn, c)
	for key := range subs {
		delete(h.byTarget[key], c)
	}
	h.mu.Unlock()

	for range subs {
		metrics.ActiveSubscriptions.Dec()
	}
	for _, s := range subs {
		s.close()
	}
	c.close()
}

func parseLevels(raw []string) map[types.LogLevel]bool {
	if len(raw) == 0 {
		return nil
	}
	out := make(map[types.LogLevel]bool, len(raw))
	for _, r := range raw {
		out[types.LogLevel(r)] = true
	}
	return out
}

func levelsSlice(levels map[types.LogLevel]bool) []types.LogLevel {
	if len(levels) == 0 {
		return nil
	}
	out := make([]types.LogLevel, 0, len(levels))
	for l := range levels {
		out = append(out, l)
	}
	return out
}
