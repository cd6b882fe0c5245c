package loghub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cuemby/devboxd/internal/types"
)

// Conn wraps one upgraded WebSocket connection. Writes are serialized
// through writeMu since gorilla/websocket forbids concurrent writers; a
// ping ticker and every subscription's drain goroutine share it.
type Conn struct {
	ws  *websocket.Conn
	cfg Config

	writeMu sync.Mutex
	control chan any

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(ws *websocket.Conn, cfg Config) *Conn {
	return &Conn{
		ws:      ws,
		cfg:     cfg,
		control: make(chan any, 64),
		done:    make(chan struct{}),
	}
}

// runWriter starts the goroutine that serializes control-message writes
// (acks, errors, list results) and periodic pings.
func (c *Conn) runWriter() {
	go func() {
		ticker := time.NewTicker(c.cfg.PingPeriod)
		defer ticker.Stop()
		for {
			select {
			case msg := <-c.control:
				c.writeMu.Lock()
				err := c.ws.WriteJSON(msg)
				c.writeMu.Unlock()
				if err != nil {
					return
				}
			case <-ticker.C:
				c.writeMu.Lock()
				err := c.ws.WriteMessage(websocket.PingMessage, nil)
				c.writeMu.Unlock()
				if err != nil {
					return
				}
			case <-c.done:
				return
			}
		}
	}()
}

func (c *Conn) sendControl(msg any) {
	select {
	case c.control <- msg:
	case <-c.done:
	}
}

func (c *Conn) writeLog(msg logMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(msg)
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// Subscription is a single (conn, targetKind, targetId) binding (§3).
type Subscription struct {
	conn      *Conn
	Kind      string
	TargetID  string
	Levels    map[types.LogLevel]bool
	CreatedAt time.Time

	ch chan logMessage

	mu        sync.Mutex
	replaying bool
	pending   []types.LogLine

	closeOnce sync.Once
	stopped   chan struct{}
}

// newSubscription builds a Subscription with its channels initialized; used
// instead of a bare struct literal so stopped is never left nil (close of a
// nil channel panics).
func newSubscription(c *Conn, kind, targetID string, levels map[types.LogLevel]bool, queueDepth int, replaying bool) *Subscription {
	return &Subscription{
		conn:      c,
		Kind:      kind,
		TargetID:  targetID,
		Levels:    levels,
		CreatedAt: time.Now(),
		ch:        make(chan logMessage, queueDepth),
		replaying: replaying,
		stopped:   make(chan struct{}),
	}
}

func (s *Subscription) levelAllowed(l types.LogLevel) bool {
	if len(s.Levels) == 0 {
		return true
	}
	return s.Levels[l]
}

func (s *Subscription) levelSlice() []types.LogLevel {
	return levelsSlice(s.Levels)
}

// deliver enqueues line for delivery, staging it behind an in-flight
// history replay so live entries never arrive before history (§4.6). It
// reports whether the send succeeded; false means the subscriber's queue is
// full and the whole connection should be dropped.
func (s *Subscription) deliver(line types.LogLine, isHistory bool) bool {
	if !isHistory {
		s.mu.Lock()
		if s.replaying {
			s.pending = append(s.pending, line)
			s.mu.Unlock()
			return true
		}
		s.mu.Unlock()
	}

	msg := logMessage{Type: "log", DataType: s.Kind, TargetID: s.TargetID, Log: line, IsHistory: isHistory}
	select {
	case s.ch <- msg:
		return true
	default:
		return false
	}
}

// endReplay flushes anything staged while history was being drained, then
// switches the subscription to direct live delivery.
func (s *Subscription) endReplay() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.replaying = false
	s.mu.Unlock()

	for _, l := range pending {
		msg := logMessage{Type: "log", DataType: s.Kind, TargetID: s.TargetID, Log: l, IsHistory: false}
		select {
		case s.ch <- msg:
		default:
		}
	}
}

// drain is the per-subscription goroutine that owns writing this
// subscription's messages to the shared connection, so one slow
// subscription's backlog never blocks another's (§9).
func (s *Subscription) drain(c *Conn) {
	for {
		select {
		case msg := <-s.ch:
			if err := c.writeLog(msg); err != nil {
				return
			}
		case <-s.stopped:
			return
		case <-c.done:
			return
		}
	}
}

func (s *Subscription) close() {
	s.closeOnce.Do(func() { close(s.stopped) })
}
