package logring

import (
	"sync"

	"github.com/cuemby/devboxd/internal/types"
)

// Ring is a bounded, append-only, line-oriented log buffer with a single
// writer and many readers. Sequence numbers are assigned by the caller (so
// that a process/session's stdout and stderr rings can share one
// monotonically increasing counter, per §3/I3) and are expected to already
// be strictly increasing; eviction only ever drops the oldest entry.
type Ring struct {
	mu       sync.RWMutex
	cap      int
	lines    []types.LogLine
	overflow bool
}

// NewRing builds a Ring holding at most capacity lines.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{cap: capacity, lines: make([]types.LogLine, 0, capacity)}
}

// Append records a line carrying a caller-assigned sequence number,
// evicting the oldest entry if the ring is full.
func (r *Ring) Append(level types.LogLevel, content string, timestampUnixNano int64, sequence uint64) types.LogLine {
	r.mu.Lock()
	defer r.mu.Unlock()

	line := types.LogLine{
		Level:     level,
		Content:   content,
		Timestamp: timestampUnixNano,
		Sequence:  sequence,
	}

	if len(r.lines) == r.cap {
		r.lines = append(r.lines[1:], line)
		r.overflow = true
	} else {
		r.lines = append(r.lines, line)
	}
	return line
}

// Tail returns up to n most recent entries matching levels (nil/empty means
// all levels), oldest first. Fewer than n are returned if the ring holds
// fewer, or if it has been truncated by eviction.
func (r *Ring) Tail(n int, levels map[types.LogLevel]bool) []types.LogLine {
	r.mu.RLock()
	defer r.mu.RUnlock()

	filtered := r.filterLocked(levels)
	if n <= 0 || n >= len(filtered) {
		return filtered
	}
	return filtered[len(filtered)-n:]
}

// All returns every retained entry matching levels, oldest first.
func (r *Ring) All(levels map[types.LogLevel]bool) []types.LogLine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.filterLocked(levels)
}

func (r *Ring) filterLocked(levels map[types.LogLevel]bool) []types.LogLine {
	if len(levels) == 0 {
		out := make([]types.LogLine, len(r.lines))
		copy(out, r.lines)
		return out
	}
	out := make([]types.LogLine, 0, len(r.lines))
	for _, l := range r.lines {
		if levels[l.Level] {
			out = append(out, l)
		}
	}
	return out
}
