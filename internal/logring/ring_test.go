package logring

import (
	"testing"

	"github.com/cuemby/devboxd/internal/types"
)

func TestAppend_RetainsCallerAssignedSequence(t *testing.T) {
	r := NewRing(10)
	for i := 0; i < 5; i++ {
		line := r.Append(types.LevelStdout, "x", int64(i), uint64(i))
		if line.Sequence != uint64(i) {
			t.Fatalf("line %d: got sequence %d", i, line.Sequence)
		}
	}
}

func TestTail_ReturnsFewerThanNWhenRingHoldsLess(t *testing.T) {
	r := NewRing(10)
	r.Append(types.LevelStdout, "a", 1, 0)
	r.Append(types.LevelStdout, "b", 2, 1)

	got := r.Tail(10, nil)
	if len(got) != 2 {
		t.Fatalf("got %d lines, want 2", len(got))
	}
}

func TestTail_ReturnsMostRecentNInOrder(t *testing.T) {
	r := NewRing(10)
	for i := 0; i < 5; i++ {
		r.Append(types.LevelStdout, string(rune('a'+i)), int64(i), uint64(i))
	}

	got := r.Tail(2, nil)
	if len(got) != 2 {
		t.Fatalf("got %d lines, want 2", len(got))
	}
	if got[0].Content != "d" || got[1].Content != "e" {
		t.Fatalf("got %q, %q", got[0].Content, got[1].Content)
	}
}

// I3: once the ring overflows, the oldest entries are evicted but the
// remaining sequence numbers stay as assigned by the caller, with no gaps
// reintroduced by eviction.
func TestAppend_EvictsOldestOnOverflowKeepingSequenceIntact(t *testing.T) {
	r := NewRing(3)
	for i := 0; i < 5; i++ {
		r.Append(types.LevelStdout, "x", int64(i), uint64(i))
	}

	all := r.All(nil)
	if len(all) != 3 {
		t.Fatalf("got %d retained lines, want 3", len(all))
	}
	want := []uint64{2, 3, 4}
	for i, l := range all {
		if l.Sequence != want[i] {
			t.Fatalf("entry %d: got sequence %d, want %d", i, l.Sequence, want[i])
		}
	}
}

func TestTail_FiltersByLevel(t *testing.T) {
	r := NewRing(10)
	r.Append(types.LevelStdout, "out", 1, 0)
	r.Append(types.LevelStderr, "err", 2, 1)
	r.Append(types.LevelStdout, "out2", 3, 2)

	got := r.Tail(10, map[types.LogLevel]bool{types.LevelStderr: true})
	if len(got) != 1 || got[0].Content != "err" {
		t.Fatalf("got %+v", got)
	}
}

func TestAll_ReturnsEveryRetainedEntryOldestFirst(t *testing.T) {
	r := NewRing(5)
	r.Append(types.LevelStdout, "a", 1, 0)
	r.Append(types.LevelStdout, "b", 2, 1)
	r.Append(types.LevelStdout, "c", 3, 2)

	got := r.All(nil)
	if len(got) != 3 {
		t.Fatalf("got %d, want 3", len(got))
	}
	if got[0].Content != "a" || got[2].Content != "c" {
		t.Fatalf("order not preserved: %+v", got)
	}
}

func TestNewRing_NonPositiveCapacityDefaultsToOne(t *testing.T) {
	r := NewRing(0)
	r.Append(types.LevelStdout, "a", 1, 0)
	r.Append(types.LevelStdout, "b", 2, 1)

	got := r.All(nil)
	if len(got) != 1 || got[0].Content != "b" {
		t.Fatalf("got %+v", got)
	}
}

// Two rings fed from a single shared counter interleave into one
// monotonic, gap-free sequence when merged — the shape internal/process
// and internal/session rely on for stdout/stderr fan-in (§3, I3, P2).
func TestTwoRingsShareASequenceSpaceWithoutCollision(t *testing.T) {
	out := NewRing(10)
	errR := NewRing(10)
	var seq uint64

	out.Append(types.LevelStdout, "o0", 0, seq)
	seq++
	errR.Append(types.LevelStderr, "e0", 1, seq)
	seq++
	out.Append(types.LevelStdout, "o1", 2, seq)
	seq++

	all := append(out.All(nil), errR.All(nil)...)
	seen := map[uint64]bool{}
	for _, l := range all {
		if seen[l.Sequence] {
			t.Fatalf("duplicate sequence %d across rings", l.Sequence)
		}
		seen[l.Sequence] = true
	}
	if len(seen) != 3 {
		t.Fatalf("got %d distinct sequences, want 3", len(seen))
	}
}
