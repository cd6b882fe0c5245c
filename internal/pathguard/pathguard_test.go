package pathguard

import (
	"strings"
	"testing"

	"github.com/cuemby/devboxd/internal/apierr"
)

func TestResolve_AcceptsRelativePathUnderRoot(t *testing.T) {
	g := New("/ws")
	abs, err := g.Resolve("sub/dir/file.txt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if abs != "/ws/sub/dir/file.txt" {
		t.Fatalf("got %q", abs)
	}
}

func TestResolve_AcceptsAbsolutePathUnderRoot(t *testing.T) {
	g := New("/ws")
	abs, err := g.Resolve("/ws/file.txt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if abs != "/ws/file.txt" {
		t.Fatalf("got %q", abs)
	}
}

func TestResolve_RootItselfIsValid(t *testing.T) {
	g := New("/ws")
	abs, err := g.Resolve(".")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if abs != "/ws" {
		t.Fatalf("got %q", abs)
	}
}

// S2: writing {path:"../etc/passwd"} must be rejected as escaping the root,
// with status 1400 and a message containing "invalid_path".
func TestResolve_RejectsTraversalEscape(t *testing.T) {
	g := New("/ws")
	_, err := g.Resolve("../etc/passwd")
	if err == nil {
		t.Fatal("expected traversal to be rejected")
	}
	if err.Code != apierr.CodeValidationError {
		t.Fatalf("expected CodeValidationError, got %d", err.Code)
	}
	if !strings.Contains(err.Message, "invalid_path") {
		t.Fatalf("expected message to contain invalid_path, got %q", err.Message)
	}
}

func TestResolve_RejectsAbsoluteEscape(t *testing.T) {
	g := New("/ws")
	_, err := g.Resolve("/etc/passwd")
	if err == nil {
		t.Fatal("expected absolute escape to be rejected")
	}
	if err.Code != apierr.CodeValidationError {
		t.Fatalf("expected CodeValidationError, got %d", err.Code)
	}
}

// Sibling directories sharing a prefix (e.g. /ws-evil) must not pass the
// naive strings.HasPrefix(candidate, root) check.
func TestResolve_RejectsSiblingWithSharedPrefix(t *testing.T) {
	g := New("/ws")
	_, err := g.Resolve("/ws-evil/file.txt")
	if err == nil {
		t.Fatal("expected sibling-prefix escape to be rejected")
	}
}

func TestResolve_RejectsEmptyPath(t *testing.T) {
	g := New("/ws")
	_, err := g.Resolve("")
	if err == nil || err.Code != apierr.CodeValidationError {
		t.Fatalf("expected CodeValidationError, got %v", err)
	}
}

func TestResolve_RejectsEmbeddedNUL(t *testing.T) {
	g := New("/ws")
	_, err := g.Resolve("foo\x00bar")
	if err == nil || err.Code != apierr.CodeValidationError {
		t.Fatalf("expected CodeValidationError, got %v", err)
	}
}

func TestResolve_CollapsesDotDotWithinRoot(t *testing.T) {
	g := New("/ws")
	abs, err := g.Resolve("sub/../file.txt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if abs != "/ws/file.txt" {
		t.Fatalf("got %q", abs)
	}
}

func TestResolveUnder_ConfinesToRootEvenFromDeeperBase(t *testing.T) {
	g := New("/ws")
	_, err := g.ResolveUnder("/ws/sub", "../../etc/passwd")
	if err == nil {
		t.Fatal("expected escape via a deeper base to be rejected")
	}
}

func TestRel_ReturnsWorkspaceRelativePath(t *testing.T) {
	g := New("/ws")
	rel := g.Rel("/ws/sub/file.txt")
	if rel != "sub/file.txt" {
		t.Fatalf("got %q", rel)
	}
}

func TestResolve_NeverTouchesFilesystem(t *testing.T) {
	// Resolve must succeed (or fail) purely from string normalization; a
	// nonexistent path is not itself an error.
	g := New("/ws")
	abs, err := g.Resolve("does/not/exist.txt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(abs, "/ws/") {
		t.Fatalf("got %q", abs)
	}
}
