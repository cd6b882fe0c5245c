// Package pathguard resolves and validates user-supplied paths against a
// configured workspace root, rejecting traversal and absolute escapes (C1).
package pathguard

import (
	"path/filepath"
	"strings"

	"github.com/cuemby/devboxd/internal/apierr"
)

// Guard confines path resolution to a workspace root W.
type Guard struct {
	root string
}

// New builds a Guard rooted at root, which must already be an absolute,
// cleaned path.
func New(root string) *Guard {
	return &Guard{root: filepath.Clean(root)}
}

// Root returns the workspace root this guard confines paths to.
func (g *Guard) Root() string {
	return g.root
}

// Resolve normalizes userPath (eliminating ".", "..", and repeated
// separators) and joins it against the workspace root if relative. It never
// touches the filesystem. Fails with CodeValidationError ("invalid_path")
// when the input is empty, contains an embedded NUL, or when the normalized
// absolute path does not have the workspace root as a directory prefix (I1).
func (g *Guard) Resolve(userPath string) (string, *apierr.Error) {
	return g.resolveUnder(g.root, userPath)
}

// ResolveUnder is like Resolve but joins relative paths against base instead
// of the guard's root — used by session cd (§4.4), which resolves against
// the session's current working directory while still confining the result
// to the workspace root.
func (g *Guard) ResolveUnder(base, userPath string) (string, *apierr.Error) {
	return g.resolveUnder(base, userPath)
}

func (g *Guard) resolveUnder(base, userPath string) (string, *apierr.Error) {
	if userPath == "" {
		return "", apierr.New(apierr.CodeValidationError, "invalid_path: path must not be empty")
	}
	if strings.ContainsRune(userPath, 0) {
		return "", apierr.New(apierr.CodeValidationError, "invalid_path: path contains an embedded NUL byte")
	}

	var candidate string
	if filepath.IsAbs(userPath) {
		candidate = filepath.Clean(userPath)
	} else {
		candidate = filepath.Clean(filepath.Join(base, userPath))
	}

	if candidate != g.root && !strings.HasPrefix(candidate, g.root+string(filepath.Separator)) {
		return "", apierr.New(apierr.CodeValidationError, "invalid_path: path escapes the workspace root").
			WithContext("path", userPath)
	}

	return candidate, nil
}

// Rel returns the path relative to the workspace root, for responses that
// should echo back workspace-relative paths rather than absolute ones.
func (g *Guard) Rel(absPath string) string {
	rel, err := filepath.Rel(g.root, absPath)
	if err != nil {
		return absPath
	}
	return rel
}
