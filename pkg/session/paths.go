package session

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/clisend/clisend/pkg/protocol"
)

// PathRef is a client-supplied path that has been resolved and validated
// against the shared root. Rel is the share-relative slash path used on the
// wire and in log entries; Abs is the local filesystem path handed to the
// worker roles.
type PathRef struct {
	Rel string
	Abs string
}

// ResolvePath resolves userPath against root and rejects anything that
// would escape it. Client paths are rooted at the share, so a leading "/"
// is stripped before cleaning; traversal that survives cleaning ("..",
// "../x") and symlinks pointing outside the root both fail with
// PATH_VIOLATION.
//
// The check is pure with respect to the session: it touches the filesystem
// only to resolve symlinks, never to create or modify anything.
func ResolvePath(root, userPath string) (PathRef, error) {
	rel := path.Clean(strings.TrimPrefix(filepath.ToSlash(userPath), "/"))
	if rel == "." {
		rel = ""
	}
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return PathRef{}, protocol.Errorf(protocol.ReasonPathViolation, "path %q escapes the shared root", userPath)
	}

	abs := filepath.Join(root, filepath.FromSlash(rel))

	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return PathRef{}, fmt.Errorf("resolve shared root: %w", err)
	}

	// The target may not exist yet (put); resolve the deepest existing
	// ancestor and rejoin the remainder.
	resolved, err := resolveExisting(abs)
	if err != nil {
		return PathRef{}, fmt.Errorf("resolve %q: %w", userPath, err)
	}

	if resolved != resolvedRoot && !strings.HasPrefix(resolved, resolvedRoot+string(os.PathSeparator)) {
		return PathRef{}, protocol.Errorf(protocol.ReasonPathViolation, "path %q escapes the shared root", userPath)
	}

	return PathRef{Rel: "/" + rel, Abs: abs}, nil
}

// resolveExisting evaluates symlinks on the deepest existing ancestor of p
// and rejoins the non-existing remainder onto the resolved prefix.
func resolveExisting(p string) (string, error) {
	suffix := ""
	for {
		resolved, err := filepath.EvalSymlinks(p)
		if err == nil {
			return filepath.Join(resolved, suffix), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}

		parent := filepath.Dir(p)
		if parent == p {
			return "", err
		}
		suffix = filepath.Join(filepath.Base(p), suffix)
		p = parent
	}
}
