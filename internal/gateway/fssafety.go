package gateway

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/openclaw/vcevidence/internal/apierr"
)

// resolveRelPath applies the five filesystem safety rules of §4.1 to a
// caller-supplied rel_path of the form "<alias>/<rest>", returning the
// resolved absolute path on success.
func (s *Server) resolveRelPath(relPath string) (absPath string, alias string, err error) {
	if relPath == "" {
		return "", "", apierr.Protocol("empty rel_path")
	}

	parts := strings.SplitN(relPath, "/", 2)
	alias = parts[0]
	root, ok := s.profile.Folders[alias]
	if !ok {
		return "", "", apierr.Forbidden("unknown folder alias: %s", alias)
	}

	rest := ""
	if len(parts) == 2 {
		rest = parts[1]
	}
	for _, segment := range strings.Split(rest, "/") {
		if segment == ".." {
			return "", "", apierr.Protocol("path traversal segment not allowed")
		}
	}

	candidate := filepath.Join(root, rest)

	info, err := os.Lstat(candidate)
	if err != nil {
		if os.IsNotExist(err) {
			return "", "", apierr.NotFound("file not found: %s", relPath)
		}
		return "", "", apierr.Protocol("stat failed: %v", err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return "", "", apierr.Forbidden("symlink access denied: %s", relPath)
	}

	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", "", apierr.Protocol("failed to resolve alias root: %v", err)
	}
	resolved, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		return "", "", apierr.Protocol("failed to resolve path: %v", err)
	}
	if resolved != resolvedRoot && !strings.HasPrefix(resolved, resolvedRoot+string(os.PathSeparator)) {
		return "", "", apierr.Forbidden("resolved path escapes alias root: %s", relPath)
	}

	if !info.Mode().IsRegular() {
		return "", "", apierr.NotFound("not a regular file: %s", relPath)
	}

	return resolved, alias, nil
}
