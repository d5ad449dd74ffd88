package manager

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hpungsan/scribe/internal/errors"
)

// pathMode says whether a checked path will be read or written.
type pathMode int

const (
	pathRead pathMode = iota
	pathWrite
)

// pathPolicy restricts import/export files to a set of directories.
// Files must sit directly in an allowed directory, never in a subdirectory,
// so no intermediate component can be swapped for a symlink after the check.
type pathPolicy struct {
	exportsDir  string
	allowed     []string
	allowUnsafe bool
}

// check validates path for mode. exts lists the accepted extensions.
func (p pathPolicy) check(path string, mode pathMode, exts ...string) error {
	if path == "" {
		return errors.NewInvalidRequest("path is required")
	}
	if containsTraversal(path) {
		return errors.NewInvalidRequest("path must not contain directory traversal (..)")
	}

	cleaned := filepath.Clean(path)
	if !hasExtension(cleaned, exts) {
		return errors.NewInvalidRequest(fmt.Sprintf("path must have one of the extensions %v", exts))
	}
	absPath, err := filepath.Abs(cleaned)
	if err != nil {
		return errors.NewInvalidRequest(fmt.Sprintf("invalid path: %v", err))
	}

	if !p.allowUnsafe {
		dirs, err := p.allowedDirs()
		if err != nil {
			return err
		}
		parent := filepath.Dir(absPath)
		if !isDirectlyIn(parent, dirs) {
			return errors.NewInvalidRequest(
				fmt.Sprintf("file must be directly in an allowed directory (no subdirectories); allowed: %v", dirs))
		}
		if info, err := os.Lstat(parent); err == nil && info.Mode()&os.ModeSymlink != 0 {
			return errors.NewInvalidRequest("parent directory must not be a symlink")
		}
	}

	if mode == pathRead {
		if _, err := os.Stat(absPath); os.IsNotExist(err) {
			return errors.NewFileNotFound(path)
		}
	}
	// Symlinks are refused even with allow_unsafe_paths.
	if info, err := os.Lstat(absPath); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return errors.NewInvalidRequest("path must not be a symlink")
	}
	return nil
}

// allowedDirs returns the exports directory plus absolute allowed_paths,
// with symlinked entries resolved.
func (p pathPolicy) allowedDirs() ([]string, error) {
	dirs := make([]string, 0, len(p.allowed)+1)
	if p.exportsDir != "" {
		dirs = append(dirs, p.exportsDir)
	}
	for _, d := range p.allowed {
		if filepath.IsAbs(d) {
			dirs = append(dirs, d)
		}
	}

	out := make([]string, 0, len(dirs))
	for _, d := range dirs {
		abs, err := filepath.Abs(filepath.Clean(d))
		if err != nil {
			return nil, errors.NewInvalidRequest(fmt.Sprintf("invalid allowed path: %v", err))
		}
		if info, err := os.Lstat(abs); err == nil && info.Mode()&os.ModeSymlink != 0 {
			resolved, err := filepath.EvalSymlinks(abs)
			if err != nil {
				return nil, errors.NewInvalidRequest(fmt.Sprintf("cannot resolve symlink in allowed path: %v", err))
			}
			abs = resolved
		}
		out = append(out, abs)
	}
	return out, nil
}

func isDirectlyIn(parent string, dirs []string) bool {
	parent = filepath.Clean(parent)
	for _, d := range dirs {
		if parent == filepath.Clean(d) {
			return true
		}
	}
	return false
}

func hasExtension(path string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}

func containsTraversal(path string) bool {
	for _, part := range strings.Split(path, string(filepath.Separator)) {
		if part == ".." {
			return true
		}
	}
	if filepath.Separator != '/' {
		for _, part := range strings.Split(path, "/") {
			if part == ".." {
				return true
			}
		}
	}
	return false
}

// sanitizeForFilename makes s safe to embed in a generated file name.
func sanitizeForFilename(s string) string {
	s = strings.ReplaceAll(s, "/", "-")
	s = strings.ReplaceAll(s, "\\", "-")
	s = strings.ReplaceAll(s, "..", "-")

	var b strings.Builder
	for _, r := range s {
		if r >= 32 && r != 127 {
			b.WriteRune(r)
		}
	}
	s = b.String()
	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "-")
	}
	s = strings.Trim(s, "-")
	if s == "" {
		s = "unnamed"
	}
	return s
}
