package media

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"lotbot/pkg/fault"
)

// Guard resolves object paths and keeps them inside the store root.
type Guard struct {
	rootPath string
}

// NewGuard resolves root and ensures the directory exists.
func NewGuard(root string) (*Guard, error) {
	resolved, err := ResolveRoot(root)
	if err != nil {
		return nil, err
	}

	return &Guard{rootPath: resolved}, nil
}

// ResolveRoot normalizes root input, expanding ~ and creating it when missing.
func ResolveRoot(root string) (string, error) {
	trimmed := strings.TrimSpace(root)
	if trimmed == "" {
		return "", fault.Validationf("storage root must not be empty")
	}

	expanded, err := expandHome(trimmed)
	if err != nil {
		return "", err
	}

	absPath, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("resolve absolute storage path: %w", err)
	}

	cleanPath := filepath.Clean(absPath)
	if err := os.MkdirAll(cleanPath, 0o755); err != nil {
		return "", fmt.Errorf("create storage directory: %w", err)
	}

	resolved, err := filepath.EvalSymlinks(cleanPath)
	if err != nil {
		return "", normalizeIOError(err, "resolve storage root")
	}

	return filepath.Clean(resolved), nil
}

// Root returns the absolute store root.
func (g *Guard) Root() string {
	if g == nil {
		return ""
	}

	return g.rootPath
}

// ResolvePath returns the canonical absolute path for a root-relative key.
func (g *Guard) ResolvePath(key string) (string, error) {
	if g == nil {
		return "", fault.New(fault.Internal, "storage guard is nil")
	}

	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return "", fault.Validationf("object key must not be empty")
	}
	if filepath.IsAbs(trimmed) {
		return "", fault.Validationf("object key must be relative")
	}

	cleanPath := filepath.Clean(filepath.Join(g.rootPath, filepath.FromSlash(trimmed)))
	effectivePath, err := canonicalPath(cleanPath)
	if err != nil {
		return "", err
	}

	if !isWithin(g.rootPath, effectivePath) || effectivePath == g.rootPath {
		return "", fault.Validationf("object key escapes storage root")
	}

	return effectivePath, nil
}

func canonicalPath(path string) (string, error) {
	evaluated, err := filepath.EvalSymlinks(path)
	if err == nil {
		return filepath.Clean(evaluated), nil
	}
	if !os.IsNotExist(err) {
		return "", normalizeIOError(err, "resolve path")
	}

	parent, remainder, splitErr := nearestExistingParent(path)
	if splitErr != nil {
		return "", splitErr
	}

	evaluatedParent, evalErr := filepath.EvalSymlinks(parent)
	if evalErr != nil {
		return "", normalizeIOError(evalErr, "resolve path")
	}

	return filepath.Clean(filepath.Join(evaluatedParent, remainder)), nil
}

func nearestExistingParent(path string) (string, string, error) {
	current := filepath.Clean(path)
	parts := make([]string, 0)

	for {
		if _, err := os.Lstat(current); err == nil {
			remainder := ""
			for i := len(parts) - 1; i >= 0; i-- {
				remainder = filepath.Join(remainder, parts[i])
			}
			return current, remainder, nil
		}

		base := filepath.Base(current)
		if base == "." || base == string(filepath.Separator) {
			break
		}
		parts = append(parts, base)

		next := filepath.Dir(current)
		if next == current {
			break
		}
		current = next
	}

	return "", "", fault.Validationf("path could not be resolved")
}

func expandHome(path string) (string, error) {
	if path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		return home, nil
	}

	prefix := "~" + string(filepath.Separator)
	if strings.HasPrefix(path, prefix) {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		return filepath.Join(home, strings.TrimPrefix(path, prefix)), nil
	}

	return path, nil
}

func isWithin(root string, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	if rel == ".." {
		return false
	}
	if strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}

	return !filepath.IsAbs(rel)
}

// normalizeIOError maps OS errors onto fault categories without leaking
// absolute paths into user-visible detail.
func normalizeIOError(err error, detail string) error {
	if err == nil {
		return nil
	}

	switch {
	case os.IsNotExist(err):
		return fault.Wrap(fault.NotFound, "object does not exist", err)
	case os.IsPermission(err):
		return fault.Wrap(fault.Downstream, "storage operation not permitted", err)
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return fault.Wrap(fault.Downstream, pathErr.Err.Error(), err)
	}

	return fault.Wrap(fault.Downstream, detail, err)
}
