package tools

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var ErrOutsideWorkingDir = errors.New("path is outside the working directory")

// resolvePath maps a tool-supplied path onto the working directory. Relative
// paths are joined to root; the result must stay inside root, also after
// following symlinks of the existing part of the path.
func resolvePath(root, p string) (string, error) {
	if p == "" {
		return "", errors.New("path is required")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	target := p
	if !filepath.IsAbs(target) {
		target = filepath.Join(absRoot, target)
	}
	target = filepath.Clean(target)

	if !within(absRoot, target) {
		return "", fmt.Errorf("%s: %w", p, ErrOutsideWorkingDir)
	}

	realRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return target, nil
	}
	if real, ok := evalExisting(target); ok && !within(realRoot, real) {
		return "", fmt.Errorf("%s: %w", p, ErrOutsideWorkingDir)
	}
	return target, nil
}

func within(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// evalExisting resolves symlinks of the longest existing prefix of p.
func evalExisting(p string) (string, bool) {
	rest := ""
	cur := p
	for {
		if _, err := os.Lstat(cur); err == nil {
			real, err := filepath.EvalSymlinks(cur)
			if err != nil {
				return "", false
			}
			return filepath.Join(real, rest), true
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", false
		}
		rest = filepath.Join(filepath.Base(cur), rest)
		cur = parent
	}
}

func relativeTo(root, p string) string {
	if rel, err := filepath.Rel(root, p); err == nil {
		return rel
	}
	return p
}
