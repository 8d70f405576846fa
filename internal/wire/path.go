package wire

import (
	"fmt"
	"path/filepath"
	"strings"
)

// CleanRel validates a wire path: slash-separated, relative, and confined to
// its root. Anything absolute, empty, or containing "."/".."/empty components
// is rejected before it can touch a filesystem.
func CleanRel(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("empty path")
	}
	if strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return "", fmt.Errorf("path %q is not a relative slash path", p)
	}
	for _, part := range strings.Split(p, "/") {
		switch part {
		case "":
			return "", fmt.Errorf("path %q contains an empty component", p)
		case ".", "..":
			return "", fmt.Errorf("path %q escapes its root", p)
		}
	}
	return p, nil
}

// CleanName validates a single manifest entry name: one path component, no
// separators, no dot traversal.
func CleanName(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("empty name")
	}
	if strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("name %q contains a path separator", name)
	}
	if name == "." || name == ".." {
		return "", fmt.Errorf("name %q escapes its root", name)
	}
	return name, nil
}

// ToLocal converts a validated wire path into a native filesystem path under
// root.
func ToLocal(root, rel string) string {
	return filepath.Join(root, filepath.FromSlash(rel))
}
