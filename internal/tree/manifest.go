package tree

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/calderat/syncbox/internal/hashing"
	"github.com/calderat/syncbox/internal/logger"
	"github.com/calderat/syncbox/internal/wire"
)

// BuildManifest walks dir and produces the recursive manifest used by
// checksync: every subdirectory, every regular file with its size and
// content hash. Entries that vanish mid-walk are logged and skipped; the
// next checksync round picks them up.
func BuildManifest(dir string) (*wire.DirNode, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}
	return buildDirNode(dir)
}

func buildDirNode(dir string) (*wire.DirNode, error) {
	node := &wire.DirNode{Name: filepath.Base(dir)}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}
	for _, e := range entries {
		full := filepath.Join(dir, e.Name())
		switch {
		case e.IsDir():
			child, err := buildDirNode(full)
			if err != nil {
				logger.Error("skipping unreadable directory", "path", full, "error", err)
				continue
			}
			node.Directories = append(node.Directories, *child)
		case e.Type().IsRegular():
			fi, err := e.Info()
			if err != nil {
				logger.Error("file vanished while building manifest", "path", full, "error", err)
				continue
			}
			hash, err := hashing.DigestFile(full)
			if err != nil {
				logger.Error("file vanished while hashing", "path", full, "error", err)
				continue
			}
			node.Files = append(node.Files, wire.FileRef{
				Name: e.Name(),
				Size: fi.Size(),
				Hash: hash,
			})
		}
	}
	return node, nil
}
