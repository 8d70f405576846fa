package tree

import (
	"os"
	"path"
	"path/filepath"

	"github.com/calderat/syncbox/internal/hashing"
	"github.com/calderat/syncbox/internal/logger"
	"github.com/calderat/syncbox/internal/wire"
)

// Reconcile diffs a client manifest against the disk tree rooted at root.
// It returns the root-relative slash paths the client must push again, and
// deletes from disk everything the manifest does not mention. Manifest
// entries with unsafe names are ignored rather than allowed near the
// filesystem.
func Reconcile(root string, node *wire.DirNode) []string {
	var missing []string
	exploreDir(root, "", node, true, &missing)
	return missing
}

// exploreDir mirrors one manifest directory against disk. exist is false
// once any ancestor had to be created, which short-circuits the per-file
// existence checks below it.
func exploreDir(dir, rel string, node *wire.DirNode, exist bool, missing *[]string) {
	status := exist && dirExists(dir)
	if !status {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Error("cannot create directory", "path", dir, "error", err)
		} else {
			logger.Info("directory created on server", "path", dir)
		}
	}

	fileMap := map[string]bool{}
	dirMap := map[string]bool{}
	if entries, err := os.ReadDir(dir); err == nil {
		for _, e := range entries {
			if e.IsDir() {
				dirMap[e.Name()] = true
			} else if e.Type().IsRegular() {
				fileMap[e.Name()] = true
			}
		}
	}

	for i := range node.Directories {
		child := &node.Directories[i]
		name, err := wire.CleanName(child.Name)
		if err != nil {
			logger.Error("ignoring manifest directory", "name", child.Name, "error", err)
			continue
		}
		delete(dirMap, name)
		exploreDir(filepath.Join(dir, name), path.Join(rel, name), child, status, missing)
	}

	for _, f := range node.Files {
		name, err := wire.CleanName(f.Name)
		if err != nil {
			logger.Error("ignoring manifest file", "name", f.Name, "error", err)
			continue
		}
		full := filepath.Join(dir, name)
		relPath := path.Join(rel, name)
		if status && pathExists(full) {
			delete(fileMap, name)
			if !fileMatches(full, f.Hash, f.Size) {
				os.RemoveAll(full)
				logger.Info("file not synced with client version", "path", full)
				*missing = append(*missing, relPath)
			}
		} else {
			*missing = append(*missing, relPath)
		}
	}

	// whatever the manifest did not claim is a server extra
	for name := range fileMap {
		full := filepath.Join(dir, name)
		os.RemoveAll(full)
		logger.Info("file removed from server", "path", full)
	}
	for name := range dirMap {
		full := filepath.Join(dir, name)
		os.RemoveAll(full)
		logger.Info("directory removed from server", "path", full)
	}
}

func fileMatches(full, hash string, size int64) bool {
	fi, err := os.Stat(full)
	if err != nil || !fi.Mode().IsRegular() || fi.Size() != size {
		return false
	}
	got, err := hashing.DigestFile(full)
	if err != nil {
		return false
	}
	return got == hash
}

func dirExists(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.IsDir()
}

func pathExists(p string) bool {
	_, err := os.Lstat(p)
	return err == nil
}
