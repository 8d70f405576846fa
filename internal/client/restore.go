package client

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/calderat/syncbox/internal/logger"
	"github.com/calderat/syncbox/internal/wire"
)

// RunRestore empties the local root and downloads the server's tree,
// retrying from scratch until one pass completes. Emptying on every retry
// keeps the operation idempotent: a half-restored tree never survives.
func (e *Engine) RunRestore() error {
	for !e.restoreEnded {
		if err := e.ensureConnected(); err != nil {
			return err
		}
		if err := e.resetFolder(); err != nil {
			return err
		}
		if err := e.restoreOnce(); err != nil {
			logger.Error("restore interrupted, retrying", "error", err)
			e.resetSocket()
		}
		if e.stopped() {
			return ErrStopped
		}
	}
	return nil
}

// resetFolder removes everything under the root, not the root itself.
func (e *Engine) resetFolder() error {
	entries, err := os.ReadDir(e.root)
	if err != nil {
		return fmt.Errorf("read root: %w", err)
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(e.root, entry.Name())); err != nil {
			return fmt.Errorf("clear root: %w", err)
		}
	}
	return nil
}

// restoreOnce asks for the tree and applies sync frames until restoreend.
func (e *Engine) restoreOnce() error {
	logger.Info("restore started", "root", e.root)
	if err := e.writeFrame(wire.Restore()); err != nil {
		return err
	}
	for {
		f, err := e.readFrame(frameTimeout)
		if err != nil {
			return err
		}
		switch f.Service {
		case wire.ServiceSync:
			if err := e.applyRestoreFrame(f); err != nil {
				return err
			}
		case wire.ServiceRestoreEnd:
			e.restoreEnded = true
			logger.Info("restore finished", "root", e.root)
			return nil
		default:
			return fmt.Errorf("unexpected %q frame during restore", f.Service)
		}
	}
}

func (e *Engine) applyRestoreFrame(f wire.Frame) error {
	local := wire.ToLocal(e.root, f.Path)
	switch {
	case f.Size == wire.SizeDir:
		if err := os.MkdirAll(local, 0o755); err != nil {
			return fmt.Errorf("create dir %s: %w", local, err)
		}
		return nil
	case f.Size >= 0:
		if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
			return fmt.Errorf("create parent of %s: %w", local, err)
		}
		out, err := os.Create(local)
		if err != nil {
			return fmt.Errorf("create %s: %w", local, err)
		}
		e.mu.Lock()
		sock, fr := e.sock, e.fr
		e.mu.Unlock()
		if sock == nil {
			out.Close()
			return fmt.Errorf("not connected")
		}
		arm := func() { sock.SetReadDeadline(time.Now().Add(frameTimeout)) }
		if err := fr.ReadPayload(out, f.Size, arm); err != nil {
			out.Close()
			return fmt.Errorf("receive %s: %w", local, err)
		}
		if err := out.Close(); err != nil {
			return fmt.Errorf("close %s: %w", local, err)
		}
		logger.Debug("restored file", "path", local, "size", f.Size)
		return nil
	default:
		return fmt.Errorf("unexpected size code %d during restore", f.Size)
	}
}
