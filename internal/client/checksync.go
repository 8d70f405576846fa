package client

import (
	"fmt"

	"github.com/calderat/syncbox/internal/logger"
	"github.com/calderat/syncbox/internal/tree"
	"github.com/calderat/syncbox/internal/watch"
	"github.com/calderat/syncbox/internal/wire"
)

// CheckSync reconciles the server's tree with the local one: it ships a
// hashed manifest, the server deletes its extras and answers with the paths
// it lacks, and those come back as synthetic created events for the sync
// loop to push. Retries until one full exchange succeeds.
func (e *Engine) CheckSync() error {
	for {
		if e.stopped() {
			return ErrStopped
		}
		if err := e.ensureConnected(); err != nil {
			return err
		}
		manifest, err := tree.BuildManifest(e.root)
		if err != nil {
			return fmt.Errorf("build manifest: %w", err)
		}
		logger.Info("checksync started", "root", e.root)
		if err := e.writeFrame(wire.CheckSync(manifest)); err != nil {
			logger.Error("checksync send failed, retrying", "error", err)
			e.resetSocket()
			continue
		}
		resp, err := e.readFrame(checksyncTimeout)
		if err != nil {
			logger.Error("checksync response failed, retrying", "error", err)
			e.resetSocket()
			continue
		}
		if resp.Service != wire.ServiceCheckSyncResp {
			logger.Error("unexpected frame during checksync, retrying", "service", resp.Service)
			e.resetSocket()
			continue
		}
		for _, rel := range resp.Missing {
			e.events.Push(watch.Event{Path: wire.ToLocal(e.root, rel), Kind: watch.Created})
		}
		logger.Info("checksync finished", "missing", len(resp.Missing))
		return nil
	}
}
