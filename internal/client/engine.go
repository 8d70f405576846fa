package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/calderat/syncbox/internal/logger"
	"github.com/calderat/syncbox/internal/queue"
	"github.com/calderat/syncbox/internal/watch"
	"github.com/calderat/syncbox/internal/wire"
)

const (
	// frameTimeout bounds ordinary frame reads (acks, auth responses,
	// restore frames).
	frameTimeout = 30 * time.Second
	// checksyncTimeout bounds the wait for a checksync response; the
	// server hashes the whole tree before answering.
	checksyncTimeout = 300 * time.Second
	// defaultReconnectWait is the pause between reconnection attempts.
	defaultReconnectWait = 5 * time.Second
)

// Options tunes an Engine. Zero values mean defaults.
type Options struct {
	PollDelay     time.Duration
	ReconnectWait time.Duration
}

// Engine drives the client side of the protocol: authentication, the
// watch/sync loop, checksync, and restore. One engine owns one logical
// connection; it reconnects and re-authenticates by itself.
type Engine struct {
	root          string
	addr          string
	reconnectWait time.Duration

	events  *queue.Queue[watch.Event]
	watcher *watch.Watcher

	mu        sync.Mutex
	sock      net.Conn
	fr        *wire.FrameReader
	connected bool

	stopOnce sync.Once
	stopCh   chan struct{}

	creds        Credentials
	newUser      bool
	restoreEnded bool
}

// New prepares an engine mirroring root to the server at addr (host:port).
// The watcher snapshots root immediately so pre-existing files do not replay
// as created.
func New(root, addr string, opts Options) *Engine {
	if opts.ReconnectWait <= 0 {
		opts.ReconnectWait = defaultReconnectWait
	}
	q := queue.New[watch.Event]()
	return &Engine{
		root:          root,
		addr:          addr,
		reconnectWait: opts.ReconnectWait,
		events:        q,
		watcher:       watch.New(root, q, opts.PollDelay),
		stopCh:        make(chan struct{}),
	}
}

// Connect dials the server once.
func (e *Engine) Connect(ctx context.Context) error {
	d := net.Dialer{}
	sock, err := d.DialContext(ctx, "tcp", e.addr)
	if err != nil {
		return fmt.Errorf("connect %s: %w", e.addr, err)
	}
	e.setSocket(sock)
	logger.Info("connected to server", "addr", e.addr)
	return nil
}

// Login authenticates (or signs up) over the current connection. A refusal
// comes back as *AuthError so the caller can prompt again; any other error
// is transport trouble and the caller should Connect anew. On a successful
// signup the whole local tree is queued as created so the initial state
// reaches the server.
func (e *Engine) Login(creds Credentials, signup bool) error {
	frame := wire.Auth(creds.User, creds.Pass)
	if signup {
		frame = wire.SignUp(creds.User, creds.Pass)
	}
	if err := e.writeFrame(frame); err != nil {
		e.resetSocket()
		return err
	}
	resp, err := e.readFrame(frameTimeout)
	if err != nil {
		e.resetSocket()
		return err
	}
	if resp.Service != wire.ServiceAuthResponse {
		e.resetSocket()
		return fmt.Errorf("expected authentication response, got %q", resp.Service)
	}
	logger.Info("received authentication response", "message", resp.Message)
	if !resp.OK {
		return &AuthError{Message: resp.Message}
	}
	e.creds = creds
	if signup {
		e.newUser = true
		e.enqueueTree()
	}
	return nil
}

// NewUser reports whether the session was opened by signup.
func (e *Engine) NewUser() bool { return e.newUser }

// StartWatcher runs the filesystem watcher until Stop. Blocking.
func (e *Engine) StartWatcher() { e.watcher.Start() }

// ResetWatcherDirectory re-snapshots the watched tree (after a restore).
func (e *Engine) ResetWatcherDirectory() { e.watcher.ResetDirectory() }

// Run is the sync loop: one event at a time, one ack per event, at-least-
// once delivery. It returns once the event queue is closed and empty. Stop
// also tears the socket down, so after Stop the loop returns at its next
// send attempt; events still queued at that point are not sent.
func (e *Engine) Run() {
	logger.Info("sync loop started")
	var pending *watch.Event
	for {
		var ev watch.Event
		if pending != nil {
			ev = *pending
			pending = nil
		} else {
			var ok bool
			ev, ok = e.nextEvent()
			if !ok {
				logger.Info("sync loop finished")
				return
			}
		}
		err := e.sendEvent(ev)
		switch {
		case err == nil:
		case errors.Is(err, ErrStopped):
			logger.Info("sync loop finished")
			return
		case isFilesystemRace(err):
			// the path vanished mid-send; the watcher's erased event
			// will follow, so the event itself is dropped
			logger.Error("filesystem race while sending", "path", ev.Path, "error", err)
			if e.reconnect() != nil {
				return
			}
		default:
			logger.Error("transport error, reconnecting", "path", ev.Path, "error", err)
			if e.reconnect() != nil {
				return
			}
			pending = &ev
		}
	}
}

// nextEvent pops until it finds an event still worth sending: erasures
// always, anything else only if the path still exists.
func (e *Engine) nextEvent() (watch.Event, bool) {
	for {
		ev, ok := e.events.Pop()
		if !ok {
			return watch.Event{}, false
		}
		if ev.Kind == watch.Erased {
			return ev, true
		}
		if _, err := os.Lstat(ev.Path); err == nil {
			return ev, true
		}
	}
}

// sendEvent ships one event: the sync frame, the file bytes when the event
// names a regular file, then the ack.
func (e *Engine) sendEvent(ev watch.Event) error {
	rel, err := filepath.Rel(e.root, ev.Path)
	if err != nil {
		return &raceError{err}
	}
	rel = filepath.ToSlash(rel)
	if _, err := wire.CleanRel(rel); err != nil {
		return &raceError{err}
	}

	if ev.Kind == watch.Erased {
		logger.Info("syncing erase", "path", rel)
		if err := e.writeFrame(wire.Sync(rel, wire.SizeErase)); err != nil {
			return err
		}
		return e.awaitAck()
	}

	info, err := os.Stat(ev.Path)
	if err != nil {
		return &raceError{err}
	}
	if info.IsDir() {
		logger.Info("syncing directory", "path", rel)
		if err := e.writeFrame(wire.Sync(rel, wire.SizeDir)); err != nil {
			return err
		}
		return e.awaitAck()
	}

	logger.Info("syncing file", "path", rel, "size", info.Size())
	in, err := os.Open(ev.Path)
	if err != nil {
		return &raceError{err}
	}
	defer in.Close()
	if err := e.writeFrame(wire.Sync(rel, info.Size())); err != nil {
		return err
	}
	if err := e.streamFile(in, info.Size()); err != nil {
		return err
	}
	return e.awaitAck()
}

// streamFile writes exactly size bytes from in to the socket in chunks. A
// short read from the file is a filesystem race; a failed socket write is
// transport trouble.
func (e *Engine) streamFile(in io.Reader, size int64) error {
	sock := e.socket()
	if sock == nil {
		return fmt.Errorf("not connected")
	}
	buf := make([]byte, wire.ChunkSize)
	remaining := size
	for remaining > 0 {
		n := int64(len(buf))
		if remaining < n {
			n = remaining
		}
		if _, err := io.ReadFull(in, buf[:n]); err != nil {
			return &raceError{err}
		}
		if _, err := sock.Write(buf[:n]); err != nil {
			return fmt.Errorf("send file bytes: %w", err)
		}
		remaining -= n
	}
	return nil
}

func (e *Engine) awaitAck() error {
	resp, err := e.readFrame(frameTimeout)
	if err != nil {
		return err
	}
	if resp.Service != wire.ServiceSyncAck {
		return fmt.Errorf("expected syncack, got %q", resp.Service)
	}
	return nil
}

// enqueueTree pushes every entry under root as created.
func (e *Engine) enqueueTree() {
	err := filepath.WalkDir(e.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			logger.Error("entry vanished while queueing initial tree", "path", p, "error", err)
			return nil
		}
		if p == e.root {
			return nil
		}
		e.events.Push(watch.Event{Path: p, Kind: watch.Created})
		return nil
	})
	if err != nil {
		logger.Error("initial tree walk failed", "root", e.root, "error", err)
	}
}

// Stop shuts the engine down: the watcher stops, the event queue closes, and
// the socket is torn down. Run then returns without sending the events that
// were still queued.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		e.watcher.Stop()
		e.events.Close()
		e.resetSocket()
	})
}

func (e *Engine) stopped() bool {
	select {
	case <-e.stopCh:
		return true
	default:
		return false
	}
}

// reconnect tears the socket down, then retries dial + re-authentication
// with a fixed pause until it succeeds or the engine stops.
func (e *Engine) reconnect() error {
	e.resetSocket()
	for {
		select {
		case <-e.stopCh:
			return ErrStopped
		case <-time.After(e.reconnectWait):
		}
		logger.Info("trying connection", "addr", e.addr)
		if err := e.Connect(context.Background()); err != nil {
			logger.Error("reconnect failed", "error", err)
			continue
		}
		if err := e.Login(e.creds, false); err != nil {
			logger.Error("re-authentication failed", "error", err)
			e.resetSocket()
			continue
		}
		logger.Info("connection reopened", "addr", e.addr)
		return nil
	}
}

// ensureConnected is reconnect for entry points that may start with a dead
// socket (restore and checksync retries).
func (e *Engine) ensureConnected() error {
	e.mu.Lock()
	ok := e.connected
	e.mu.Unlock()
	if ok {
		return nil
	}
	return e.reconnect()
}

func (e *Engine) setSocket(sock net.Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sock != nil {
		e.sock.Close()
	}
	e.sock = sock
	e.fr = wire.NewFrameReader(sock)
	e.connected = true
}

func (e *Engine) socket() net.Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sock
}

func (e *Engine) resetSocket() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sock != nil {
		e.sock.Close()
		e.sock = nil
	}
	e.fr = nil
	e.connected = false
}

func (e *Engine) writeFrame(f wire.Frame) error {
	sock := e.socket()
	if sock == nil {
		return fmt.Errorf("not connected")
	}
	return wire.WriteFrame(sock, f)
}

// readFrame reads and decodes one frame under a deadline.
func (e *Engine) readFrame(timeout time.Duration) (wire.Frame, error) {
	e.mu.Lock()
	sock, fr := e.sock, e.fr
	e.mu.Unlock()
	if sock == nil {
		return wire.Frame{}, fmt.Errorf("not connected")
	}
	sock.SetReadDeadline(time.Now().Add(timeout))
	raw, err := fr.ReadFrame()
	if err != nil {
		return wire.Frame{}, fmt.Errorf("read frame: %w", err)
	}
	return wire.Decode(raw)
}

// raceError marks errors caused by local files changing underneath the
// engine, as opposed to transport failures.
type raceError struct{ err error }

func (r *raceError) Error() string { return "filesystem race: " + r.err.Error() }
func (r *raceError) Unwrap() error { return r.err }

func isFilesystemRace(err error) bool {
	var r *raceError
	return errors.As(err, &r)
}
