package server

import (
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/calderat/syncbox/internal/logger"
	"github.com/calderat/syncbox/internal/tree"
	"github.com/calderat/syncbox/internal/wire"
)

// readTimeout bounds every socket read on a server connection, frames and
// raw file bytes alike.
const readTimeout = 60 * time.Second

// Auth response texts. The client shows these verbatim.
const (
	msgAuthenticated    = "User authenticated"
	msgBadCredentials   = "User not present or wrong password"
	msgAlreadyConnected = "Cannot login: user already connected"
	msgUserTaken        = "An user with this username is already registered"
)

// conn serves one client socket: authentication, then one frame (plus its
// byte payload, if any) at a time until EOF, timeout, or a protocol error.
type conn struct {
	id     string
	srv    *Server
	sock   net.Conn
	fr     *wire.FrameReader
	remote string

	// guards socket writes; restore streams and acks share one socket
	writeMu sync.Mutex

	authenticated bool
	user          string
	root          string
}

func newConn(s *Server, c net.Conn) *conn {
	return &conn{
		id:     uuid.NewString(),
		srv:    s,
		sock:   c,
		fr:     wire.NewFrameReader(c),
		remote: c.RemoteAddr().String(),
	}
}

// serve is the connection's whole life. Any error unwinds here, where the
// socket closes, the counter drops, and the user frees their login slot.
func (c *conn) serve() {
	defer c.teardown()
	for {
		c.arm()
		raw, err := c.fr.ReadFrame()
		if err != nil {
			logger.Info("connection closed", "remote", c.remote, "conn", c.id, "error", err)
			return
		}
		frame, err := wire.Decode(raw)
		if err != nil {
			logger.Error("protocol error, closing connection", "remote", c.remote, "conn", c.id, "error", err)
			return
		}
		if err := c.dispatch(frame); err != nil {
			logger.Error("closing connection", "remote", c.remote, "conn", c.id, "error", err)
			return
		}
	}
}

func (c *conn) teardown() {
	c.sock.Close()
	c.srv.connCount.Add(-1)
	if c.user != "" {
		c.srv.connected.remove(c.user)
	}
	logger.Info("connection torn down", "remote", c.remote, "conn", c.id)
}

// arm pushes the read deadline forward.
func (c *conn) arm() {
	c.sock.SetReadDeadline(time.Now().Add(readTimeout))
}

// dispatch handles one frame. Returning an error closes the connection.
func (c *conn) dispatch(f wire.Frame) error {
	switch f.Service {
	case wire.ServiceAuth:
		if c.authenticated {
			return fmt.Errorf("authentication after login")
		}
		return c.handleAuth(f)
	case wire.ServiceSignUp:
		if c.authenticated {
			return fmt.Errorf("signup after login")
		}
		return c.handleSignUp(f)
	case wire.ServiceSync:
		if !c.authenticated {
			return fmt.Errorf("sync before authentication")
		}
		return c.handleSync(f)
	case wire.ServiceRestore:
		if !c.authenticated {
			return fmt.Errorf("restore before authentication")
		}
		return c.handleRestore()
	case wire.ServiceCheckSync:
		if !c.authenticated {
			return fmt.Errorf("checksync before authentication")
		}
		return c.handleCheckSync(f)
	default:
		return fmt.Errorf("unexpected service %q", f.Service)
	}
}

func (c *conn) handleAuth(f wire.Frame) error {
	ok, err := c.srv.creds.Authenticate(f.User, f.Pass)
	if err != nil {
		return fmt.Errorf("authenticate %s: %w", f.User, err)
	}
	canLogIn := c.srv.connected.add(f.User)
	switch {
	case ok && canLogIn:
		c.authenticated = true
		c.user = f.User
		c.root = filepath.Join(c.srv.storageDir, f.User)
		if _, err := os.Stat(c.root); err != nil {
			logger.Error("user directory missing, recreating", "path", c.root)
			if err := os.MkdirAll(c.root, 0o755); err != nil {
				return fmt.Errorf("create user root: %w", err)
			}
		}
		logger.Info("user authenticated", "user", f.User, "remote", c.remote)
		return c.write(wire.AuthResponse(true, msgAuthenticated))
	case ok: // valid credentials but a live session holds the slot
		logger.Info("duplicate login refused", "user", f.User, "remote", c.remote)
		return c.write(wire.AuthResponse(false, msgAlreadyConnected))
	default:
		if canLogIn {
			c.srv.connected.remove(f.User)
		}
		logger.Info("authentication refused", "user", f.User, "remote", c.remote)
		return c.write(wire.AuthResponse(false, msgBadCredentials))
	}
}

func (c *conn) handleSignUp(f wire.Frame) error {
	ok, err := c.srv.creds.Register(f.User, f.Pass)
	if err != nil {
		return fmt.Errorf("register %s: %w", f.User, err)
	}
	if !ok {
		return c.write(wire.AuthResponse(false, msgUserTaken))
	}
	c.srv.connected.add(f.User)
	c.authenticated = true
	c.user = f.User
	c.root = filepath.Join(c.srv.storageDir, f.User)
	if err := os.MkdirAll(c.root, 0o755); err != nil {
		return fmt.Errorf("create user root: %w", err)
	}
	logger.Info("user registered", "user", f.User, "remote", c.remote)
	return c.write(wire.AuthResponse(true, msgAuthenticated))
}

// handleSync applies one client mutation: directory create, recursive
// remove, or a file whose bytes follow the frame.
func (c *conn) handleSync(f wire.Frame) error {
	local := wire.ToLocal(c.root, f.Path)
	switch {
	case f.Size == wire.SizeDir:
		if err := os.MkdirAll(local, 0o755); err != nil {
			return fmt.Errorf("create dir %s: %w", local, err)
		}
	case f.Size == wire.SizeErase:
		if err := os.RemoveAll(local); err != nil {
			return fmt.Errorf("remove %s: %w", local, err)
		}
	default:
		if err := c.receiveFile(local, f.Size); err != nil {
			return err
		}
	}
	return c.write(wire.SyncAck())
}

func (c *conn) receiveFile(local string, size int64) error {
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return fmt.Errorf("create parent of %s: %w", local, err)
	}
	out, err := os.Create(local)
	if err != nil {
		return fmt.Errorf("create %s: %w", local, err)
	}
	if err := c.fr.ReadPayload(out, size, c.arm); err != nil {
		out.Close()
		return fmt.Errorf("receive %s: %w", local, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", local, err)
	}
	logger.Debug("file received", "path", local, "size", size)
	return nil
}

// handleRestore streams the user's whole tree back: a sync frame per entry,
// file bytes chunked after their frame, then restoreend.
func (c *conn) handleRestore() error {
	logger.Info("restore started", "user", c.user, "remote", c.remote)
	err := filepath.WalkDir(c.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			logger.Error("entry vanished during restore walk", "path", p, "error", err)
			return nil
		}
		if p == c.root {
			return nil
		}
		rel, rerr := filepath.Rel(c.root, p)
		if rerr != nil {
			return rerr
		}
		rel = filepath.ToSlash(rel)
		switch {
		case d.IsDir():
			return c.write(wire.Sync(rel, wire.SizeDir))
		case d.Type().IsRegular():
			info, ierr := d.Info()
			if ierr != nil {
				logger.Error("file vanished during restore walk", "path", p, "error", ierr)
				return nil
			}
			return c.sendFile(p, rel, info.Size())
		default:
			return nil
		}
	})
	if err != nil {
		return fmt.Errorf("restore for %s: %w", c.user, err)
	}
	if err := c.write(wire.RestoreEnd()); err != nil {
		return err
	}
	logger.Info("restore finished", "user", c.user, "remote", c.remote)
	return nil
}

func (c *conn) sendFile(p, rel string, size int64) error {
	in, err := os.Open(p)
	if err != nil {
		logger.Error("file vanished during restore", "path", p, "error", err)
		return nil
	}
	defer in.Close()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wire.WriteFrame(c.sock, wire.Sync(rel, size)); err != nil {
		return err
	}
	return wire.WritePayload(c.sock, in, size)
}

// handleCheckSync reconciles the manifest against disk, removing server
// extras, then reports what the client must push again.
func (c *conn) handleCheckSync(f wire.Frame) error {
	logger.Info("checksync started", "user", c.user, "root", c.root)
	missing := tree.Reconcile(c.root, f.Root)
	logger.Info("checksync finished", "user", c.user, "missing", len(missing))
	return c.write(wire.CheckSyncResponse(missing))
}

func (c *conn) write(f wire.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wire.WriteFrame(c.sock, f)
}
