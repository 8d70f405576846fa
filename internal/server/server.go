package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/calderat/syncbox/internal/logger"
)

// DefaultConnectionLimit caps concurrently served clients.
const DefaultConnectionLimit = 50

// CredentialStore is what the server needs from a user database.
type CredentialStore interface {
	Authenticate(user, pass string) (bool, error)
	Register(user, pass string) (bool, error)
}

// Server accepts client connections and serves the sync protocol. Each
// authenticated user owns the subtree storageDir/<user>.
type Server struct {
	storageDir string
	limit      int32
	creds      CredentialStore

	connCount atomic.Int32
	connected userSet

	mu sync.Mutex
	ln net.Listener
}

func New(storageDir string, creds CredentialStore, limit int) *Server {
	if limit <= 0 {
		limit = DefaultConnectionLimit
	}
	return &Server{
		storageDir: storageDir,
		limit:      int32(limit),
		creds:      creds,
		connected:  userSet{users: map[string]bool{}},
	}
}

// ListenAndServe accepts connections on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	logger.Info("server listening", "addr", ln.Addr().String())
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		if n := s.connCount.Load(); n >= s.limit {
			logger.Error("connection limit reached, dropping client", "remote", c.RemoteAddr().String())
			c.Close()
			continue
		}
		s.connCount.Add(1)
		conn := newConn(s, c)
		logger.Info("new connection open", "remote", c.RemoteAddr().String(),
			"remaining", s.limit-s.connCount.Load())
		go conn.serve()
	}
}

// Addr returns the bound listen address, for tests that listen on port 0.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// userSet tracks live logins; at most one connection per username.
type userSet struct {
	mu    sync.Mutex
	users map[string]bool
}

// add reports false if the user is already present.
func (u *userSet) add(name string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.users[name] {
		return false
	}
	u.users[name] = true
	return true
}

func (u *userSet) remove(name string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.users, name)
}
