package client

import (
	"bytes"
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/calderat/syncbox/internal/server"
	"github.com/calderat/syncbox/internal/watch"
)

// memCreds is an in-memory credential store for the test server.
type memCreds struct {
	mu    sync.Mutex
	users map[string]string
}

func newMemCreds() *memCreds { return &memCreds{users: map[string]string{}} }

func (m *memCreds) Authenticate(user, pass string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.users[user]
	return ok && stored == pass, nil
}

func (m *memCreds) Register(user, pass string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[user]; ok {
		return false, nil
	}
	m.users[user] = pass
	return true, nil
}

type fixture struct {
	eng     *Engine
	root    string // client root
	storage string // server storage dir
	creds   *memCreds
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	storage := t.TempDir()
	creds := newMemCreds()
	srv := server.New(storage, creds, 0)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.ListenAndServe(ctx, "127.0.0.1:0")
	deadline := time.Now().Add(5 * time.Second)
	for srv.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("server did not bind")
		}
		time.Sleep(5 * time.Millisecond)
	}

	root := t.TempDir()
	eng := New(root, srv.Addr().String(), Options{
		PollDelay:     30 * time.Millisecond,
		ReconnectWait: 50 * time.Millisecond,
	})
	t.Cleanup(eng.Stop)
	return &fixture{eng: eng, root: root, storage: storage, creds: creds}
}

func (f *fixture) serverPath(user, rel string) string {
	return filepath.Join(f.storage, user, filepath.FromSlash(rel))
}

func (f *fixture) connectAndLogin(t *testing.T, user, pass string, signup bool) {
	t.Helper()
	if err := f.eng.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := f.eng.Login(Credentials{User: user, Pass: pass}, signup); err != nil {
		t.Fatalf("login: %v", err)
	}
}

// runLoop starts the sync loop and returns a stopper that shuts the engine
// down and waits for the loop to return.
func (f *fixture) runLoop() func() {
	done := make(chan struct{})
	go func() {
		f.eng.Run()
		close(done)
	}()
	return func() {
		f.eng.Stop()
		<-done
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func writeLocal(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func fileEquals(path string, want []byte) bool {
	got, err := os.ReadFile(path)
	return err == nil && bytes.Equal(got, want)
}

func TestSignupPushesInitialTree(t *testing.T) {
	f := newFixture(t)
	writeLocal(t, f.root, "a/b.txt", "hello")
	os.MkdirAll(filepath.Join(f.root, "a", "c"), 0o755)

	f.connectAndLogin(t, "alice", "pw", true)
	if !f.eng.NewUser() {
		t.Error("signup did not mark the session as new user")
	}
	stop := f.runLoop()
	defer stop()

	waitFor(t, "initial tree on server", func() bool {
		if !fileEquals(f.serverPath("alice", "a/b.txt"), []byte("hello")) {
			return false
		}
		fi, err := os.Stat(f.serverPath("alice", "a/c"))
		return err == nil && fi.IsDir()
	})
}

func TestWatcherDrivesSyncAndErase(t *testing.T) {
	f := newFixture(t)
	f.creds.users["alice"] = "pw"
	os.MkdirAll(filepath.Join(f.storage, "alice"), 0o755)

	f.connectAndLogin(t, "alice", "pw", false)
	go f.eng.StartWatcher()
	stop := f.runLoop()
	defer stop()

	local := filepath.Join(f.root, "x.txt")
	os.WriteFile(local, []byte("1"), 0o644)
	waitFor(t, "x.txt on server", func() bool {
		return fileEquals(f.serverPath("alice", "x.txt"), []byte("1"))
	})

	os.Remove(local)
	waitFor(t, "x.txt gone from server", func() bool {
		_, err := os.Stat(f.serverPath("alice", "x.txt"))
		return err != nil
	})
}

func TestRestoreAfterLocalWipe(t *testing.T) {
	f := newFixture(t)
	f.creds.users["alice"] = "pw"

	// seed the server tree, including a file big enough to span many chunks
	blob := make([]byte, 300_000)
	rand.Read(blob)
	os.MkdirAll(filepath.Join(f.storage, "alice", "d"), 0o755)
	os.WriteFile(filepath.Join(f.storage, "alice", "d", "e.bin"), blob, 0o644)
	os.WriteFile(filepath.Join(f.storage, "alice", "note.txt"), []byte("kept"), 0o644)

	// local junk that the restore must clear
	writeLocal(t, f.root, "stale/junk.txt", "junk")

	f.connectAndLogin(t, "alice", "pw", false)
	if err := f.eng.RunRestore(); err != nil {
		t.Fatalf("restore: %v", err)
	}

	if !fileEquals(filepath.Join(f.root, "d", "e.bin"), blob) {
		t.Error("restored blob differs")
	}
	if !fileEquals(filepath.Join(f.root, "note.txt"), []byte("kept")) {
		t.Error("restored note differs")
	}
	if _, err := os.Stat(filepath.Join(f.root, "stale")); err == nil {
		t.Error("local junk survived the restore")
	}
}

func TestCheckSyncConvergence(t *testing.T) {
	f := newFixture(t)
	f.creds.users["alice"] = "pw"

	// diverged state: server holds an extra and an old version
	os.MkdirAll(filepath.Join(f.storage, "alice"), 0o755)
	os.WriteFile(filepath.Join(f.storage, "alice", "only_server.txt"), []byte("stale"), 0o644)
	os.WriteFile(filepath.Join(f.storage, "alice", "both.txt"), []byte("B2"), 0o644)
	writeLocal(t, f.root, "both.txt", "B1")
	writeLocal(t, f.root, "only_client.txt", "C")

	f.connectAndLogin(t, "alice", "pw", false)
	if err := f.eng.CheckSync(); err != nil {
		t.Fatalf("checksync: %v", err)
	}
	stop := f.runLoop()
	defer stop()

	waitFor(t, "converged server tree", func() bool {
		if !fileEquals(f.serverPath("alice", "both.txt"), []byte("B1")) {
			return false
		}
		if !fileEquals(f.serverPath("alice", "only_client.txt"), []byte("C")) {
			return false
		}
		_, err := os.Stat(f.serverPath("alice", "only_server.txt"))
		return err != nil
	})
}

func TestDuplicateLoginGetsAuthError(t *testing.T) {
	f := newFixture(t)
	f.creds.users["alice"] = "pw"
	os.MkdirAll(filepath.Join(f.storage, "alice"), 0o755)
	f.connectAndLogin(t, "alice", "pw", false)

	second := New(t.TempDir(), f.eng.addr, Options{ReconnectWait: 50 * time.Millisecond})
	t.Cleanup(second.Stop)
	if err := second.Connect(context.Background()); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	err := second.Login(Credentials{User: "alice", Pass: "pw"}, false)
	authErr, ok := err.(*AuthError)
	if !ok {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if authErr.Message != "Cannot login: user already connected" {
		t.Errorf("message = %q", authErr.Message)
	}
}

func TestPushThenRestoreRoundTrip(t *testing.T) {
	f := newFixture(t)
	writeLocal(t, f.root, "doc/τext ünicode.txt", "round trip me")
	writeLocal(t, f.root, "empty.bin", "")

	f.connectAndLogin(t, "alice", "pw", true)
	stop := f.runLoop()
	waitFor(t, "tree pushed", func() bool {
		return fileEquals(f.serverPath("alice", "doc/τext ünicode.txt"), []byte("round trip me")) &&
			fileEquals(f.serverPath("alice", "empty.bin"), nil)
	})
	stop()

	// fresh engine, wiped root, restore must rebuild byte for byte
	restored := New(t.TempDir(), f.eng.addr, Options{ReconnectWait: 50 * time.Millisecond})
	t.Cleanup(restored.Stop)
	// the first session's login slot frees once the server notices the
	// closed socket
	waitFor(t, "second login", func() bool {
		if err := restored.Connect(context.Background()); err != nil {
			return false
		}
		return restored.Login(Credentials{User: "alice", Pass: "pw"}, false) == nil
	})
	if err := restored.RunRestore(); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !fileEquals(filepath.Join(restored.root, "doc", "τext ünicode.txt"), []byte("round trip me")) {
		t.Error("unicode file did not round-trip")
	}
	if !fileEquals(filepath.Join(restored.root, "empty.bin"), nil) {
		t.Error("empty file did not round-trip")
	}
}

func TestSyntheticEventsDropWhenPathGone(t *testing.T) {
	f := newFixture(t)
	f.creds.users["alice"] = "pw"
	os.MkdirAll(filepath.Join(f.storage, "alice"), 0o755)
	f.connectAndLogin(t, "alice", "pw", false)

	// an event whose path never existed is skipped without touching the wire
	f.eng.events.Push(watch.Event{Path: filepath.Join(f.root, "never.txt"), Kind: watch.Created})
	writeLocal(t, f.root, "real.txt", "real")
	f.eng.events.Push(watch.Event{Path: filepath.Join(f.root, "real.txt"), Kind: watch.Created})

	stop := f.runLoop()
	defer stop()

	waitFor(t, "real.txt on server", func() bool {
		return fileEquals(f.serverPath("alice", "real.txt"), []byte("real"))
	})
	if _, err := os.Stat(f.serverPath("alice", "never.txt")); err == nil {
		t.Error("phantom event reached the server")
	}
}
