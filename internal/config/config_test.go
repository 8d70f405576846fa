package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadClientDefaults(t *testing.T) {
	c, err := LoadClient(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.LogLevel != "info" || c.PollDelay != "4s" || c.ReconnectWait != "5s" {
		t.Errorf("defaults = %+v", c)
	}
}

func TestLoadServerFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sbxd.yaml")
	os.WriteFile(path, []byte("log_level: debug\nconnection_limit: 7\n"), 0o644)

	s, err := LoadServer(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.LogLevel != "debug" || s.ConnectionLimit != 7 {
		t.Errorf("got %+v", s)
	}
	if s.DatabasePath != "Database/users.sqlite" {
		t.Errorf("database default = %q", s.DatabasePath)
	}
}

func TestLoadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(path, []byte("log_level: [unclosed"), 0o644)
	if _, err := LoadClient(path); err == nil {
		t.Error("parsed garbage yaml")
	}
}

func TestDuration(t *testing.T) {
	if d := Duration("250ms", time.Second); d != 250*time.Millisecond {
		t.Errorf("got %v", d)
	}
	if d := Duration("", time.Second); d != time.Second {
		t.Errorf("empty: got %v", d)
	}
	if d := Duration("nonsense", 2*time.Second); d != 2*time.Second {
		t.Errorf("malformed: got %v", d)
	}
	if d := Duration("-3s", time.Second); d != time.Second {
		t.Errorf("negative: got %v", d)
	}
}
