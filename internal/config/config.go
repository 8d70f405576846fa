package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Client holds sbx settings persisted in sbx.yaml (or wherever --config
// points). Every field has a working default; the file is optional.
type Client struct {
	LogLevel      string `yaml:"log_level,omitempty"`
	LogFile       string `yaml:"log_file,omitempty"`
	PollDelay     string `yaml:"poll_delay,omitempty"`     // e.g. "4s"
	ReconnectWait string `yaml:"reconnect_wait,omitempty"` // e.g. "5s"
}

// Server holds sbxd settings (sbxd.yaml).
type Server struct {
	LogLevel        string `yaml:"log_level,omitempty"`
	LogFile         string `yaml:"log_file,omitempty"`
	DatabasePath    string `yaml:"database_path,omitempty"`
	ConnectionLimit int    `yaml:"connection_limit,omitempty"`
}

// LoadClient reads path, tolerating a missing file.
func LoadClient(path string) (*Client, error) {
	c := &Client{}
	if err := load(path, c); err != nil {
		return nil, err
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.PollDelay == "" {
		c.PollDelay = "4s"
	}
	if c.ReconnectWait == "" {
		c.ReconnectWait = "5s"
	}
	return c, nil
}

// LoadServer reads path, tolerating a missing file.
func LoadServer(path string) (*Server, error) {
	s := &Server{}
	if err := load(path, s); err != nil {
		return nil, err
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
	if s.DatabasePath == "" {
		s.DatabasePath = "Database/users.sqlite"
	}
	if s.ConnectionLimit <= 0 {
		s.ConnectionLimit = 50
	}
	return s, nil
}

func load(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Duration parses a config duration string, falling back when empty or
// malformed.
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
