package userdb

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/calderat/syncbox/internal/hashing"
	"github.com/calderat/syncbox/internal/logger"
)

// DB is the credential store: one sqlite table mapping usernames to hashed
// passwords. Passwords are stored as base64 SHA-512 of the plaintext.
type DB struct {
	db  *sql.DB
	log *slog.Logger
}

// Open creates the database file (and its directory) on first use.
func Open(dsn string) (*DB, error) {
	if dir := filepath.Dir(dsn); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS users (
		username TEXT PRIMARY KEY,
		password TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create users table: %w", err)
	}
	logger.Channel("database").Info("user database opened", "path", dsn)
	return &DB{db: db, log: logger.Channel("database")}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Authenticate reports whether user exists with a matching password.
func (d *DB) Authenticate(user, pass string) (bool, error) {
	var stored string
	err := d.db.QueryRow("SELECT password FROM users WHERE username = ?", user).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query user %s: %w", user, err)
	}
	ok := stored == hashing.DigestString(pass)
	if !ok {
		d.log.Warn("password mismatch", "user", user)
	}
	return ok, nil
}

// Register creates the user row. Returns false when the username is taken.
func (d *DB) Register(user, pass string) (bool, error) {
	var count int
	if err := d.db.QueryRow("SELECT COUNT(*) FROM users WHERE username = ?", user).Scan(&count); err != nil {
		return false, fmt.Errorf("check user %s: %w", user, err)
	}
	if count > 0 {
		d.log.Info("user already exists", "user", user)
		return false, nil
	}
	if _, err := d.db.Exec("INSERT INTO users (username, password) VALUES (?, ?)",
		user, hashing.DigestString(pass)); err != nil {
		return false, fmt.Errorf("insert user %s: %w", user, err)
	}
	d.log.Info("user registered", "user", user)
	return true, nil
}
