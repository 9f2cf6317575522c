package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	logx "tgsender/pkg/logx"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values: "memory" (default), "file", "sqlite", "postgres".
type Config struct {
	Driver      string
	Path        string        // file, sqlite
	DSN         string        // postgres
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the engine and the recipient directory.
type Store interface {
	// Get returns (nil, false, nil) for an absent key.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	// DeleteIf removes key only if its current value equals expected.
	// It reports whether the delete happened.
	DeleteIf(ctx context.Context, key string, expected []byte) (bool, error)
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "none", "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "pgx":
		return openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// GetJSON decodes the value at key into v. It reports false for an absent key.
func GetJSON(ctx context.Context, st Store, key string, v any) (bool, error) {
	b, ok, err := st.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return true, &CorruptError{Key: key, Err: err}
	}
	return true, nil
}

// SetJSON encodes v and stores it at key.
func SetJSON(ctx context.Context, st Store, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return st.Set(ctx, key, b)
}

// CorruptError reports a stored value that could not be decoded.
type CorruptError struct {
	Key string
	Err error
}

func (e *CorruptError) Error() string { return "storage: corrupt value at " + e.Key + ": " + e.Err.Error() }
func (e *CorruptError) Unwrap() error { return e.Err }
