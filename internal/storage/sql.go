package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"strconv"
	"strings"
	"time"

	logx "tgsender/pkg/logx"
)

//go:embed schema/*.sql
var schemaFS embed.FS

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

func (d dialect) schemaFile() string {
	if d == dialectPostgres {
		return "schema/postgres.sql"
	}
	return "schema/sqlite.sql"
}

// rebind rewrites '?' placeholders to '$n' for postgres.
func (d dialect) rebind(q string) string {
	if d != dialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// sqlStore implements Store over a single kv table for both SQL drivers.
type sqlStore struct {
	db  *sql.DB
	d   dialect
	log logx.Logger
	now func() time.Time

	qGet, qSet, qRemove, qDeleteIf string
}

func newSQLStore(db *sql.DB, d dialect, log logx.Logger) *sqlStore {
	return &sqlStore{
		db:        db,
		d:         d,
		log:       log,
		now:       time.Now,
		qGet:      d.rebind(`SELECT value FROM kv WHERE key = ?`),
		qSet:      d.rebind(`INSERT INTO kv(key, value, updated_at) VALUES(?, ?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`),
		qRemove:   d.rebind(`DELETE FROM kv WHERE key = ?`),
		qDeleteIf: d.rebind(`DELETE FROM kv WHERE key = ? AND value = ?`),
	}
}

func (s *sqlStore) migrate(ctx context.Context) error {
	b, err := schemaFS.ReadFile(s.d.schemaFile())
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqlStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, ErrClosed
	}
	var v []byte
	err := s.db.QueryRowContext(ctx, s.qGet, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *sqlStore) Set(ctx context.Context, key string, value []byte) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx, s.qSet, key, value, s.now().UnixMilli())
	return err
}

func (s *sqlStore) Remove(ctx context.Context, key string) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx, s.qRemove, key)
	return err
}

func (s *sqlStore) DeleteIf(ctx context.Context, key string, expected []byte) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrClosed
	}
	res, err := s.db.ExecContext(ctx, s.qDeleteIf, key, expected)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
