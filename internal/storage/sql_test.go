package storage

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	logx "tgsender/pkg/logx"
)

func TestRebind(t *testing.T) {
	t.Parallel()

	q := `DELETE FROM kv WHERE key = ? AND value = ?`
	if got := dialectSQLite.rebind(q); got != q {
		t.Fatalf("sqlite rebind changed query: %s", got)
	}
	if got := dialectPostgres.rebind(q); got != `DELETE FROM kv WHERE key = $1 AND value = $2` {
		t.Fatalf("postgres rebind: %s", got)
	}
}

func TestSQLStore_Postgres(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	s := newSQLStore(db, dialectPostgres, logx.Nop())
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO kv(key, value, updated_at) VALUES($1, $2, $3)`)).
		WithArgs("ledger", []byte(`{}`), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT value FROM kv WHERE key = $1`)).
		WithArgs("ledger").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow([]byte(`{}`)))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT value FROM kv WHERE key = $1`)).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"value"}))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM kv WHERE key = $1 AND value = $2`)).
		WithArgs("scheduled_broadcast", []byte(`slot`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM kv WHERE key = $1`)).
		WithArgs("ledger").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.Set(ctx, "ledger", []byte(`{}`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, ok, err := s.Get(ctx, "ledger")
	if err != nil || !ok || string(v) != `{}` {
		t.Fatalf("get: v=%s ok=%v err=%v", v, ok, err)
	}
	if _, ok, err := s.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("missing: ok=%v err=%v", ok, err)
	}
	claimed, err := s.DeleteIf(ctx, "scheduled_broadcast", []byte(`slot`))
	if err != nil || claimed {
		t.Fatalf("deleteIf lost race: claimed=%v err=%v", claimed, err)
	}
	if err := s.Remove(ctx, "ledger"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSQLStore_Migrate(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS kv`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := newSQLStore(db, dialectPostgres, logx.Nop()).migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
