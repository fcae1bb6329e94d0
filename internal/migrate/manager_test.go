package migrate

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"go.uber.org/zap"
)

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
}

func newTestManager(t *testing.T, dir string) (*Manager, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewManager(db, dir, WithMigrationsTable("test_migrations"), WithLogger(zap.NewNop())), mock
}

func TestUpAppliesPendingInOrder(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"0001_schema.up.sql":   "create schema ts_auth; create table ts_auth.role (uuid uuid);",
		"0001_schema.down.sql": "drop schema ts_auth cascade;",
		"01HZX_perms.up.sql":   "insert into ts_auth.permission values ('a;b');",
		"01HZX_perms.down.sql": "delete from ts_auth.permission;",
		"README.md":            "ignored",
	})
	m, mock := newTestManager(t, dir)

	mock.ExpectExec("create table if not exists test_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from test_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_schema.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("insert into ts_auth.permission values").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into test_migrations").WithArgs("01HZX_perms.up.sql", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	applied, err := m.Up(context.Background())
	if err != nil {
		t.Fatalf("Up: %v", err)
	}
	if !reflect.DeepEqual(applied, []string{"01HZX_perms.up.sql"}) {
		t.Fatalf("applied = %v", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDownRollsBackLatest(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"0001_schema.up.sql":   "create schema ts_auth;",
		"0001_schema.down.sql": "drop schema ts_auth cascade;",
	})
	m, mock := newTestManager(t, dir)

	mock.ExpectExec("create table if not exists test_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from test_migrations order by applied_at").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_schema.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("drop schema ts_auth cascade").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("delete from test_migrations where name").WithArgs("0001_schema.up.sql").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	name, err := m.Down(context.Background())
	if err != nil || name != "0001_schema.up.sql" {
		t.Fatalf("Down = %q, %v", name, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDownWithoutHistory(t *testing.T) {
	m, mock := newTestManager(t, t.TempDir())
	mock.ExpectExec("create table if not exists").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from test_migrations").WillReturnRows(sqlmock.NewRows([]string{"name"}))
	if _, err := m.Down(context.Background()); err == nil {
		t.Fatal("expected error when nothing is applied")
	}
}

func TestStatus(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"0001_schema.up.sql": "select 1;",
		"0002_next.up.sql":   "select 2;",
	})
	m, mock := newTestManager(t, dir)
	mock.ExpectExec("create table if not exists").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from test_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_schema.up.sql").AddRow("0000_gone.up.sql"))

	entries, err := m.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	want := []Entry{
		{Name: "0000_gone.up.sql", Applied: true},
		{Name: "0001_schema.up.sql", Applied: true},
		{Name: "0002_next.up.sql", Applied: false},
	}
	if !reflect.DeepEqual(entries, want) {
		t.Fatalf("Status = %+v", entries)
	}
}

func TestSplitStatements(t *testing.T) {
	got := splitStatements("insert into t values ('a;b'); select 1;\n")
	if len(got) != 2 || got[0] != "insert into t values ('a;b');" {
		t.Fatalf("unexpected split: %q", got)
	}
}
