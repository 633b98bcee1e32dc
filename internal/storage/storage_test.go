package storage

import (
	"errors"
	"strings"
	"testing"
)

func TestLoadMigrations(t *testing.T) {
	migrations, err := loadMigrations()
	if err != nil {
		t.Fatal(err)
	}
	if len(migrations) < 2 {
		t.Fatalf("loaded %d migrations, want at least 2", len(migrations))
	}
	for i := 1; i < len(migrations); i++ {
		if migrations[i].Version <= migrations[i-1].Version {
			t.Errorf("migrations out of order: %d before %d",
				migrations[i-1].Version, migrations[i].Version)
		}
	}
	if migrations[0].Name != "create_auth_events" {
		t.Errorf("first migration = %s", migrations[0].Name)
	}
	if !strings.Contains(migrations[0].SQL, "auth_events") {
		t.Error("first migration does not create auth_events")
	}
}

func TestSplitStatements(t *testing.T) {
	sql := `
		-- leading comment
		CREATE TABLE a (x String) ENGINE = MergeTree() ORDER BY x;

		CREATE TABLE b (y String) ENGINE = MergeTree() ORDER BY y;
	`
	stmts := splitStatements(sql)
	if len(stmts) != 2 {
		t.Fatalf("got %d statements, want 2", len(stmts))
	}
	if !strings.HasPrefix(stmts[0], "CREATE TABLE a") {
		t.Errorf("first statement = %q", stmts[0])
	}
	if strings.Contains(stmts[0], "--") {
		t.Error("comment not stripped")
	}
}

func TestStorageError(t *testing.T) {
	err := WrapQueryError("Insert", "auth_events", errors.New("boom"))

	if !errors.Is(err, ErrQueryFailed) {
		t.Error("wrapped error should match ErrQueryFailed")
	}
	if !strings.Contains(err.Error(), "auth_events") {
		t.Errorf("error message %q should mention the table", err.Error())
	}

	var se *StorageError
	if !errors.As(err, &se) || se.Op != "Insert" {
		t.Errorf("errors.As failed or wrong op: %+v", se)
	}

	if !IsRetryable(WrapConnectionError("Open", errors.New("refused"))) {
		t.Error("connection errors should be retryable")
	}
	if IsRetryable(err) {
		t.Error("query errors should not be retryable")
	}
}

func TestSanitizeTableName(t *testing.T) {
	if got := sanitizeTableName("auth_events; DROP TABLE x"); got != "auth_eventsDROPTABLEx" {
		t.Errorf("sanitizeTableName = %q", got)
	}
}
