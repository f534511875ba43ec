package state

import (
	"os"
	"testing"

	"github.com/jmoiron/sqlx"

	"github.com/interviewpilot/devicesync/testutils"
)

var postgresConnectionString = "user=xxxxx dbname=devicesync_test sslmode=disable"

func TestMain(m *testing.M) {
	postgresConnectionString = testutils.PrepareDBConnectionString()
	exitCode := m.Run()
	os.Exit(exitCode)
}

func connectToDB(t *testing.T) (*sqlx.DB, func()) {
	db, err := sqlx.Open("postgres", postgresConnectionString)
	if err != nil {
		t.Fatalf("failed to open SQL db: %s", err)
	}
	return db, func() {
		db.Close()
	}
}

func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
}

func assertVal(t *testing.T, msg string, got, want interface{}) {
	t.Helper()
	if got != want {
		t.Errorf("%s: got %v want %v", msg, got, want)
	}
}
