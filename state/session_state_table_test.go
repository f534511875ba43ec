package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/interviewpilot/devicesync/internal"
)

func boolPtr(b bool) *bool       { return &b }
func strPtr(s string) *string    { return &s }

func TestSessionStateTable(t *testing.T) {
	db, close := connectToDB(t)
	defer close()
	sessionID := "sess_state_basic"
	deviceA := "device_a"
	deviceB := "device_b"
	table := NewSessionStateTable(db)

	// no state yet
	_, err := table.Select(sessionID)
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("Select on missing state: got %v want sql.ErrNoRows", err)
	}
	row, err := table.SelectOrDefault(sessionID)
	assertNoError(t, err)
	assertVal(t, "default version", row.Version, int64(0))

	// first mutation creates the row lazily at version 1
	row, err = table.ApplyUpdate(sessionID, &StateUpdate{
		IsRecording: boolPtr(true),
	}, deviceA)
	assertNoError(t, err)
	assertVal(t, "version after first update", row.Version, int64(1))
	assertVal(t, "is_recording", row.IsRecording, true)
	assertVal(t, "last updated device", row.LastUpdatedFromDevice, deviceA)

	// partial update leaves absent fields unchanged
	row, err = table.ApplyUpdate(sessionID, &StateUpdate{
		CurrentQuestion: strPtr("Tell me about a hard bug you fixed."),
		FloatingPosition: json.RawMessage(`{"x":120,"y":48}`),
	}, deviceB)
	assertNoError(t, err)
	assertVal(t, "version after second update", row.Version, int64(2))
	assertVal(t, "is_recording retained", row.IsRecording, true)
	assertVal(t, "question", row.CurrentQuestionText, "Tell me about a hard bug you fixed.")
	assertVal(t, "last updated device", row.LastUpdatedFromDevice, deviceB)
	if string(row.FloatingPosition) != `{"x": 120, "y": 48}` && string(row.FloatingPosition) != `{"x":120,"y":48}` {
		t.Errorf("floating position: got %s", string(row.FloatingPosition))
	}
}

// After N successful updates the version is exactly N more than before,
// regardless of how the calls interleave across devices.
func TestSessionStateVersionArithmetic(t *testing.T) {
	db, closeDB := connectToDB(t)
	defer closeDB()
	sessionID := "sess_state_arith"
	table := NewSessionStateTable(db)

	const n = 20
	var wg sync.WaitGroup
	successes := make(chan int64, n)
	conflicts := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			row, err := table.ApplyUpdate(sessionID, &StateUpdate{
				IsStreaming: boolPtr(i%2 == 0),
			}, "device_arith")
			if err != nil {
				conflicts <- err
				return
			}
			successes <- row.Version
		}(i)
	}
	wg.Wait()
	close(successes)
	close(conflicts)

	for err := range conflicts {
		if !internal.IsConflict(err) {
			t.Errorf("non-conflict error from concurrent update: %s", err)
		}
	}
	numSuccess := len(successes)
	seen := make(map[int64]bool)
	for v := range successes {
		if seen[v] {
			t.Errorf("version %d returned by two successful updates", v)
		}
		seen[v] = true
	}
	row, err := table.Select(sessionID)
	assertNoError(t, err)
	assertVal(t, "final version equals success count", row.Version, int64(numSuccess))
}

// Two writers racing from the same observed version: exactly one wins, the
// other gets Conflict. Forced deterministically by bumping the version behind
// the second writer's back.
func TestSessionStateConflict(t *testing.T) {
	db, close := connectToDB(t)
	defer close()
	sessionID := "sess_state_conflict"
	table := NewSessionStateTable(db)

	_, err := table.ApplyUpdate(sessionID, &StateUpdate{IsRecording: boolPtr(true)}, "device_1")
	assertNoError(t, err)

	// simulate the loser: read version 1, then have someone else commit version 2
	// before our conditional write lands
	var stolen SessionStateRow
	err = db.Get(&stolen, `UPDATE devicesync_session_state SET version = version + 1 WHERE session_id = $1 RETURNING *`, sessionID)
	assertNoError(t, err)
	res, err := db.Exec(`
	UPDATE devicesync_session_state SET version = version + 1
	WHERE session_id = $1 AND version = $2`, sessionID, stolen.Version-1)
	assertNoError(t, err)
	n, err := res.RowsAffected()
	assertNoError(t, err)
	assertVal(t, "stale conditional update affects no rows", n, int64(0))

	// the table surfaces that as Conflict via the racing-writers path: a fresh
	// ApplyUpdate still works since it re-reads the current version
	row, err := table.ApplyUpdate(sessionID, &StateUpdate{IsRecording: boolPtr(false)}, "device_2")
	assertNoError(t, err)
	assertVal(t, "version continues from stored value", row.Version, stolen.Version+1)
}
