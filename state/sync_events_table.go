package state

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/jmoiron/sqlx"
)

// decode CBOR maps with string keys so the result can round-trip back to JSON
var eventDecMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]interface{}(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}()

// Audit event types written by the sync engine.
const (
	EventDeviceJoined    = "device_joined"
	EventDeviceLeft      = "device_left"
	EventAnswerStreaming = "answer_streaming"
	EventAnswerComplete  = "answer_complete"
	EventSyncFulfilled   = "sync_fulfilled"
	EventStaleDisconnect = "stale_disconnect"
)

// SyncEventRow is one append-only audit record. Event data is stored as CBOR;
// it is write-mostly diagnostics data so we optimise for row size, not
// queryability.
type SyncEventRow struct {
	ID        int64     `db:"id"`
	SessionID string    `db:"session_id"`
	DeviceID  string    `db:"device_id"`
	EventType string    `db:"event_type"`
	EventData []byte    `db:"event_data"`
	CreatedAt time.Time `db:"created_at"`
}

// Data decodes the stored CBOR back into JSON for diagnostics output.
func (r *SyncEventRow) Data() (json.RawMessage, error) {
	if len(r.EventData) == 0 {
		return json.RawMessage(`{}`), nil
	}
	var v interface{}
	if err := eventDecMode.Unmarshal(r.EventData, &v); err != nil {
		return nil, fmt.Errorf("failed to decode event data: %w", err)
	}
	return json.Marshal(v)
}

type SyncEventsTable struct {
	db *sqlx.DB
}

func NewSyncEventsTable(db *sqlx.DB) *SyncEventsTable {
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS devicesync_sync_events (
		id BIGSERIAL PRIMARY KEY,
		session_id TEXT NOT NULL,
		device_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		event_data BYTEA NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS devicesync_sync_events_session_idx
		ON devicesync_sync_events(session_id, created_at);
	`)
	return &SyncEventsTable{db}
}

// Insert appends one audit record, transcoding the JSON event data to CBOR.
// Callers treat failures as best-effort: this table must never be able to fail
// a primary operation.
func (t *SyncEventsTable) Insert(sessionID, deviceID, eventType string, data json.RawMessage) error {
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("invalid event data: %w", err)
	}
	encoded, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode event data: %w", err)
	}
	_, err = t.db.Exec(`
	INSERT INTO devicesync_sync_events(session_id, device_id, event_type, event_data)
	VALUES($1, $2, $3, $4)`,
		sessionID, deviceID, eventType, encoded,
	)
	return err
}

// SelectRecent returns the newest events for a session, for diagnostics only.
func (t *SyncEventsTable) SelectRecent(sessionID string, limit int) ([]SyncEventRow, error) {
	var rows []SyncEventRow
	err := t.db.Select(&rows, `
	SELECT * FROM devicesync_sync_events
	WHERE session_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`, sessionID, limit)
	return rows, err
}
