package state

import (
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
)

// SyncQueueRow is one durable, not-yet-applied mutation a device buffered while
// offline. Sequence numbers are per-device monotonic and assigned client-side;
// together with the device ID they identify an item across resubmissions.
type SyncQueueRow struct {
	ID             int64           `db:"id" json:"id"`
	SessionID      string          `db:"session_id" json:"sessionId"`
	DeviceID       string          `db:"device_id" json:"deviceId"`
	SequenceNumber int64           `db:"sequence_number" json:"sequenceNumber"`
	Action         string          `db:"action" json:"action"`
	EntityType     string          `db:"entity_type" json:"entityType"`
	EntityID       string          `db:"entity_id" json:"entityId"`
	Payload        json.RawMessage `db:"payload" json:"payload"`
	ClientTS       int64           `db:"client_ts" json:"timestamp"`
	SyncedAt       *time.Time      `db:"synced_at" json:"syncedAt,omitempty"`
}

type SyncQueueTable struct {
	db *sqlx.DB
}

func NewSyncQueueTable(db *sqlx.DB) *SyncQueueTable {
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS devicesync_sync_queue (
		id BIGSERIAL PRIMARY KEY,
		session_id TEXT NOT NULL,
		device_id TEXT NOT NULL,
		sequence_number BIGINT NOT NULL,
		action TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL DEFAULT '',
		payload JSONB NOT NULL DEFAULT '{}',
		client_ts BIGINT NOT NULL DEFAULT 0,
		synced_at TIMESTAMPTZ,
		UNIQUE(device_id, session_id, sequence_number)
	);
	`)
	return &SyncQueueTable{db}
}

// Insert stores a pending item. Conflicting on (device, session, sequence)
// means the device resubmitted an item we already hold; the stored row wins.
func (t *SyncQueueTable) Insert(row *SyncQueueRow) error {
	if len(row.Payload) == 0 {
		row.Payload = json.RawMessage(`{}`)
	}
	_, err := t.db.Exec(`
	INSERT INTO devicesync_sync_queue(session_id, device_id, sequence_number, action, entity_type, entity_id, payload, client_ts)
	VALUES($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (device_id, session_id, sequence_number) DO NOTHING`,
		row.SessionID, row.DeviceID, row.SequenceNumber, row.Action, row.EntityType,
		row.EntityID, []byte(row.Payload), row.ClientTS,
	)
	return err
}

// MarkApplied records that this item has been processed, upserting the row so a
// replayed item submitted straight over the wire (never Inserted) still leaves
// a durable applied record. An already-applied row keeps its original synced_at.
func (t *SyncQueueTable) MarkApplied(row *SyncQueueRow) error {
	if len(row.Payload) == 0 {
		row.Payload = json.RawMessage(`{}`)
	}
	_, err := t.db.Exec(`
	INSERT INTO devicesync_sync_queue(session_id, device_id, sequence_number, action, entity_type, entity_id, payload, client_ts, synced_at)
	VALUES($1, $2, $3, $4, $5, $6, $7, $8, NOW())
	ON CONFLICT (device_id, session_id, sequence_number) DO UPDATE SET
		synced_at = COALESCE(devicesync_sync_queue.synced_at, NOW())`,
		row.SessionID, row.DeviceID, row.SequenceNumber, row.Action, row.EntityType,
		row.EntityID, []byte(row.Payload), row.ClientTS,
	)
	return err
}

// MaxAppliedSequence returns the highest sequence number already applied for
// this device on this session, or 0 if none. Replay uses this to reject
// duplicates instead of reapplying them.
func (t *SyncQueueTable) MaxAppliedSequence(sessionID, deviceID string) (int64, error) {
	var max int64
	err := t.db.QueryRow(`
	SELECT COALESCE(MAX(sequence_number), 0) FROM devicesync_sync_queue
	WHERE session_id = $1 AND device_id = $2 AND synced_at IS NOT NULL`,
		sessionID, deviceID,
	).Scan(&max)
	return max, err
}

// SelectPending returns up to limit unapplied items for the device, in sequence
// order.
func (t *SyncQueueTable) SelectPending(deviceID string, limit int) ([]SyncQueueRow, error) {
	var rows []SyncQueueRow
	err := t.db.Select(&rows, `
	SELECT * FROM devicesync_sync_queue
	WHERE device_id = $1 AND synced_at IS NULL
	ORDER BY sequence_number ASC LIMIT $2`, deviceID, limit)
	return rows, err
}
