package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/interviewpilot/devicesync/sqlutil"
)

// DeviceSessionRow associates one client device with one session, independent of
// any single network connection. Rows are never deleted: disconnects and stale
// evictions flip is_active so history is retained for diagnostics.
type DeviceSessionRow struct {
	UserID         string          `db:"user_id" json:"userId"`
	SessionID      string          `db:"session_id" json:"sessionId"`
	DeviceID       string          `db:"device_id" json:"deviceId"`
	DeviceType     string          `db:"device_type" json:"deviceType"`
	DeviceName     string          `db:"device_name" json:"deviceName"`
	Metadata       json.RawMessage `db:"metadata" json:"metadata"`
	IsActive       bool            `db:"is_active" json:"isActive"`
	ConnectedAt    time.Time       `db:"connected_at" json:"connectedAt"`
	LastHeartbeat  time.Time       `db:"last_heartbeat" json:"lastHeartbeat"`
	DisconnectedAt *time.Time      `db:"disconnected_at" json:"disconnectedAt,omitempty"`
}

// DeviceKey identifies a device session.
type DeviceKey struct {
	SessionID string `db:"session_id"`
	DeviceID  string `db:"device_id"`
}

type DeviceSessionsTable struct {
	db *sqlx.DB
}

func NewDeviceSessionsTable(db *sqlx.DB) *DeviceSessionsTable {
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS devicesync_device_sessions (
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		device_id TEXT NOT NULL,
		device_type TEXT NOT NULL DEFAULT 'web',
		device_name TEXT NOT NULL DEFAULT '',
		metadata JSONB NOT NULL DEFAULT '{}',
		is_active BOOL NOT NULL DEFAULT TRUE,
		connected_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_heartbeat TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		disconnected_at TIMESTAMPTZ,
		UNIQUE(session_id, device_id)
	);
	CREATE INDEX IF NOT EXISTS devicesync_device_sessions_heartbeat_idx
		ON devicesync_device_sessions(last_heartbeat) WHERE is_active;
	`)
	return &DeviceSessionsTable{db}
}

// Register upserts the device session: a first registration creates the row, a
// reconnect refreshes the heartbeat and reactivates it. Device IDs are stable
// across reconnects so (session_id, device_id) is the identity.
func (t *DeviceSessionsTable) Register(row *DeviceSessionRow) (*DeviceSessionRow, error) {
	if len(row.Metadata) == 0 {
		row.Metadata = json.RawMessage(`{}`)
	}
	var result DeviceSessionRow
	err := t.db.Get(&result, `
	INSERT INTO devicesync_device_sessions(user_id, session_id, device_id, device_type, device_name, metadata)
	VALUES($1, $2, $3, $4, $5, $6)
	ON CONFLICT (session_id, device_id) DO UPDATE SET
		user_id = $1, device_type = $4, device_name = $5,
		metadata = devicesync_device_sessions.metadata || $6::jsonb,
		is_active = TRUE, last_heartbeat = NOW(), disconnected_at = NULL
	RETURNING *`,
		row.UserID, row.SessionID, row.DeviceID, row.DeviceType, row.DeviceName, []byte(row.Metadata),
	)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Heartbeat refreshes the liveness timestamp and merges any telemetry the client
// piggybacked onto the heartbeat (network type, battery level) into the
// metadata blob. Returns false if the device session does not exist for this
// user.
func (t *DeviceSessionsTable) Heartbeat(userID, sessionID, deviceID string, telemetry json.RawMessage) (bool, error) {
	if len(telemetry) == 0 {
		telemetry = json.RawMessage(`{}`)
	}
	res, err := t.db.Exec(`
	UPDATE devicesync_device_sessions
	SET last_heartbeat = NOW(), metadata = metadata || $4::jsonb
	WHERE session_id = $1 AND device_id = $2 AND user_id = $3`,
		sessionID, deviceID, userID, []byte(telemetry),
	)
	if err != nil {
		return false, err
	}
	n, err := sqlutil.RowsAffected(res)
	return n > 0, err
}

// Disconnect marks the device session inactive. The row survives for history.
func (t *DeviceSessionsTable) Disconnect(userID, sessionID, deviceID string) error {
	_, err := t.db.Exec(`
	UPDATE devicesync_device_sessions
	SET is_active = FALSE, disconnected_at = NOW()
	WHERE session_id = $1 AND device_id = $2 AND user_id = $3`,
		sessionID, deviceID, userID,
	)
	return err
}

// IsRegistered reports whether this (session, device) pair exists under this
// user, active or not. Offline replay accepts items from devices that were
// registered but have since gone inactive.
func (t *DeviceSessionsTable) IsRegistered(userID, sessionID, deviceID string) (bool, error) {
	var one int
	err := t.db.QueryRow(`
	SELECT 1 FROM devicesync_device_sessions
	WHERE session_id = $1 AND device_id = $2 AND user_id = $3`,
		sessionID, deviceID, userID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// SelectForSession returns every device session ever registered on the session,
// most recent heartbeat first.
func (t *DeviceSessionsTable) SelectForSession(sessionID string) ([]DeviceSessionRow, error) {
	var rows []DeviceSessionRow
	err := t.db.Select(&rows, `
	SELECT * FROM devicesync_device_sessions
	WHERE session_id = $1 ORDER BY last_heartbeat DESC`, sessionID)
	return rows, err
}

// MarkStale flips every active device session whose heartbeat is older than the
// threshold and returns the evicted pairs. Safe to run concurrently with live
// traffic: a heartbeat arriving mid-sweep keeps its row active because the
// predicate re-evaluates under the row lock.
func (t *DeviceSessionsTable) MarkStale(olderThan time.Time) ([]DeviceKey, error) {
	var evicted []DeviceKey
	err := t.db.Select(&evicted, `
	UPDATE devicesync_device_sessions
	SET is_active = FALSE, disconnected_at = NOW()
	WHERE is_active = TRUE AND last_heartbeat < $1
	RETURNING session_id, device_id`, olderThan)
	return evicted, err
}
