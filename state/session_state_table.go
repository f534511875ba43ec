package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/interviewpilot/devicesync/internal"
	"github.com/interviewpilot/devicesync/sqlutil"
)

// SessionStateRow is the single mutable state record for a session. The version
// column increases by exactly 1 per successful mutation and is the compare value
// for the conditional update in ApplyUpdate.
type SessionStateRow struct {
	SessionID             string          `db:"session_id" json:"sessionId"`
	CurrentQuestionText   string          `db:"current_question_text" json:"currentQuestion"`
	CurrentAnswerText     string          `db:"current_answer_text" json:"currentAnswer"`
	IsStreaming           bool            `db:"is_streaming" json:"isStreaming"`
	IsRecording           bool            `db:"is_recording" json:"isRecording"`
	IsAnswerHidden        bool            `db:"is_answer_hidden" json:"isAnswerHidden"`
	FloatingPosition      json.RawMessage `db:"floating_position" json:"floatingPosition"`
	FloatingCollapsed     bool            `db:"floating_collapsed" json:"floatingCollapsed"`
	MobileViewMode        string          `db:"mobile_view_mode" json:"mobileViewMode"`
	Version               int64           `db:"version" json:"version"`
	LastUpdatedAt         time.Time       `db:"last_updated_at" json:"lastUpdatedAt"`
	LastUpdatedFromDevice string          `db:"last_updated_from_device" json:"lastUpdatedFromDevice"`
}

// StateUpdate is a partial update to a session's state. Nil fields are left
// unchanged by ApplyUpdate.
type StateUpdate struct {
	CurrentQuestion   *string         `json:"currentQuestion,omitempty"`
	CurrentAnswer     *string         `json:"currentAnswer,omitempty"`
	IsStreaming       *bool           `json:"isStreaming,omitempty"`
	IsRecording       *bool           `json:"isRecording,omitempty"`
	IsAnswerHidden    *bool           `json:"isAnswerHidden,omitempty"`
	FloatingPosition  json.RawMessage `json:"floatingPosition,omitempty"`
	FloatingCollapsed *bool           `json:"floatingCollapsed,omitempty"`
	MobileViewMode    *string         `json:"mobileViewMode,omitempty"`
}

// Empty returns true if the update would not modify any field.
func (u *StateUpdate) Empty() bool {
	return u.CurrentQuestion == nil && u.CurrentAnswer == nil && u.IsStreaming == nil &&
		u.IsRecording == nil && u.IsAnswerHidden == nil && len(u.FloatingPosition) == 0 &&
		u.FloatingCollapsed == nil && u.MobileViewMode == nil
}

type SessionStateTable struct {
	db *sqlx.DB
}

func NewSessionStateTable(db *sqlx.DB) *SessionStateTable {
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS devicesync_session_state (
		session_id TEXT NOT NULL PRIMARY KEY,
		current_question_text TEXT NOT NULL DEFAULT '',
		current_answer_text TEXT NOT NULL DEFAULT '',
		is_streaming BOOL NOT NULL DEFAULT FALSE,
		is_recording BOOL NOT NULL DEFAULT FALSE,
		is_answer_hidden BOOL NOT NULL DEFAULT FALSE,
		floating_position JSONB NOT NULL DEFAULT '{}',
		floating_collapsed BOOL NOT NULL DEFAULT FALSE,
		mobile_view_mode TEXT NOT NULL DEFAULT '',
		version BIGINT NOT NULL DEFAULT 0,
		last_updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_updated_from_device TEXT NOT NULL DEFAULT ''
	);
	-- Rows are updated in place on every state mutation; leave slack for HOT updates.
	ALTER TABLE devicesync_session_state SET (fillfactor = 90);
	`)
	return &SessionStateTable{db}
}

// Select returns the state for this session, or sql.ErrNoRows if no device has
// ever mutated it.
func (t *SessionStateTable) Select(sessionID string) (*SessionStateRow, error) {
	var row SessionStateRow
	err := t.db.Get(&row, `SELECT * FROM devicesync_session_state WHERE session_id=$1`, sessionID)
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// SelectOrDefault is Select but returns a zero-version row when the session has
// no state yet, which is what the wire protocol wants for FULL_SYNC.
func (t *SessionStateTable) SelectOrDefault(sessionID string) (*SessionStateRow, error) {
	row, err := t.Select(sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return &SessionStateRow{
			SessionID:        sessionID,
			FloatingPosition: json.RawMessage(`{}`),
		}, nil
	}
	return row, err
}

// ApplyUpdate merges the partial update into the stored state via a single
// conditional UPDATE: the write only happens if the version is still the one
// read at the start of the transaction, and bumps it by exactly 1. A concurrent
// writer winning the race surfaces as a Conflict error; the caller must resync
// rather than have us retry on stale data.
//
// The row is created lazily at version 0 on the first mutation for a session.
func (t *SessionStateTable) ApplyUpdate(sessionID string, update *StateUpdate, sourceDeviceID string) (*SessionStateRow, error) {
	var row SessionStateRow
	err := sqlutil.WithTransaction(t.db, func(txn *sqlx.Tx) error {
		_, err := txn.Exec(
			`INSERT INTO devicesync_session_state(session_id) VALUES($1) ON CONFLICT (session_id) DO NOTHING`,
			sessionID,
		)
		if err != nil {
			return fmt.Errorf("failed to ensure state row: %w", err)
		}
		var version int64
		if err := txn.QueryRow(
			`SELECT version FROM devicesync_session_state WHERE session_id=$1`, sessionID,
		).Scan(&version); err != nil {
			return fmt.Errorf("failed to read state version: %w", err)
		}
		err = txn.Get(&row, `
		UPDATE devicesync_session_state SET
			current_question_text = COALESCE($3, current_question_text),
			current_answer_text = COALESCE($4, current_answer_text),
			is_streaming = COALESCE($5, is_streaming),
			is_recording = COALESCE($6, is_recording),
			is_answer_hidden = COALESCE($7, is_answer_hidden),
			floating_position = COALESCE($8::jsonb, floating_position),
			floating_collapsed = COALESCE($9, floating_collapsed),
			mobile_view_mode = COALESCE($10, mobile_view_mode),
			version = version + 1,
			last_updated_at = NOW(),
			last_updated_from_device = $11
		WHERE session_id = $1 AND version = $2
		RETURNING *`,
			sessionID, version,
			update.CurrentQuestion, update.CurrentAnswer,
			update.IsStreaming, update.IsRecording, update.IsAnswerHidden,
			nullableJSON(update.FloatingPosition), update.FloatingCollapsed,
			update.MobileViewMode, sourceDeviceID,
		)
		if errors.Is(err, sql.ErrNoRows) {
			// a concurrent writer bumped the version between our read and write
			return internal.NewConflictError(
				fmt.Errorf("session %s: state version %d is stale", sessionID, version),
			)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	internal.Assert("version incremented", row.Version > 0)
	return &row, nil
}

// nullableJSON maps an absent JSON fragment to SQL NULL so COALESCE keeps the
// stored value.
func nullableJSON(j json.RawMessage) interface{} {
	if len(j) == 0 {
		return nil
	}
	return []byte(j)
}
