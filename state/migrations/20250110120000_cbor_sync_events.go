package migrations

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/pressly/goose/v3"
)

// decode CBOR maps with string keys so they can be re-marshalled as JSON
var migrationDecMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]interface{}(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}()

func init() {
	goose.AddMigrationContext(upCborSyncEvents, downCborSyncEvents)
}

// Early deployments stored sync-event data as JSONB. The log is write-mostly
// diagnostics data, so re-encode it as CBOR to shrink the rows.
func upCborSyncEvents(ctx context.Context, tx *sql.Tx) error {
	// check if we even need to do anything
	var dataType string
	err := tx.QueryRow("select data_type from information_schema.columns where table_name = 'devicesync_sync_events' AND column_name = 'event_data'").Scan(&dataType)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// the table doesn't exist yet and will be created with the correct schema
			return nil
		}
		return err
	}
	if strings.ToLower(dataType) == "bytea" {
		return nil
	}

	_, err = tx.ExecContext(ctx, "ALTER TABLE IF EXISTS devicesync_sync_events ADD COLUMN IF NOT EXISTS event_datab BYTEA;")
	if err != nil {
		return err
	}

	rows, err := tx.Query("SELECT id, event_data FROM devicesync_sync_events")
	if err != nil {
		return err
	}
	defer rows.Close()

	jsonByID := make(map[int64][]byte)
	for rows.Next() {
		var id int64
		var data []byte
		if err = rows.Scan(&id, &data); err != nil {
			return err
		}
		jsonByID[id] = data
	}
	if rows.Err() != nil {
		return rows.Err()
	}

	for id, jsonBytes := range jsonByID {
		var v interface{}
		if err := json.Unmarshal(jsonBytes, &v); err != nil {
			return fmt.Errorf("failed to unmarshal JSON: %v -> %v", string(jsonBytes), err)
		}
		cborBytes, err := cbor.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal as CBOR: %v", err)
		}
		_, err = tx.ExecContext(ctx, "UPDATE devicesync_sync_events SET event_datab = $1 WHERE id = $2;", cborBytes, id)
		if err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, "ALTER TABLE IF EXISTS devicesync_sync_events DROP COLUMN IF EXISTS event_data;")
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, "ALTER TABLE IF EXISTS devicesync_sync_events RENAME COLUMN event_datab TO event_data;")
	return err
}

func downCborSyncEvents(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, "ALTER TABLE IF EXISTS devicesync_sync_events ADD COLUMN IF NOT EXISTS event_dataj JSONB;")
	if err != nil {
		return err
	}

	rows, err := tx.Query("SELECT id, event_data FROM devicesync_sync_events")
	if err != nil {
		return err
	}
	defer rows.Close()

	cborByID := make(map[int64][]byte)
	for rows.Next() {
		var id int64
		var data []byte
		if err = rows.Scan(&id, &data); err != nil {
			return err
		}
		cborByID[id] = data
	}
	if rows.Err() != nil {
		return rows.Err()
	}

	for id, cborBytes := range cborByID {
		var v interface{}
		if err := migrationDecMode.Unmarshal(cborBytes, &v); err != nil {
			return fmt.Errorf("failed to unmarshal CBOR: %v", err)
		}
		jsonBytes, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal as JSON: %v", err)
		}
		_, err = tx.ExecContext(ctx, "UPDATE devicesync_sync_events SET event_dataj = $1 WHERE id = $2;", jsonBytes, id)
		if err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, "ALTER TABLE IF EXISTS devicesync_sync_events DROP COLUMN IF EXISTS event_data;")
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, "ALTER TABLE IF EXISTS devicesync_sync_events RENAME COLUMN event_dataj TO event_data;")
	return err
}
