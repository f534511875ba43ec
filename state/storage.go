package state

import (
	"os"

	"github.com/getsentry/sentry-go"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Storage bundles every table the sync engine persists to. Table constructors
// create their schema, so constructing a Storage on a fresh database is enough
// to bring it up.
type Storage struct {
	SessionState   *SessionStateTable
	DeviceSessions *DeviceSessionsTable
	SyncQueue      *SyncQueueTable
	SyncEvents     *SyncEventsTable
	Questions      *QuestionsTable
	DB             *sqlx.DB
}

func NewStorage(postgresURI string) *Storage {
	db, err := sqlx.Open("postgres", postgresURI)
	if err != nil {
		sentry.CaptureException(err)
		logger.Panic().Err(err).Str("uri", postgresURI).Msg("failed to open SQL DB")
	}
	return NewStorageWithDB(db)
}

func NewStorageWithDB(db *sqlx.DB) *Storage {
	return &Storage{
		SessionState:   NewSessionStateTable(db),
		DeviceSessions: NewDeviceSessionsTable(db),
		SyncQueue:      NewSyncQueueTable(db),
		SyncEvents:     NewSyncEventsTable(db),
		Questions:      NewQuestionsTable(db),
		DB:             db,
	}
}

// used in tests to close postgres connections
func (s *Storage) Teardown() {
	if err := s.DB.Close(); err != nil {
		logger.Panic().Err(err).Msg("failed to close postgres connection")
	}
}
