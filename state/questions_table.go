package state

import (
	"time"

	"github.com/jmoiron/sqlx"
)

// QuestionRow is one question/answer pair captured during a session. Rows are
// append-only: offline replay inserts new rows directly with no version check
// since each is a brand new entity.
type QuestionRow struct {
	ID             int64     `db:"id" json:"id"`
	SessionID      string    `db:"session_id" json:"sessionId"`
	QuestionText   string    `db:"question_text" json:"questionText"`
	AnswerText     string    `db:"answer_text" json:"answerText"`
	ResponseTimeMS int64     `db:"response_time_ms" json:"responseTimeMs"`
	CreatedAt      time.Time `db:"created_at" json:"createdAt"`
}

type QuestionsTable struct {
	db *sqlx.DB
}

func NewQuestionsTable(db *sqlx.DB) *QuestionsTable {
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS devicesync_questions (
		id BIGSERIAL PRIMARY KEY,
		session_id TEXT NOT NULL,
		question_text TEXT NOT NULL,
		answer_text TEXT NOT NULL DEFAULT '',
		response_time_ms BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS devicesync_questions_session_idx
		ON devicesync_questions(session_id, created_at);
	`)
	return &QuestionsTable{db}
}

func (t *QuestionsTable) Insert(row *QuestionRow) error {
	return t.db.QueryRow(`
	INSERT INTO devicesync_questions(session_id, question_text, answer_text, response_time_ms)
	VALUES($1, $2, $3, $4) RETURNING id`,
		row.SessionID, row.QuestionText, row.AnswerText, row.ResponseTimeMS,
	).Scan(&row.ID)
}

// SelectForSession returns the session's questions oldest first, as shipped in
// FULL_SYNC.
func (t *QuestionsTable) SelectForSession(sessionID string) ([]QuestionRow, error) {
	var rows []QuestionRow
	err := t.db.Select(&rows, `
	SELECT * FROM devicesync_questions
	WHERE session_id = $1 ORDER BY created_at ASC, id ASC`, sessionID)
	return rows, err
}
