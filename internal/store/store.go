package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/evolvedtroglodyte/therabridge/internal/types"
)

// ErrNotFound is returned when a session id has no row.
var ErrNotFound = errors.New("session not found")

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id               TEXT PRIMARY KEY,
	status           TEXT NOT NULL,
	transcript_json  TEXT,
	notes_json       TEXT,
	error_message    TEXT,
	duration_seconds REAL,
	processed_at     TIMESTAMP,
	created_at       TIMESTAMP NOT NULL
);
`

// Store persists sessions in sqlite. Terminal updates are single UPDATE
// statements, which gives the pipeline its atomic all-or-nothing write.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and ensures the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// sqlite allows one writer; serialize access instead of failing with
	// SQLITE_BUSY under concurrent pipeline runs.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSession inserts a new session in uploading state.
func (s *Store) CreateSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, status, created_at) VALUES (?, ?, ?)`,
		id, string(types.StatusUploading), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// SetStatus records an intermediate (non-terminal) pipeline stage.
func (s *Store) SetStatus(ctx context.Context, id string, status types.SessionStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	return checkFound(res)
}

// SaveProcessed writes the terminal processed state: segments, notes,
// duration, and processed_at land in one statement.
func (s *Store) SaveProcessed(ctx context.Context, id string, segments []types.TranscriptSegment, notes json.RawMessage, durationSeconds float64) error {
	if len(segments) == 0 {
		return errors.New("refusing to mark processed without segments")
	}
	transcriptJSON, err := json.Marshal(segments)
	if err != nil {
		return fmt.Errorf("encode segments: %w", err)
	}
	var notesJSON any
	if len(notes) > 0 {
		notesJSON = string(notes)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET status = ?, transcript_json = ?, notes_json = ?, error_message = NULL,
		    duration_seconds = ?, processed_at = ?
		WHERE id = ?`,
		string(types.StatusProcessed), string(transcriptJSON), notesJSON,
		durationSeconds, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("save processed: %w", err)
	}
	return checkFound(res)
}

// SaveFailed writes the terminal failed state. No segments are ever
// persisted for a failed session.
func (s *Store) SaveFailed(ctx context.Context, id, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET status = ?, error_message = ?, transcript_json = NULL, notes_json = NULL
		WHERE id = ?`,
		string(types.StatusFailed), errMsg, id,
	)
	if err != nil {
		return fmt.Errorf("save failed: %w", err)
	}
	return checkFound(res)
}

// GetSession loads one session row.
func (s *Store) GetSession(ctx context.Context, id string) (types.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, transcript_json, notes_json, error_message,
		       duration_seconds, processed_at, created_at
		FROM sessions WHERE id = ?`, id)

	var (
		sess           types.Session
		status         string
		transcriptJSON sql.NullString
		notesJSON      sql.NullString
		errMsg         sql.NullString
		duration       sql.NullFloat64
		processedAt    sql.NullTime
	)
	err := row.Scan(&sess.ID, &status, &transcriptJSON, &notesJSON, &errMsg,
		&duration, &processedAt, &sess.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Session{}, ErrNotFound
	}
	if err != nil {
		return types.Session{}, fmt.Errorf("get session: %w", err)
	}

	sess.Status = types.SessionStatus(status)
	if transcriptJSON.Valid && transcriptJSON.String != "" {
		if err := json.Unmarshal([]byte(transcriptJSON.String), &sess.TranscriptSegments); err != nil {
			return types.Session{}, fmt.Errorf("decode segments: %w", err)
		}
	}
	if notesJSON.Valid && notesJSON.String != "" {
		sess.ExtractedNotes = json.RawMessage(notesJSON.String)
	}
	if errMsg.Valid {
		sess.ErrorMessage = errMsg.String
	}
	if duration.Valid {
		sess.DurationSeconds = duration.Float64
	}
	if processedAt.Valid {
		t := processedAt.Time
		sess.ProcessedAt = &t
	}
	return sess, nil
}

func checkFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
