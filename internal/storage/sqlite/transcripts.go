package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/kfurukawa/voicebridge/pkg/logger"
)

// Import logger functions
var (
	String = logger.String
	Error  = logger.Error
)

// TranscriptRecord represents a transcript record in the database
type TranscriptRecord struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"timestamp"`
	Content   string    `json:"text"`
	IsFinal   bool      `json:"is_final"`
}

// TranscriptStorage handles storage of transcript records
type TranscriptStorage struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewTranscriptStorage creates a new SQLite transcript storage
func NewTranscriptStorage(db *sql.DB, logger *logger.Logger) *TranscriptStorage {
	storage := &TranscriptStorage{
		db:     db,
		logger: logger.Named("sqlite-tx"),
	}

	if err := storage.initDB(); err != nil {
		logger.Error("Failed to initialize transcript storage", Error(err))
	}

	return storage
}

// initDB initializes the database tables
func (s *TranscriptStorage) initDB() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS transcripts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			content TEXT NOT NULL,
			is_final BOOLEAN NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create transcripts table: %w", err)
	}

	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_session_id ON transcripts(session_id)`)
	if err != nil {
		return fmt.Errorf("failed to create session_id index: %w", err)
	}

	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_created_at ON transcripts(created_at)`)
	if err != nil {
		return fmt.Errorf("failed to create created_at index: %w", err)
	}

	return nil
}

// StoreTranscript stores a transcript record
func (s *TranscriptStorage) StoreTranscript(record *TranscriptRecord) (int64, error) {
	result, err := s.db.Exec(
		`INSERT INTO transcripts
		(session_id, created_at, content, is_final)
		VALUES (?, ?, ?, ?)`,
		record.SessionID,
		record.CreatedAt.Format(time.RFC3339),
		record.Content,
		record.IsFinal,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert transcript: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID: %w", err)
	}

	return id, nil
}

// GetTranscripts returns all transcripts with pagination
func (s *TranscriptStorage) GetTranscripts(limit, offset int) ([]*TranscriptRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, created_at, content, is_final
		FROM transcripts
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query transcripts: %w", err)
	}
	defer rows.Close()

	return scanTranscripts(rows)
}

// GetTranscriptsBySession returns transcripts for a specific session
func (s *TranscriptStorage) GetTranscriptsBySession(sessionID string, limit, offset int) ([]*TranscriptRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, created_at, content, is_final
		FROM transcripts
		WHERE session_id = ?
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?`,
		sessionID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query transcripts by session: %w", err)
	}
	defer rows.Close()

	return scanTranscripts(rows)
}

// GetTranscriptsSince returns transcripts created at or after the given time
func (s *TranscriptStorage) GetTranscriptsSince(since time.Time, limit int) ([]*TranscriptRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, created_at, content, is_final
		FROM transcripts
		WHERE created_at >= ?
		ORDER BY created_at DESC
		LIMIT ?`,
		since.Format(time.RFC3339), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query transcripts since: %w", err)
	}
	defer rows.Close()

	return scanTranscripts(rows)
}

func scanTranscripts(rows *sql.Rows) ([]*TranscriptRecord, error) {
	var records []*TranscriptRecord
	for rows.Next() {
		var record TranscriptRecord
		var createdAt string

		if err := rows.Scan(
			&record.ID,
			&record.SessionID,
			&createdAt,
			&record.Content,
			&record.IsFinal,
		); err != nil {
			return nil, fmt.Errorf("failed to scan transcript: %w", err)
		}

		parsed, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse created_at: %w", err)
		}
		record.CreatedAt = parsed

		records = append(records, &record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transcripts: %w", err)
	}

	return records, nil
}
