package ticket

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/h1v3-io/triage/pkg/protocol"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ticket store: open: %w", err)
	}

	// Enable WAL mode for better concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("ticket store: wal: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS outcomes (
			request_id      TEXT PRIMARY KEY,
			status          TEXT NOT NULL,
			description     TEXT NOT NULL DEFAULT '',
			user_info       TEXT NOT NULL DEFAULT '{}',
			analysis        TEXT NOT NULL DEFAULT '',
			solution        TEXT NOT NULL DEFAULT '',
			error           TEXT NOT NULL DEFAULT '',
			processing_time REAL NOT NULL DEFAULT 0,
			created_at      TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS outcome_messages (
			request_id TEXT NOT NULL REFERENCES outcomes(request_id),
			seq        INTEGER NOT NULL,
			role       TEXT NOT NULL,
			content    TEXT NOT NULL,
			PRIMARY KEY (request_id, seq)
		);

		CREATE INDEX IF NOT EXISTS idx_outcomes_status ON outcomes(status);
		CREATE INDEX IF NOT EXISTS idx_outcomes_created_at ON outcomes(created_at);
	`)
	if err != nil {
		return fmt.Errorf("ticket store: migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Save(rec *Record) error {
	o := rec.Outcome
	if o.RequestID == "" {
		return fmt.Errorf("ticket store: save: request id is required")
	}
	userInfo, _ := json.Marshal(rec.UserInfo)
	if rec.UserInfo == nil {
		userInfo = []byte("{}")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("ticket store: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO outcomes (request_id, status, description, user_info, analysis, solution, error, processing_time, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(request_id) DO UPDATE SET
			status=excluded.status, description=excluded.description, user_info=excluded.user_info,
			analysis=excluded.analysis, solution=excluded.solution, error=excluded.error,
			processing_time=excluded.processing_time
	`, o.RequestID, string(o.Status), rec.Description, string(userInfo), o.Analysis, o.Solution,
		rec.Error, o.ProcessingTime, o.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("ticket store: save: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM outcome_messages WHERE request_id = ?`, o.RequestID); err != nil {
		return fmt.Errorf("ticket store: save transcript: %w", err)
	}
	for i, m := range o.Transcript {
		if _, err := tx.Exec(`INSERT INTO outcome_messages (request_id, seq, role, content) VALUES (?, ?, ?, ?)`,
			o.RequestID, i, m.Role, m.Content); err != nil {
			return fmt.Errorf("ticket store: save transcript: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ticket store: commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(requestID string) (*Record, error) {
	row := s.db.QueryRow(`SELECT `+recordColumns+` FROM outcomes WHERE request_id = ?`, requestID)

	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, requestID)
		}
		return nil, fmt.Errorf("ticket store: get: %w", err)
	}

	transcript, err := s.loadTranscript(requestID)
	if err != nil {
		return nil, err
	}
	rec.Outcome.Transcript = transcript
	return rec, nil
}

func (s *SQLiteStore) List(filter Filter) ([]*Record, error) {
	where, args := filter.where()
	query := "SELECT " + recordColumns + " FROM outcomes" + where + " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("ticket store: list: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("ticket store: list scan: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) Count(filter Filter) (int, error) {
	where, args := filter.where()
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM outcomes"+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("ticket store: count: %w", err)
	}
	return count, nil
}

// Prune deletes records created before cutoff, transcripts included, and
// returns how many were removed.
func (s *SQLiteStore) Prune(cutoff time.Time) (int, error) {
	ts := cutoff.UTC().Format(timeLayout)
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("ticket store: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM outcome_messages WHERE request_id IN
		(SELECT request_id FROM outcomes WHERE created_at < ?)`, ts); err != nil {
		return 0, fmt.Errorf("ticket store: prune transcripts: %w", err)
	}
	res, err := tx.Exec(`DELETE FROM outcomes WHERE created_at < ?`, ts)
	if err != nil {
		return 0, fmt.Errorf("ticket store: prune: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("ticket store: commit: %w", err)
	}
	return int(n), nil
}

// DB returns the underlying database connection (for testing or direct access).
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- helpers ---

// timeLayout has a fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const recordColumns = "request_id, status, description, user_info, analysis, solution, error, processing_time, created_at"

func (f Filter) where() (string, []any) {
	clause := " WHERE 1=1"
	var args []any
	if f.Status != nil {
		clause += " AND status = ?"
		args = append(args, string(*f.Status))
	}
	if !f.Since.IsZero() {
		clause += " AND created_at >= ?"
		args = append(args, f.Since.UTC().Format(timeLayout))
	}
	if f.Query != "" {
		clause += " AND (description LIKE ? OR analysis LIKE ? OR solution LIKE ?)"
		pattern := fmt.Sprintf("%%%s%%", f.Query)
		args = append(args, pattern, pattern, pattern)
	}
	return clause, args
}

func (s *SQLiteStore) loadTranscript(requestID string) ([]protocol.TranscriptEntry, error) {
	rows, err := s.db.Query(`SELECT role, content FROM outcome_messages WHERE request_id = ? ORDER BY seq`, requestID)
	if err != nil {
		return nil, fmt.Errorf("ticket store: load transcript: %w", err)
	}
	defer rows.Close()

	entries := []protocol.TranscriptEntry{}
	for rows.Next() {
		var e protocol.TranscriptEntry
		if err := rows.Scan(&e.Role, &e.Content); err != nil {
			return nil, fmt.Errorf("ticket store: scan transcript: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(s scannable) (*Record, error) {
	var (
		rec                      Record
		status, userInfo, create string
	)
	err := s.Scan(&rec.Outcome.RequestID, &status, &rec.Description, &userInfo,
		&rec.Outcome.Analysis, &rec.Outcome.Solution, &rec.Error, &rec.Outcome.ProcessingTime, &create)
	if err != nil {
		return nil, err
	}
	rec.Outcome.Status = protocol.OutcomeStatus(status)
	json.Unmarshal([]byte(userInfo), &rec.UserInfo)
	rec.Outcome.CreatedAt, _ = time.Parse(timeLayout, create)
	return &rec, nil
}
