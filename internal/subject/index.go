// Package subject keeps the catalogue of campaign activities a ticket can be
// about, together with their description embeddings, and finds the activities
// closest to a ticket.
package subject

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	_ "modernc.org/sqlite"
)

// Activity is one catalogue entry. Code is the subject code the ticket is
// ultimately classified under.
type Activity struct {
	Code        string
	Description string
	Embedding   []float64
	UpdatedAt   time.Time
}

// Match is an activity returned by a search with its query similarity.
type Match struct {
	Activity
	Score float64
}

// ErrDimension is returned when vectors of different sizes are compared.
var ErrDimension = errors.New("embedding dimension mismatch")

// SQLiteIndex stores activities and their embeddings in SQLite and searches
// them in memory.
type SQLiteIndex struct {
	db *sql.DB
}

// OpenSQLiteIndex opens (or creates) an index database and runs migrations.
func OpenSQLiteIndex(path string) (*SQLiteIndex, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("subject index: open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("subject index: wal: %w", err)
	}

	idx := &SQLiteIndex{db: db}
	if err := idx.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (x *SQLiteIndex) migrate() error {
	_, err := x.db.Exec(`
		CREATE TABLE IF NOT EXISTS activities (
			code        TEXT PRIMARY KEY,
			description TEXT NOT NULL,
			dims        INTEGER NOT NULL,
			embedding   BLOB NOT NULL,
			updated_at  TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("subject index: migrate: %w", err)
	}
	return nil
}

// Upsert stores activities, replacing entries with the same code.
func (x *SQLiteIndex) Upsert(ctx context.Context, activities []Activity) error {
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("subject index: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO activities (code, description, dims, embedding, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET
			description=excluded.description, dims=excluded.dims,
			embedding=excluded.embedding, updated_at=excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("subject index: prepare: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, a := range activities {
		if a.Code == "" || len(a.Embedding) == 0 {
			return fmt.Errorf("subject index: activity %q needs a code and an embedding", a.Code)
		}
		if _, err := stmt.ExecContext(ctx, a.Code, a.Description, len(a.Embedding),
			encodeVector(a.Embedding), now.Format(time.RFC3339)); err != nil {
			return fmt.Errorf("subject index: upsert %s: %w", a.Code, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("subject index: commit: %w", err)
	}
	return nil
}

// Count returns the number of stored activities.
func (x *SQLiteIndex) Count(ctx context.Context) (int, error) {
	var n int
	if err := x.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM activities").Scan(&n); err != nil {
		return 0, fmt.Errorf("subject index: count: %w", err)
	}
	return n, nil
}

// All returns every stored activity ordered by code.
func (x *SQLiteIndex) All(ctx context.Context) ([]Activity, error) {
	rows, err := x.db.QueryContext(ctx, "SELECT code, description, embedding, updated_at FROM activities ORDER BY code")
	if err != nil {
		return nil, fmt.Errorf("subject index: list: %w", err)
	}
	defer rows.Close()

	var out []Activity
	for rows.Next() {
		var (
			a       Activity
			blob    []byte
			updated string
		)
		if err := rows.Scan(&a.Code, &a.Description, &blob, &updated); err != nil {
			return nil, fmt.Errorf("subject index: scan: %w", err)
		}
		a.Embedding = decodeVector(blob)
		a.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
		out = append(out, a)
	}
	return out, rows.Err()
}

// Search returns up to opts.K activities chosen by maximal marginal
// relevance among the opts.FetchK most similar to query.
func (x *SQLiteIndex) Search(ctx context.Context, query []float64, opts SearchOptions) ([]Match, error) {
	all, err := x.All(ctx)
	if err != nil {
		return nil, err
	}
	return MMR(query, all, opts)
}

// Close closes the database.
func (x *SQLiteIndex) Close() error {
	return x.db.Close()
}

func encodeVector(v []float64) []byte {
	buf := make([]byte, 8*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float64 {
	v := make([]float64, len(b)/8)
	for i := range v {
		v[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[8*i:]))
	}
	return v
}
