// Package library keeps a SQLite ledger of every segment handed off for
// encoding and what became of it.
package library

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schema string

// ErrNotFound is returned when no recording has the requested id.
var ErrNotFound = errors.New("recording not found")

// Status of a recording.
type Status string

const (
	StatusPending Status = "pending"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Recording is one ledger row.
type Recording struct {
	ID         string    `json:"id"`
	TrackID    string    `json:"track_id"`
	Title      string    `json:"title"`
	Artist     string    `json:"artist"`
	Album      string    `json:"album"`
	RawPath    string    `json:"raw_path"`
	OutputPath string    `json:"output_path,omitempty"`
	SampleRate int       `json:"sample_rate"`
	Bytes      int64     `json:"bytes"`
	Status     Status    `json:"status"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Store is the SQLite-backed ledger.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the ledger at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	// WAL keeps API reads from blocking the processor's writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Add inserts r as pending and returns its new id.
func (s *Store) Add(ctx context.Context, r Recording) (string, error) {
	id := uuid.NewString()
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recordings (id, track_id, title, artist, album, raw_path, sample_rate, bytes, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, r.TrackID, r.Title, r.Artist, r.Album, r.RawPath, r.SampleRate, r.Bytes, StatusPending, now, now)
	if err != nil {
		return "", fmt.Errorf("insert recording: %w", err)
	}
	return id, nil
}

// MarkDone records the encoded output path.
func (s *Store) MarkDone(ctx context.Context, id, outputPath string) error {
	return s.update(ctx, id, StatusDone, outputPath, "")
}

// MarkFailed records why encoding failed.
func (s *Store) MarkFailed(ctx context.Context, id, reason string) error {
	return s.update(ctx, id, StatusFailed, "", reason)
}

func (s *Store) update(ctx context.Context, id string, st Status, out, reason string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE recordings SET status = ?, output_path = ?, error = ?, updated_at = ? WHERE id = ?",
		st, out, reason, s.now(), id)
	if err != nil {
		return fmt.Errorf("update recording %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const selectCols = `SELECT id, track_id, title, artist, album, raw_path, output_path,
	sample_rate, bytes, status, error, created_at, updated_at FROM recordings`

// Get returns one recording.
func (s *Store) Get(ctx context.Context, id string) (Recording, error) {
	row := s.db.QueryRowContext(ctx, selectCols+" WHERE id = ?", id)
	r, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Recording{}, ErrNotFound
	}
	return r, err
}

// Recent returns up to limit recordings, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Recording, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, selectCols+" ORDER BY created_at DESC, rowid DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("query recordings: %w", err)
	}
	defer rows.Close()

	out := []Recording{}
	for rows.Next() {
		r, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recordings: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(sc scanner) (Recording, error) {
	var r Recording
	var st string
	err := sc.Scan(&r.ID, &r.TrackID, &r.Title, &r.Artist, &r.Album, &r.RawPath, &r.OutputPath,
		&r.SampleRate, &r.Bytes, &st, &r.Error, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("scan recording: %w", err)
	}
	r.Status = Status(st)
	return r, nil
}
