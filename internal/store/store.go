package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/thomaker/blendforge/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	identity    TEXT PRIMARY KEY,
	description TEXT NOT NULL,
	code        TEXT NOT NULL,
	image       BLOB,
	status      TEXT NOT NULL,
	last_reason TEXT NOT NULL DEFAULT '',
	confidence  REAL NOT NULL DEFAULT 0,
	seq         INTEGER NOT NULL,
	updated_at  TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_records_seq ON records(seq);
CREATE INDEX IF NOT EXISTS idx_records_status ON records(status);

CREATE TABLE IF NOT EXISTS publish_cursor (
	id       INTEGER PRIMARY KEY CHECK (id = 1),
	position INTEGER NOT NULL
);
`

// ErrNotFound is returned when no record exists for an identity.
var ErrNotFound = errors.New("record not found")

// Store is the durable checkpoint database. Every terminal outcome is
// upserted here; restarts consult it to skip already-accepted entities, and
// the publisher reads accepted records in completion order.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the checkpoint database at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint database: %w", err)
	}

	// SQLite allows a single writer; serialize access through one connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize checkpoint schema: %w", err)
	}

	logger.Debug("Checkpoint store opened", "path", path)
	return &Store{db: db, logger: logger.With("component", "store")}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// IsAccepted reports whether identity already has an accepted record. Used
// for skip-on-restart; exhausted records return false so re-runs retry them.
func (s *Store) IsAccepted(identity string) (bool, error) {
	var status models.RecordStatus
	err := s.db.QueryRow(`SELECT status FROM records WHERE identity = ?`, identity).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query record status: %w", err)
	}
	return status == models.StatusAccepted, nil
}

// Upsert writes a terminal record. A new completion sequence number is
// assigned on every write, so a previously exhausted entity that later gets
// accepted re-enters the publish order at the tail. The single INSERT makes
// the write atomic; a crash leaves either the old row or the new one.
func (s *Store) Upsert(rec *models.Record) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`
		INSERT INTO records (identity, description, code, image, status, last_reason, confidence, seq, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM records), ?)
		ON CONFLICT(identity) DO UPDATE SET
			description = excluded.description,
			code        = excluded.code,
			image       = excluded.image,
			status      = excluded.status,
			last_reason = excluded.last_reason,
			confidence  = excluded.confidence,
			seq         = excluded.seq,
			updated_at  = excluded.updated_at`,
		rec.Identity, rec.Description, rec.Code, rec.Image,
		rec.Status, rec.LastReason, rec.Confidence, now)
	if err != nil {
		return fmt.Errorf("failed to upsert record %q: %w", rec.Identity, err)
	}

	s.logger.Debug("Record checkpointed", "identity", rec.Identity, "status", rec.Status)
	return nil
}

// Get returns the record for identity, or ErrNotFound.
func (s *Store) Get(identity string) (*models.Record, error) {
	rec, err := scanRecord(s.db.QueryRow(`
		SELECT identity, description, code, image, status, last_reason, confidence, seq
		FROM records WHERE identity = ?`, identity))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load record %q: %w", identity, err)
	}
	return rec, nil
}

// AcceptedAfter returns up to limit accepted records with seq greater than
// after, oldest completion first. This is the publisher's read path.
func (s *Store) AcceptedAfter(after int64, limit int) ([]models.Record, error) {
	rows, err := s.db.Query(`
		SELECT identity, description, code, image, status, last_reason, confidence, seq
		FROM records
		WHERE status = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?`, models.StatusAccepted, after, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query accepted records: %w", err)
	}
	defer rows.Close()

	var records []models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// Cursor returns the seq of the last published record, 0 if nothing has been
// published yet.
func (s *Store) Cursor() (int64, error) {
	var position int64
	err := s.db.QueryRow(`SELECT position FROM publish_cursor WHERE id = 1`).Scan(&position)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read publish cursor: %w", err)
	}
	return position, nil
}

// SetCursor durably advances the publish cursor. Called only after a batch
// has been delivered, so a crash between delivery and this write re-delivers
// the batch (at-least-once).
func (s *Store) SetCursor(position int64) error {
	_, err := s.db.Exec(`
		INSERT INTO publish_cursor (id, position) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET position = excluded.position`, position)
	if err != nil {
		return fmt.Errorf("failed to set publish cursor: %w", err)
	}
	return nil
}

// Counts returns the number of accepted and exhausted records.
func (s *Store) Counts() (accepted, exhausted int, err error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM records GROUP BY status`)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status models.RecordStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return 0, 0, fmt.Errorf("failed to scan count: %w", err)
		}
		switch status {
		case models.StatusAccepted:
			accepted = n
		case models.StatusExhausted:
			exhausted = n
		}
	}
	return accepted, exhausted, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*models.Record, error) {
	var rec models.Record
	if err := row.Scan(&rec.Identity, &rec.Description, &rec.Code, &rec.Image,
		&rec.Status, &rec.LastReason, &rec.Confidence, &rec.Seq); err != nil {
		return nil, err
	}
	return &rec, nil
}
