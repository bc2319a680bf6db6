package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema versions:
// 1 - device_frames and sale_outcomes
const currentSchemaVersion = 1

const timeLayout = time.RFC3339Nano

// Frame is one journaled device line.
type Frame struct {
	ID         int64     `json:"id"`
	RecordedAt time.Time `json:"recordedAt"`
	Direction  string    `json:"direction"`
	Tag        string    `json:"tag"`
	Raw        string    `json:"raw"`
}

// Outcome is one journaled sale result.
type Outcome struct {
	ID             int64     `json:"id"`
	RecordedAt     time.Time `json:"recordedAt"`
	IdempotencyKey string    `json:"idempotencyKey"`
	Status         string    `json:"status"`
	TransactionID  string    `json:"transactionId,omitempty"`
	Detail         string    `json:"detail,omitempty"`
}

// Journal is the local append-only audit log of device traffic and sale outcomes.
type Journal struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates or opens the journal database at path.
func Open(path string) (*Journal, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("journal: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("journal: create dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: connect: %w", err)
	}

	// SQLite has a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Journal{db: db, now: time.Now}, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	return j.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("journal: %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("journal: apply schema: %w", err)
	}
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("journal: get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("journal: schema version %d is newer than supported %d", version, currentSchemaVersion)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("journal: set user_version: %w", err)
	}
	return nil
}

// RecordFrame stores a device line.
func (j *Journal) RecordFrame(ctx context.Context, direction, tag, raw string) error {
	const query = `
		INSERT INTO device_frames (recorded_at, direction, tag, raw)
		VALUES (?, ?, ?, ?)
	`
	_, err := j.db.ExecContext(ctx, query, j.now().UTC().Format(timeLayout), direction, tag, raw)
	return err
}

// RecordOutcome stores the result of a sale attempt.
func (j *Journal) RecordOutcome(ctx context.Context, key, status, transactionID, detail string) error {
	const query = `
		INSERT INTO sale_outcomes (recorded_at, idempotency_key, status, transaction_id, detail)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := j.db.ExecContext(ctx, query, j.now().UTC().Format(timeLayout), key, status, transactionID, detail)
	return err
}

// RecentFrames returns up to limit frames, newest first.
func (j *Journal) RecentFrames(ctx context.Context, limit int) ([]Frame, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, recorded_at, direction, tag, raw
		FROM device_frames
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Frame
	for rows.Next() {
		var (
			f  Frame
			at string
		)
		if err := rows.Scan(&f.ID, &at, &f.Direction, &f.Tag, &f.Raw); err != nil {
			return nil, err
		}
		if f.RecordedAt, err = time.Parse(timeLayout, at); err != nil {
			return nil, fmt.Errorf("journal: frame %d timestamp: %w", f.ID, err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// Outcomes returns the recorded outcomes for key in recording order.
func (j *Journal) Outcomes(ctx context.Context, key string) ([]Outcome, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, recorded_at, idempotency_key, status, transaction_id, detail
		FROM sale_outcomes
		WHERE idempotency_key = ?
		ORDER BY id
	`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Outcome
	for rows.Next() {
		var (
			o  Outcome
			at string
		)
		if err := rows.Scan(&o.ID, &at, &o.IdempotencyKey, &o.Status, &o.TransactionID, &o.Detail); err != nil {
			return nil, err
		}
		if o.RecordedAt, err = time.Parse(timeLayout, at); err != nil {
			return nil, fmt.Errorf("journal: outcome %d timestamp: %w", o.ID, err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// PruneFrames deletes device frames older than retention and returns how many went.
// Sale outcomes are kept.
func (j *Journal) PruneFrames(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := j.now().UTC().Add(-retention).Format(timeLayout)
	res, err := j.db.ExecContext(ctx, `DELETE FROM device_frames WHERE recorded_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
