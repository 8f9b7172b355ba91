// Package history keeps a session journal of pushed alerts and applied
// aggregate snapshots in SQLite. The default database is ":memory:", so the
// journal lives exactly as long as the process.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/rewired-gh/biaswatch/internal/models"
)

// Kind identifies which aggregate a snapshot record describes.
type Kind string

const (
	KindDashboard Kind = "dashboard"
	KindClusters  Kind = "clusters"
)

// AlertRecord is one journaled alert
type AlertRecord struct {
	ID         string    `json:"id"`
	Seq        uint64    `json:"seq"`
	Alert      string    `json:"alert"`
	ReceivedAt time.Time `json:"received_at"`
}

// SnapshotRecord summarizes one snapshot the store accepted
type SnapshotRecord struct {
	ID             string        `json:"id"`
	Kind           Kind          `json:"kind"`
	Seq            uint64        `json:"seq"`
	Source         models.Source `json:"source,omitempty"`
	Items          int           `json:"items"`
	TotalResponses int           `json:"total_responses"`
	AppliedAt      time.Time     `json:"applied_at"`
}

// Journal is the SQLite-backed session journal
type Journal struct {
	db         *sql.DB
	maxRecords int
	now        func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS alerts (
	id          TEXT PRIMARY KEY,
	seq         INTEGER NOT NULL,
	message     TEXT NOT NULL,
	received_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS snapshots (
	id              TEXT PRIMARY KEY,
	kind            TEXT NOT NULL,
	seq             INTEGER NOT NULL,
	source          TEXT NOT NULL DEFAULT '',
	items           INTEGER NOT NULL,
	total_responses INTEGER NOT NULL,
	applied_at      INTEGER NOT NULL
);
`

// Open opens (and for file paths creates) the journal. Each table is trimmed
// to the newest maxRecords rows on insert.
func Open(path string, maxRecords int) (*Journal, error) {
	if maxRecords < 1 {
		return nil, fmt.Errorf("maxRecords must be at least 1, got %d", maxRecords)
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating journal directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	// Every pooled connection to ":memory:" would see its own empty database.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging journal: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting pragma: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &Journal{db: db, maxRecords: maxRecords, now: time.Now}, nil
}

// Close closes the database
func (j *Journal) Close() error {
	return j.db.Close()
}

// RecordAlert journals one alert event.
func (j *Journal) RecordAlert(ctx context.Context, ev models.AlertEvent) (AlertRecord, error) {
	rec := AlertRecord{
		ID:         uuid.New().String(),
		Seq:        ev.Seq,
		Alert:      ev.Alert,
		ReceivedAt: ev.ReceivedAt,
	}
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = j.now()
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return AlertRecord{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO alerts (id, seq, message, received_at) VALUES (?, ?, ?, ?)`,
		rec.ID, int64(rec.Seq), rec.Alert, rec.ReceivedAt.UnixNano(),
	); err != nil {
		return AlertRecord{}, fmt.Errorf("inserting alert: %w", err)
	}
	if err := trim(ctx, tx, "alerts", j.maxRecords); err != nil {
		return AlertRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return AlertRecord{}, fmt.Errorf("commit: %w", err)
	}
	return rec, nil
}

// RecordSnapshot journals a summary of an applied snapshot. ID and AppliedAt
// are filled in when empty.
func (j *Journal) RecordSnapshot(ctx context.Context, rec SnapshotRecord) (SnapshotRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.AppliedAt.IsZero() {
		rec.AppliedAt = j.now()
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return SnapshotRecord{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots (id, kind, seq, source, items, total_responses, applied_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, string(rec.Kind), int64(rec.Seq), string(rec.Source), rec.Items, rec.TotalResponses, rec.AppliedAt.UnixNano(),
	); err != nil {
		return SnapshotRecord{}, fmt.Errorf("inserting snapshot: %w", err)
	}
	if err := trim(ctx, tx, "snapshots", j.maxRecords); err != nil {
		return SnapshotRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return SnapshotRecord{}, fmt.Errorf("commit: %w", err)
	}
	return rec, nil
}

// Recent returns up to limit alerts, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]AlertRecord, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, seq, message, received_at FROM alerts ORDER BY rowid DESC LIMIT ?`, clampLimit(limit, j.maxRecords))
	if err != nil {
		return nil, fmt.Errorf("querying alerts: %w", err)
	}
	defer rows.Close()

	out := []AlertRecord{}
	for rows.Next() {
		var (
			rec     AlertRecord
			seq, at int64
		)
		if err := rows.Scan(&rec.ID, &seq, &rec.Alert, &at); err != nil {
			return nil, fmt.Errorf("scanning alert: %w", err)
		}
		rec.Seq = uint64(seq)
		rec.ReceivedAt = time.Unix(0, at)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Snapshots returns up to limit snapshot summaries, newest first.
func (j *Journal) Snapshots(ctx context.Context, limit int) ([]SnapshotRecord, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, kind, seq, source, items, total_responses, applied_at
		 FROM snapshots ORDER BY rowid DESC LIMIT ?`, clampLimit(limit, j.maxRecords))
	if err != nil {
		return nil, fmt.Errorf("querying snapshots: %w", err)
	}
	defer rows.Close()

	out := []SnapshotRecord{}
	for rows.Next() {
		var (
			rec          SnapshotRecord
			kind, source string
			seq, at      int64
		)
		if err := rows.Scan(&rec.ID, &kind, &seq, &source, &rec.Items, &rec.TotalResponses, &at); err != nil {
			return nil, fmt.Errorf("scanning snapshot: %w", err)
		}
		rec.Kind = Kind(kind)
		rec.Source = models.Source(source)
		rec.Seq = uint64(seq)
		rec.AppliedAt = time.Unix(0, at)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func trim(ctx context.Context, tx *sql.Tx, table string, keep int) error {
	// table is one of two constants, never user input
	q := fmt.Sprintf(`DELETE FROM %s WHERE rowid NOT IN (SELECT rowid FROM %s ORDER BY rowid DESC LIMIT ?)`, table, table)
	if _, err := tx.ExecContext(ctx, q, keep); err != nil {
		return fmt.Errorf("trimming %s: %w", table, err)
	}
	return nil
}

func clampLimit(limit, ceiling int) int {
	if limit <= 0 || limit > ceiling {
		return ceiling
	}
	return limit
}
