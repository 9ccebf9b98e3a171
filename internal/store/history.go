package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/lancachemanager/opsd/internal/ops"
)

// fixed width, so that text order is time order
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// OperationRecord is one row of the operations table.
type OperationRecord struct {
	ID         string  `db:"id"`
	Type       string  `db:"type"`
	Label      string  `db:"label"`
	Status     string  `db:"status"`
	Message    string  `db:"message"`
	Percent    float64 `db:"percent"`
	Metadata   string  `db:"metadata"`
	StartedAt  string  `db:"started_at"`
	FinishedAt string  `db:"finished_at"`
}

func recordOf(s ops.Snapshot) (OperationRecord, error) {
	meta := []byte("{}")
	if len(s.Metadata) > 0 {
		var err error
		meta, err = json.Marshal(s.Metadata)
		if err != nil {
			return OperationRecord{}, err
		}
	}
	return OperationRecord{
		ID:         string(s.ID),
		Type:       string(s.Type),
		Label:      s.Label,
		Status:     string(s.Status),
		Message:    s.Message,
		Percent:    s.Progress.Percent,
		Metadata:   string(meta),
		StartedAt:  s.StartedAt.UTC().Format(timeFormat),
		FinishedAt: s.FinishedAt.UTC().Format(timeFormat),
	}, nil
}

func (r OperationRecord) Snapshot() (ops.Snapshot, error) {
	s := ops.Snapshot{
		ID:       ops.ID(r.ID),
		Type:     ops.Type(r.Type),
		Label:    r.Label,
		Status:   ops.Status(r.Status),
		Message:  r.Message,
		Progress: ops.Progress{Percent: r.Percent, Message: r.Message},
	}
	var err error
	if s.StartedAt, err = time.Parse(timeFormat, r.StartedAt); err != nil {
		return ops.Snapshot{}, fmt.Errorf("parsing started_at: %w", err)
	}
	if s.FinishedAt, err = time.Parse(timeFormat, r.FinishedAt); err != nil {
		return ops.Snapshot{}, fmt.Errorf("parsing finished_at: %w", err)
	}
	if r.Metadata != "" && r.Metadata != "{}" {
		if err := json.Unmarshal([]byte(r.Metadata), &s.Metadata); err != nil {
			return ops.Snapshot{}, fmt.Errorf("parsing metadata: %w", err)
		}
	}
	return s, nil
}

// History persists terminal operations, so their status outlives the
// tracker's memory and a restart.
type History struct {
	db *sqlx.DB
}

func NewHistory(db *sqlx.DB) *History {
	return &History{db: db}
}

func (h *History) Save(ctx context.Context, s ops.Snapshot) error {
	rec, err := recordOf(s)
	if err != nil {
		return err
	}
	_, err = h.db.NamedExecContext(ctx,
		`INSERT INTO operations (id, type, label, status, message, percent, metadata, started_at, finished_at)
		 VALUES (:id, :type, :label, :status, :message, :percent, :metadata, :started_at, :finished_at)
		 ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			message = excluded.message,
			percent = excluded.percent,
			finished_at = excluded.finished_at`,
		rec,
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	return nil
}

// Load returns the saved operation, ok is false when id is unknown.
func (h *History) Load(ctx context.Context, id ops.ID) (ops.Snapshot, bool, error) {
	var rec OperationRecord
	err := h.db.GetContext(ctx, &rec, `SELECT * FROM operations WHERE id = ?`, string(id))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ops.Snapshot{}, false, nil
	case err != nil:
		return ops.Snapshot{}, false, fmt.Errorf("executing sql query failed: %w", err)
	}
	s, err := rec.Snapshot()
	if err != nil {
		return ops.Snapshot{}, false, err
	}
	return s, true, nil
}

// Recent returns up to limit operations, most recently finished first.
func (h *History) Recent(ctx context.Context, limit int) ([]ops.Snapshot, error) {
	var recs []OperationRecord
	err := h.db.SelectContext(ctx, &recs,
		`SELECT * FROM operations ORDER BY finished_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	out := make([]ops.Snapshot, 0, len(recs))
	for _, rec := range recs {
		s, err := rec.Snapshot()
		if err != nil {
			return nil, fmt.Errorf("operation %s: %w", rec.ID, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// Prune deletes all but the keep most recent operations.
func (h *History) Prune(ctx context.Context, keep int) (int64, error) {
	res, err := h.db.ExecContext(ctx,
		`DELETE FROM operations WHERE id NOT IN (
			SELECT id FROM operations ORDER BY finished_at DESC LIMIT ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("executing sql delete failed: %w", err)
	}
	return res.RowsAffected()
}
