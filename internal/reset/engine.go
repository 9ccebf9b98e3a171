package reset

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jmoiron/sqlx"
	"github.com/looplab/fsm"

	"github.com/lancachemanager/opsd/internal/notify"
	"github.com/lancachemanager/opsd/internal/ops"
)

var ErrTransaction = errors.New("reset transaction failed")

const (
	DefaultChunkSize  = 100_000
	DefaultChunkPause = 10 * time.Millisecond
)

// Progress bands of a reset run, in percent.
const (
	percentCounted  = 5.0
	percentDeleted  = 85.0
	percentCleanup  = 90.0
	percentFinished = 100.0
)

// SessionInvalidator drops authentication state held outside the
// database before UserSessions is cleared.
type SessionInvalidator interface {
	InvalidateSessions(ctx context.Context) error
}

type SessionInvalidatorFunc func(ctx context.Context) error

func (f SessionInvalidatorFunc) InvalidateSessions(ctx context.Context) error {
	return f(ctx)
}

type Options struct {
	ChunkSize  int
	ChunkPause time.Duration
	// DataDir holds the processing state files removed after LogEntries or
	// Downloads were cleared.
	DataDir string
	// DepotMappingFile is removed after SteamDepotMappings was cleared.
	DepotMappingFile string
	// Vacuum compacts the database after a full reset.
	Vacuum bool
}

type Progress struct {
	Percent float64
	State   string
	Table   string
	Message string
	Deleted int64
	Total   int64
}

type ProgressFunc func(ctx context.Context, p Progress)

type Result struct {
	Deleted      map[string]int64
	Total        int64
	FilesDeleted int
	State        string
}

type Engine struct {
	db           *sqlx.DB
	bus          notify.Broadcaster
	opts         Options
	invalidators []SessionInvalidator
	rowsDeleted  func(table string, rows int64)
}

func NewEngine(db *sqlx.DB, bus notify.Broadcaster, opts Options) *Engine {
	if bus == nil {
		bus = notify.Discard{}
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.ChunkPause < 0 {
		opts.ChunkPause = 0
	}
	return &Engine{db: db, bus: bus, opts: opts}
}

func (e *Engine) WithSessionInvalidators(invalidators ...SessionInvalidator) *Engine {
	e.invalidators = append(e.invalidators, invalidators...)
	return e
}

// WithRowsDeleted registers fn to be told about every committed deletion.
func (e *Engine) WithRowsDeleted(fn func(table string, rows int64)) *Engine {
	e.rowsDeleted = fn
	return e
}

// ResetAll clears every table and compacts the database.
func (e *Engine) ResetAll(ctx context.Context, onProgress ProgressFunc) (Result, error) {
	res, err := e.ResetTables(ctx, TableNames(), onProgress)
	if err != nil || !e.opts.Vacuum {
		return res, err
	}
	if _, err := e.db.ExecContext(context.WithoutCancel(ctx), "VACUUM"); err != nil {
		slog.WarnContext(ctx, "vacuum failed", "error", err)
	}
	return res, nil
}

// ResetTables clears the requested tables in one transaction. Either all of
// them are cleared or, on any error, none.
//
// Foreign keys are not enforced while the transaction runs. Rows of kept
// tables that reference a cleared table are nulled or deleted first, see
// Relations.
func (e *Engine) ResetTables(ctx context.Context, names []string, onProgress ProgressFunc) (Result, error) {
	plan, err := Plan(names)
	if err != nil {
		return Result{State: StateRolledBack}, err
	}
	r := &run{
		Engine:     e,
		plan:       plan,
		machine:    newMachine(),
		onProgress: onProgress,
		deleted:    make(map[string]int64, len(plan)),
	}
	return r.do(ctx)
}

type run struct {
	*Engine
	plan       []TableSpec
	machine    *fsm.FSM
	onProgress ProgressFunc
	counts     map[string]int64
	deleted    map[string]int64
	bands      map[string][2]float64
}

func (r *run) do(ctx context.Context) (Result, error) {
	r.progress(ctx, Progress{Percent: 0, Message: fmt.Sprintf("Resetting %d tables", len(r.plan))})

	transition(ctx, r.machine, eventCount)
	if err := r.count(ctx); err != nil {
		return r.fail(ctx, err)
	}
	r.progress(ctx, Progress{Percent: percentCounted, Total: r.totalRows(),
		Message: fmt.Sprintf("Found %s rows to delete", humanize.Comma(r.totalRows()))})

	if err := r.deleteAll(ctx); err != nil {
		return r.fail(ctx, err)
	}
	transition(ctx, r.machine, eventCommit)

	res := r.result()
	if r.rowsDeleted != nil {
		for table, n := range r.deleted {
			r.rowsDeleted(table, n)
		}
	}
	r.progress(ctx, Progress{Percent: percentDeleted, Deleted: res.Total, Message: "Cleaning up"})
	res.FilesDeleted = r.cleanup(ctx)
	r.progress(ctx, Progress{Percent: percentCleanup, Deleted: res.Total, Message: "Cleanup finished"})

	transition(ctx, r.machine, eventComplete)
	res.State = r.machine.Current()
	r.progress(ctx, Progress{Percent: percentFinished, Deleted: res.Total,
		Message: fmt.Sprintf("Deleted %s rows from %d tables", humanize.Comma(res.Total), len(r.plan))})
	return res, nil
}

// count reads the row counts in a read only transaction of its own,
// which is rolled back.
func (r *run) count(ctx context.Context) error {
	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return err
	}
	defer rollback(ctx, tx)

	r.counts = make(map[string]int64, len(r.plan))
	for _, t := range r.plan {
		var n int64
		if err := tx.GetContext(ctx, &n, fmt.Sprintf(`SELECT COUNT(*) FROM "%s"`, t.Name)); err != nil {
			return fmt.Errorf("counting %s: %w", t.Name, err)
		}
		r.counts[t.Name] = n
	}

	// every table gets a share of the deletion band proportional to its
	// rows, and at least one unit so empty tables still advance
	var weight float64
	for _, t := range r.plan {
		weight += float64(max(r.counts[t.Name], 1))
	}
	r.bands = make(map[string][2]float64, len(r.plan))
	start := percentCounted
	for _, t := range r.plan {
		width := (percentDeleted - percentCounted) * float64(max(r.counts[t.Name], 1)) / weight
		r.bands[t.Name] = [2]float64{start, start + width}
		start += width
	}
	return nil
}

func (r *run) deleteAll(ctx context.Context) error {
	conn, err := r.db.Connx(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := conn.Close(); err != nil {
			slog.WarnContext(ctx, "closing connection", "error", err)
		}
	}()

	// the pragma is a no-op inside a transaction
	if _, err := conn.ExecContext(ctx, "PRAGMA foreign_keys = OFF"); err != nil {
		return fmt.Errorf("disabling foreign keys: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.WithoutCancel(ctx), "PRAGMA foreign_keys = ON"); err != nil {
			slog.ErrorContext(ctx, "enabling foreign keys", "error", err)
		}
	}()

	tx, err := conn.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx)

	transition(ctx, r.machine, eventDelete)
	for _, rel := range dangling(r.plan) {
		if err := r.detach(ctx, tx, rel); err != nil {
			return err
		}
	}

	for _, t := range r.plan {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.before(ctx, tx, t); err != nil {
			return err
		}
		var n int64
		if t.Strategy == Batched {
			n, err = r.deleteBatched(ctx, tx, t)
		} else {
			n, err = r.deleteDirect(ctx, tx, t)
		}
		if err != nil {
			return fmt.Errorf("deleting %s: %w", t.Name, err)
		}
		r.deleted[t.Name] = n
		slog.InfoContext(ctx, "table cleared", "table", t.Name, "rows", n)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// detach clears references from a kept table into a cleared one.
func (r *run) detach(ctx context.Context, tx *sqlx.Tx, rel Relation) error {
	var q string
	switch rel.Action {
	case SetNull:
		q = fmt.Sprintf(`UPDATE "%s" SET "%s" = NULL WHERE "%s" IS NOT NULL`, rel.Table, rel.Column, rel.Column)
	case DeleteReferencing:
		q = fmt.Sprintf(`DELETE FROM "%s" WHERE "%s" IS NOT NULL`, rel.Table, rel.Column)
	}
	res, err := tx.ExecContext(ctx, q)
	if err != nil {
		return fmt.Errorf("detaching %s.%s: %w", rel.Table, rel.Column, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("detaching %s.%s: %w", rel.Table, rel.Column, err)
	}
	slog.DebugContext(ctx, "detached references", "table", rel.Table, "column", rel.Column, "references", rel.References, "rows", n)
	return nil
}

// before runs the table specific work that precedes the deletion.
func (r *run) before(ctx context.Context, tx *sqlx.Tx, t TableSpec) error {
	switch t.Name {
	case tableUserSessions:
		for _, inv := range r.invalidators {
			if err := inv.InvalidateSessions(ctx); err != nil {
				slog.WarnContext(ctx, "invalidating sessions", "error", err)
			}
		}
		// clients must log out now, not after the whole run
		r.bus.Publish(ctx, notify.Event{
			Topic:   notify.TopicSessionsInvalidated,
			Type:    string(ops.DatabaseReset),
			Message: "All sessions were invalidated",
			Time:    time.Now().UTC(),
		})
	case tableSteamDepotMappings:
		if _, err := tx.ExecContext(ctx,
			`UPDATE "Downloads" SET "GameAppId" = NULL, "GameName" = NULL WHERE "GameAppId" IS NOT NULL OR "GameName" IS NOT NULL`,
		); err != nil {
			return fmt.Errorf("clearing game information of downloads: %w", err)
		}
	}
	return nil
}

func (r *run) deleteDirect(ctx context.Context, tx *sqlx.Tx, t TableSpec) (int64, error) {
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM "%s"`, t.Name))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	band := r.bands[t.Name]
	r.progress(ctx, Progress{Percent: band[1], Table: t.Name, Deleted: n, Total: r.counts[t.Name],
		Message: fmt.Sprintf("Cleared %s", t.Name)})
	return n, nil
}

// deleteBatched deletes chunks bounded by the Id of the last row of the
// chunk, as sqlite has no DELETE ... LIMIT by default.
func (r *run) deleteBatched(ctx context.Context, tx *sqlx.Tx, t TableSpec) (int64, error) {
	q := fmt.Sprintf(
		`DELETE FROM "%[1]s" WHERE "Id" <= (SELECT MAX("Id") FROM (SELECT "Id" FROM "%[1]s" ORDER BY "Id" LIMIT ?))`,
		t.Name)
	band := r.bands[t.Name]
	total := r.counts[t.Name]

	var deleted int64
	for {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		res, err := tx.ExecContext(ctx, q, r.opts.ChunkSize)
		if err != nil {
			return deleted, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return deleted, err
		}
		if n == 0 {
			break
		}
		deleted += n

		pct := band[1]
		if total > 0 && deleted < total {
			pct = band[0] + (band[1]-band[0])*float64(deleted)/float64(total)
		}
		r.progress(ctx, Progress{Percent: pct, Table: t.Name, Deleted: deleted, Total: total,
			Message: fmt.Sprintf("Deleting %s: %s of %s rows", t.Name, humanize.Comma(deleted), humanize.Comma(total))})

		if r.opts.ChunkPause > 0 {
			select {
			case <-ctx.Done():
				return deleted, ctx.Err()
			case <-time.After(r.opts.ChunkPause):
			}
		}
	}
	return deleted, nil
}

// cleanup does the best effort work after commit.
func (r *run) cleanup(ctx context.Context) int {
	var files int
	if contains(r.plan, tableSteamDepotMappings) && r.opts.DepotMappingFile != "" {
		if removeFile(ctx, r.opts.DepotMappingFile) {
			files++
		}
	}
	if contains(r.plan, tableLogEntries) || contains(r.plan, tableDownloads) {
		files += removeArtifacts(ctx, r.opts.DataDir)
	}
	if contains(r.plan, tableUserPreferences) {
		r.bus.Publish(ctx, notify.Event{
			Topic:   notify.TopicPreferencesReset,
			Type:    string(ops.DatabaseReset),
			Message: "Preferences were reset",
			Time:    time.Now().UTC(),
		})
	}
	return files
}

func (r *run) fail(ctx context.Context, err error) (Result, error) {
	res := r.result()
	res.Deleted = map[string]int64{}
	res.Total = 0
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		transition(ctx, r.machine, eventCancel)
		res.State = r.machine.Current()
		slog.InfoContext(ctx, "reset cancelled, rolled back")
		return res, fmt.Errorf("reset: %w: %w", ops.ErrCancelled, err)
	}
	transition(ctx, r.machine, eventFail)
	res.State = r.machine.Current()
	slog.ErrorContext(ctx, "reset failed, rolled back", "error", err)
	return res, fmt.Errorf("%w: %w", ErrTransaction, err)
}

func (r *run) result() Result {
	res := Result{Deleted: make(map[string]int64, len(r.deleted))}
	for table, n := range r.deleted {
		res.Deleted[table] = n
		res.Total += n
	}
	return res
}

func (r *run) totalRows() int64 {
	var n int64
	for _, c := range r.counts {
		n += c
	}
	return n
}

func (r *run) progress(ctx context.Context, p Progress) {
	p.State = r.machine.Current()
	if r.onProgress != nil {
		r.onProgress(ctx, p)
	}
}

func rollback(ctx context.Context, tx *sqlx.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", "error", err)
	}
}
