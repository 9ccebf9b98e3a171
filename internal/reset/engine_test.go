package reset_test

import (
	"context"
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lancachemanager/opsd/internal/notify"
	"github.com/lancachemanager/opsd/internal/ops"
	"github.com/lancachemanager/opsd/internal/reset"
	"github.com/lancachemanager/opsd/internal/store"
	"github.com/stretchr/testify/require"
)

const logEntries = 250

func seeded(t *testing.T) *sqlx.DB {
	t.Helper()
	ctx := t.Context()
	db, err := store.Open(ctx, filepath.Join(t.TempDir(), "lancache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Migrate(ctx, db))

	tx := db.MustBeginTx(ctx, nil)
	tx.MustExecContext(ctx, `INSERT INTO UserSessions (DeviceId) VALUES ('dev-1'), ('dev-2')`)
	tx.MustExecContext(ctx, `INSERT INTO UserPreferences (SessionId, PreferenceKey, PreferenceValue) VALUES (1, 'theme', 'dark'), (2, 'theme', 'light')`)
	tx.MustExecContext(ctx, `INSERT INTO PrefillSessions (SessionId) VALUES (1)`)
	tx.MustExecContext(ctx, `INSERT INTO Downloads (Service, ClientIp, GameAppId, GameName) VALUES
		('steam', '10.0.0.1', 570, 'Dota 2'), ('steam', '10.0.0.2', 730, 'Counter-Strike 2'), ('epic', '10.0.0.3', NULL, NULL)`)
	for i := range logEntries {
		tx.MustExecContext(ctx, `INSERT INTO LogEntries (ClientIp, Service, DownloadId) VALUES ('10.0.0.1', 'steam', ?)`, i%3+1)
	}
	tx.MustExecContext(ctx, `INSERT INTO Events (Name) VALUES ('LAN party')`)
	tx.MustExecContext(ctx, `INSERT INTO EventDownloads (EventId, DownloadId) VALUES (1, 1), (1, 2)`)
	tx.MustExecContext(ctx, `INSERT INTO ClientGroups (Name) VALUES ('table 1')`)
	tx.MustExecContext(ctx, `INSERT INTO ClientGroupMembers (GroupId, ClientIp) VALUES (1, '10.0.0.1'), (1, '10.0.0.2')`)
	tx.MustExecContext(ctx, `INSERT INTO ClientStats (ClientIp) VALUES ('10.0.0.1')`)
	tx.MustExecContext(ctx, `INSERT INTO ServiceStats (Service) VALUES ('steam')`)
	tx.MustExecContext(ctx, `INSERT INTO SteamDepotMappings (DepotId, AppId, AppName) VALUES (571, 570, 'Dota 2'), (731, 730, 'Counter-Strike 2')`)
	tx.MustExecContext(ctx, `INSERT INTO CachedGameDetections (GameAppId, GameName) VALUES (570, 'Dota 2')`)
	tx.MustExecContext(ctx, `INSERT INTO CachedServiceDetections (ServiceName) VALUES ('steam')`)
	tx.MustExecContext(ctx, `INSERT INTO CachedCorruptionDetections (Service) VALUES ('steam')`)
	require.NoError(t, tx.Commit())
	return db
}

func counts(t *testing.T, db *sqlx.DB) map[string]int64 {
	t.Helper()
	out := make(map[string]int64)
	for _, name := range reset.TableNames() {
		var n int64
		require.NoError(t, db.GetContext(t.Context(), &n, `SELECT COUNT(*) FROM "`+name+`"`))
		out[name] = n
	}
	return out
}

func danglingReferences(t *testing.T, db *sqlx.DB) int {
	t.Helper()
	rows, err := db.QueryxContext(t.Context(), `PRAGMA foreign_key_check`)
	require.NoError(t, err)
	defer rows.Close()
	var n int
	for rows.Next() {
		n++
	}
	require.NoError(t, rows.Err())
	return n
}

func TestPlan(t *testing.T) {
	t.Parallel()
	all := reset.TableNames()
	for range 20 {
		given := append([]string{"NoSuchTable"}, all...)
		rand.Shuffle(len(given), func(i, j int) { given[i], given[j] = given[j], given[i] })
		plan, err := reset.Plan(given)
		require.NoError(t, err)
		require.Equal(t, reset.Tables, plan)
	}

	plan, err := reset.Plan([]string{"downloads", "LogEntries", "usersessions", "Downloads"})
	require.NoError(t, err)
	var names []string
	for _, p := range plan {
		names = append(names, p.Name)
	}
	require.Equal(t, []string{"UserSessions", "LogEntries", "Downloads"}, names)

	for i := 1; i < len(reset.Tables); i++ {
		require.LessOrEqual(t, reset.Tables[i-1].Rank, reset.Tables[i].Rank)
	}

	_, err = reset.Plan([]string{"users", ""})
	require.ErrorIs(t, err, reset.ErrNoValidTables)
	_, err = reset.Plan(nil)
	require.ErrorIs(t, err, reset.ErrNoValidTables)
}

func TestResetTablesNullsReferences(t *testing.T) {
	t.Parallel()
	db := seeded(t)
	ctx := t.Context()
	before := counts(t, db)

	res, err := reset.NewEngine(db, nil, reset.Options{}).ResetTables(ctx, []string{"Downloads"}, nil)
	require.NoError(t, err)
	require.Equal(t, reset.StateCompleted, res.State)
	require.Equal(t, int64(3), res.Deleted["Downloads"])
	require.Equal(t, int64(3), res.Total)

	after := counts(t, db)
	require.Zero(t, after["Downloads"])
	require.Equal(t, before["LogEntries"], after["LogEntries"], "log entries are kept")
	require.Zero(t, after["EventDownloads"], "associations to deleted downloads are removed")

	var linked int
	require.NoError(t, db.GetContext(ctx, &linked, `SELECT COUNT(*) FROM LogEntries WHERE DownloadId IS NOT NULL`))
	require.Zero(t, linked)
	require.Zero(t, danglingReferences(t, db))

	var fk int
	require.NoError(t, db.GetContext(ctx, &fk, `PRAGMA foreign_keys`))
	require.Equal(t, 1, fk)
}

func TestResetTablesBatched(t *testing.T) {
	t.Parallel()
	db := seeded(t)
	var chunks int
	var last float64
	onProgress := func(_ context.Context, p reset.Progress) {
		require.GreaterOrEqual(t, p.Percent, last, "progress never goes back")
		last = p.Percent
		if p.Table == "LogEntries" {
			chunks++
		}
	}

	engine := reset.NewEngine(db, nil, reset.Options{ChunkSize: 100, ChunkPause: -1})
	var deleted atomic.Int64
	engine.WithRowsDeleted(func(table string, rows int64) {
		if table == "LogEntries" {
			deleted.Add(rows)
		}
	})
	res, err := engine.ResetTables(t.Context(), []string{"LogEntries"}, onProgress)
	require.NoError(t, err)
	require.Equal(t, int64(logEntries), res.Deleted["LogEntries"])
	require.Equal(t, 3, chunks, "250 rows in chunks of 100")
	require.Equal(t, 100.0, last)
	require.Equal(t, int64(logEntries), deleted.Load())
	require.Zero(t, counts(t, db)["LogEntries"])
}

func TestResetTablesCountsBesideWriter(t *testing.T) {
	t.Parallel()
	db := seeded(t)
	ctx := t.Context()

	writer, err := db.BeginTxx(ctx, nil)
	require.NoError(t, err)
	writer.MustExecContext(ctx, `UPDATE Downloads SET GameName = GameName`)

	counted := make(chan int64, 1)
	onProgress := func(_ context.Context, p reset.Progress) {
		if p.Total > 0 {
			select {
			case counted <- p.Total:
			default:
			}
		}
	}
	done := make(chan error, 1)
	go func() {
		_, err := reset.NewEngine(db, nil, reset.Options{}).ResetTables(ctx, []string{"Downloads"}, onProgress)
		done <- err
	}()

	select {
	case total := <-counted:
		require.Equal(t, int64(3), total)
	case <-time.After(3 * time.Second):
		t.Fatal("counting waited for the open write transaction")
	}
	require.NoError(t, writer.Rollback())
	require.NoError(t, <-done)
	require.Zero(t, counts(t, db)["Downloads"])
}

func TestResetTablesRollback(t *testing.T) {
	t.Parallel()
	db := seeded(t)
	ctx := t.Context()
	db.MustExecContext(ctx, `CREATE TRIGGER no_event_delete BEFORE DELETE ON Events BEGIN SELECT RAISE(ABORT, 'events are locked'); END`)
	before := counts(t, db)

	res, err := reset.NewEngine(db, nil, reset.Options{ChunkSize: 100}).
		ResetTables(ctx, []string{"Events", "LogEntries", "Downloads", "UserSessions"}, nil)
	require.ErrorIs(t, err, reset.ErrTransaction)
	require.ErrorContains(t, err, "events are locked")
	require.Equal(t, reset.StateRolledBack, res.State)
	require.Zero(t, res.Total)

	require.Equal(t, before, counts(t, db))
	var linked int
	require.NoError(t, db.GetContext(ctx, &linked, `SELECT COUNT(*) FROM UserPreferences WHERE SessionId IS NOT NULL`))
	require.Equal(t, 2, linked, "nulled references are rolled back too")

	var fk int
	require.NoError(t, db.GetContext(ctx, &fk, `PRAGMA foreign_keys`))
	require.Equal(t, 1, fk)
}

func TestResetTablesCancelled(t *testing.T) {
	t.Parallel()
	db := seeded(t)
	before := counts(t, db)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	onProgress := func(_ context.Context, p reset.Progress) {
		if p.Table == "LogEntries" {
			cancel()
		}
	}
	res, err := reset.NewEngine(db, nil, reset.Options{ChunkSize: 100}).
		ResetTables(ctx, []string{"LogEntries", "Downloads"}, onProgress)
	require.ErrorIs(t, err, ops.ErrCancelled)
	require.Equal(t, reset.StateCancelled, res.State)
	require.Equal(t, before, counts(t, db))
}

func TestResetTablesSideEffects(t *testing.T) {
	t.Parallel()
	db := seeded(t)
	ctx := t.Context()
	depots := filepath.Join(t.TempDir(), "depot_mappings.json")
	require.NoError(t, os.WriteFile(depots, []byte(`{}`), 0o644))

	var rec notify.Recorder
	var invalidated int
	engine := reset.NewEngine(db, &rec, reset.Options{DepotMappingFile: depots}).
		WithSessionInvalidators(
			reset.SessionInvalidatorFunc(func(context.Context) error {
				invalidated++
				return nil
			}),
			reset.SessionInvalidatorFunc(func(context.Context) error {
				return errors.New("identity provider is down")
			}),
		)

	res, err := engine.ResetTables(ctx, []string{"SteamDepotMappings", "UserPreferences", "UserSessions"}, nil)
	require.NoError(t, err, "invalidator failures are not fatal")
	require.Equal(t, 1, invalidated)
	require.Equal(t, 1, res.FilesDeleted)
	require.NoFileExists(t, depots)

	require.Equal(t, []notify.Topic{notify.TopicSessionsInvalidated, notify.TopicPreferencesReset}, rec.Topics())

	var withGame int
	require.NoError(t, db.GetContext(ctx, &withGame, `SELECT COUNT(*) FROM Downloads WHERE GameAppId IS NOT NULL OR GameName IS NOT NULL`))
	require.Zero(t, withGame)
	var prefill int
	require.NoError(t, db.GetContext(ctx, &prefill, `SELECT COUNT(*) FROM PrefillSessions WHERE SessionId IS NULL`))
	require.Equal(t, 1, prefill, "prefill history survives with a nulled session")
	require.Zero(t, danglingReferences(t, db))
}

func TestResetAll(t *testing.T) {
	t.Parallel()
	db := seeded(t)
	dataDir := t.TempDir()
	for _, name := range []string{"position.txt", "processing.marker", "performance_data.json", "rust_progress.json", "position_default.txt", "keep.json"} {
		require.NoError(t, os.WriteFile(filepath.Join(dataDir, name), []byte("x"), 0o644))
	}

	var states []string
	res, err := reset.NewEngine(db, nil, reset.Options{DataDir: dataDir, Vacuum: true}).
		ResetAll(t.Context(), func(_ context.Context, p reset.Progress) {
			if len(states) == 0 || states[len(states)-1] != p.State {
				states = append(states, p.State)
			}
		})
	require.NoError(t, err)
	require.Equal(t, reset.StateCompleted, res.State)
	require.Equal(t, 5, res.FilesDeleted)
	require.FileExists(t, filepath.Join(dataDir, "keep.json"))
	require.Equal(t, []string{reset.StateStarting, reset.StateCounting, reset.StateDeleting, reset.StateCleanup, reset.StateCompleted}, states)

	for table, n := range counts(t, db) {
		require.Zerof(t, n, "table %s", table)
	}
}
