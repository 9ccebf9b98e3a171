// Package store opens the sqlite dataset and keeps the history of finished
// operations.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

// Open connects to the sqlite database at path. Every connection of the
// pool enforces foreign keys and waits on a locked database instead of
// failing right away. Write transactions take the write lock when they
// begin, read only ones never do.
func Open(ctx context.Context, path string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return db, nil
}

func dsn(path string) string {
	const pragmas = "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
	if strings.HasPrefix(path, "file:") {
		if strings.Contains(path, "?") {
			return path + "&" + pragmas
		}
		return path + "?" + pragmas
	}
	return "file:" + path + "?" + pragmas
}

// Migrate creates the dataset tables and the operations table when missing.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx)

	for _, stmt := range schema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("executing migration failed: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

func rollback(ctx context.Context, tx *sqlx.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", "error", err)
	}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS UserSessions (
		Id INTEGER PRIMARY KEY AUTOINCREMENT,
		DeviceId TEXT NOT NULL,
		IsGuest BOOLEAN NOT NULL DEFAULT 0,
		CreatedAtUtc TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
		ExpiresAtUtc TEXT DEFAULT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS UserPreferences (
		Id INTEGER PRIMARY KEY AUTOINCREMENT,
		SessionId INTEGER DEFAULT NULL REFERENCES UserSessions(Id),
		PreferenceKey TEXT NOT NULL,
		PreferenceValue TEXT DEFAULT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS PrefillSessions (
		Id INTEGER PRIMARY KEY AUTOINCREMENT,
		SessionId INTEGER DEFAULT NULL REFERENCES UserSessions(Id),
		Status TEXT NOT NULL DEFAULT 'pending',
		CreatedAtUtc TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS Downloads (
		Id INTEGER PRIMARY KEY AUTOINCREMENT,
		Service TEXT NOT NULL,
		ClientIp TEXT NOT NULL,
		StartTimeUtc TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
		EndTimeUtc TEXT DEFAULT NULL,
		CacheHitBytes INTEGER NOT NULL DEFAULT 0,
		CacheMissBytes INTEGER NOT NULL DEFAULT 0,
		GameAppId INTEGER DEFAULT NULL,
		GameName TEXT DEFAULT NULL,
		Datasource TEXT NOT NULL DEFAULT 'default'
	)`,
	`CREATE TABLE IF NOT EXISTS LogEntries (
		Id INTEGER PRIMARY KEY AUTOINCREMENT,
		TimestampUtc TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
		ClientIp TEXT NOT NULL,
		Service TEXT NOT NULL,
		Url TEXT NOT NULL DEFAULT '',
		StatusCode INTEGER NOT NULL DEFAULT 200,
		BytesServed INTEGER NOT NULL DEFAULT 0,
		CacheStatus TEXT NOT NULL DEFAULT 'HIT',
		DownloadId INTEGER DEFAULT NULL REFERENCES Downloads(Id),
		Datasource TEXT NOT NULL DEFAULT 'default'
	)`,
	`CREATE INDEX IF NOT EXISTS IX_LogEntries_DownloadId ON LogEntries(DownloadId)`,
	`CREATE TABLE IF NOT EXISTS Events (
		Id INTEGER PRIMARY KEY AUTOINCREMENT,
		Name TEXT NOT NULL,
		StartTimeUtc TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
		EndTimeUtc TEXT DEFAULT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS EventDownloads (
		Id INTEGER PRIMARY KEY AUTOINCREMENT,
		EventId INTEGER NOT NULL REFERENCES Events(Id),
		DownloadId INTEGER NOT NULL REFERENCES Downloads(Id)
	)`,
	`CREATE TABLE IF NOT EXISTS ClientGroups (
		Id INTEGER PRIMARY KEY AUTOINCREMENT,
		Name TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ClientGroupMembers (
		Id INTEGER PRIMARY KEY AUTOINCREMENT,
		GroupId INTEGER NOT NULL REFERENCES ClientGroups(Id),
		ClientIp TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ClientStats (
		Id INTEGER PRIMARY KEY AUTOINCREMENT,
		ClientIp TEXT NOT NULL,
		TotalCacheHitBytes INTEGER NOT NULL DEFAULT 0,
		TotalCacheMissBytes INTEGER NOT NULL DEFAULT 0,
		LastActivityUtc TEXT DEFAULT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ServiceStats (
		Id INTEGER PRIMARY KEY AUTOINCREMENT,
		Service TEXT NOT NULL,
		TotalCacheHitBytes INTEGER NOT NULL DEFAULT 0,
		TotalCacheMissBytes INTEGER NOT NULL DEFAULT 0,
		LastActivityUtc TEXT DEFAULT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS SteamDepotMappings (
		Id INTEGER PRIMARY KEY AUTOINCREMENT,
		DepotId INTEGER NOT NULL,
		AppId INTEGER NOT NULL,
		AppName TEXT DEFAULT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS CachedGameDetections (
		Id INTEGER PRIMARY KEY AUTOINCREMENT,
		GameAppId INTEGER NOT NULL,
		GameName TEXT NOT NULL,
		CacheFilesFound INTEGER NOT NULL DEFAULT 0,
		TotalSizeBytes INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS CachedServiceDetections (
		Id INTEGER PRIMARY KEY AUTOINCREMENT,
		ServiceName TEXT NOT NULL,
		CacheFilesFound INTEGER NOT NULL DEFAULT 0,
		TotalSizeBytes INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS CachedCorruptionDetections (
		Id INTEGER PRIMARY KEY AUTOINCREMENT,
		Service TEXT NOT NULL,
		CorruptedChunks INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS operations (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		label TEXT NOT NULL,
		status TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		percent REAL NOT NULL DEFAULT 0,
		metadata TEXT NOT NULL DEFAULT '{}',
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ix_operations_finished_at ON operations(finished_at)`,
}
