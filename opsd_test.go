package opsd_test

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lancachemanager/opsd/internal/ops"
)

var (
	opsdPath string

	// tmpDir is a function used to create a tempdir
	// -test.keepdir flag says test to use os.MkdirTemp
	// default is t.TempDir, which will be cleaned up
	tmpDir func(t *testing.T) string
)

func TestMain(m *testing.M) {
	var keepTestDir bool
	flag.BoolVar(&keepTestDir, "test.keepdir", false, "use os.TempDir instead of t.TempDir to keep test artifacts")

	flag.Parse()

	if testing.Short() {
		slog.Warn("integration tests with -short are ignored")
		os.Exit(0)
	}

	if !keepTestDir {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			return t.TempDir()
		}
	} else {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			dir, err := os.MkdirTemp("", t.Name()+"*")
			require.NoError(t, err)
			_, err = fmt.Fprintf(t.Output(), "TEMPDIR %s: -test.keepdir used, so it won't be automatically deleted", dir)
			require.NoError(t, err)
			return dir
		}
	}

	if !isExecutable("opsd-ci") {
		slog.Warn("integration tests skipped, no opsd-ci binary: run go build -race -cover -covermode=atomic -o opsd-ci ./cmd/opsd/ first")
		os.Exit(0)
	}
	if _, err := exec.LookPath("sh"); err != nil {
		slog.Warn("integration tests skipped, binary sh not available", "error", err)
		os.Exit(0)
	}

	var err error
	opsdPath, err = filepath.Abs("opsd-ci")
	if err != nil {
		slog.Error("can't get abspath for opsd-ci", "error", err)
		os.Exit(1)
	}
	coverDir, err := filepath.Abs("coverage")
	if err != nil {
		slog.Error("can't get value for GOCOVERDIR for opsd-ci", "error", err)
		os.Exit(1)
	}
	if err := rmRfMkdirp(coverDir); err != nil {
		slog.Error("can't reset GOCOVERDIR for opsd-ci", "error", err, "coverdir", coverDir)
		os.Exit(1)
	}
	if err := os.Setenv("GOCOVERDIR", coverDir); err != nil {
		slog.Error("can't set GOCOVERDIR env variable", "error", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

const configTemplate = `
version: 0
data_dir: %[1]s/data
database: %[1]s/data/LancacheManager.db
datasources:
  - name: default
    log_path: %[1]s/logs
    cache_path: %[1]s/cache
workers:
  dir: %[1]s/bin
  poll_interval: 20ms
  grace_period: 1s
  settle_delay: 10ms
cache:
  threads: 2
  delete_mode: preserve
reset:
  chunk_size: 10
  chunk_pause: 1ms
  vacuum: true
api:
  enabled: false
`

// setup lays out the directories and the config of one opsd instance.
func setup(t *testing.T) string {
	t.Helper()
	dir := tmpDir(t)
	for _, d := range []string{"data", "logs", "cache", "bin"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, d), 0o755))
	}
	creat(t, filepath.Join(dir, "opsd.yaml"), fmt.Appendf(nil, configTemplate, dir))
	return dir
}

func worker(t *testing.T, dir, name, body string) {
	t.Helper()
	path := filepath.Join(dir, "bin", name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
}

func opsd(t *testing.T, dir, stdin string, args ...string) (ops.Snapshot, string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 60*time.Second)
	t.Cleanup(cancel)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, opsdPath, append(args, "--config", filepath.Join(dir, "opsd.yaml"))...)
	cmd.Dir = dir
	cmd.Env = withoutOpsdConfig(os.Environ())
	cmd.Stdin = strings.NewReader(stdin)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	var snap ops.Snapshot
	if stdout.Len() > 0 {
		require.NoError(t, json.Unmarshal(stdout.Bytes(), &snap), stdout.String())
	}
	return snap, stderr.String(), err
}

func TestRun(t *testing.T) {
	t.Parallel()
	dir := setup(t)
	worker(t, dir, "lancache_processor", `printf '{"lines_parsed": 7, "entries_saved": 7, "percent_complete": 100}' > "$3"`)

	snap, stderr, err := opsd(t, dir, "", "run", "log_processing")
	require.NoError(t, err, stderr)
	require.Equal(t, ops.LogProcessing, snap.Type)
	require.Equal(t, ops.StatusCompleted, snap.Status)
	require.Equal(t, "Processed 7 lines, saved 7 entries (1 datasource)", snap.Message)

	position, err := os.ReadFile(filepath.Join(dir, "data", "position_default.txt"))
	require.NoError(t, err)
	require.Equal(t, "7\n", string(position))
}

func TestRunFailure(t *testing.T) {
	t.Parallel()
	dir := setup(t)
	worker(t, dir, "cache_cleaner", `echo "disk on fire" >&2
exit 3`)

	snap, stderr, err := opsd(t, dir, "", "run", "cache_clear")
	require.Error(t, err)
	require.Equal(t, ops.StatusFailed, snap.Status)
	require.Contains(t, snap.Message, "exited with code 3")
	require.Contains(t, stderr, "opsd failed")

	_, stderr, err = opsd(t, dir, "", "run", "defrag")
	require.Error(t, err)
	require.Contains(t, stderr, "unknown operation type")
}

func TestReset(t *testing.T) {
	t.Parallel()
	dir := setup(t)

	_, _, err := opsd(t, dir, "n\n", "reset", "--table", "LogEntries")
	require.Error(t, err)

	snap, stderr, err := opsd(t, dir, "", "reset", "--yes", "--table", "LogEntries", "--table", "Downloads")
	require.NoError(t, err, stderr)
	require.Equal(t, ops.DatabaseReset, snap.Type)
	require.Equal(t, ops.StatusCompleted, snap.Status)
	require.Equal(t, "Reset of LogEntries, Downloads", snap.Label)

	_, stderr, err = opsd(t, dir, "", "reset", "--yes", "--table", "nope")
	require.Error(t, err)
	require.Contains(t, stderr, "no valid tables")
}

func withoutOpsdConfig(env []string) []string {
	ret := env[:0:0]
	for _, e := range env {
		if !strings.HasPrefix(e, "OPSDCONFIG=") {
			ret = append(ret, e)
		}
	}
	return ret
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().Perm()&0111 != 0
}

func rmRfMkdirp(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return nil
}

func creat(t *testing.T, path string, content []byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, f.Close())
	}()
	_, err = f.Write(content)
	require.NoError(t, err)
	require.NoError(t, f.Sync())
}
