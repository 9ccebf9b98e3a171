package reset

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// artifacts are the processing state files that describe rows of
// LogEntries and Downloads; they are stale once those rows are gone.
var artifacts = []string{
	"position.txt",
	"processing.marker",
	"performance_data.json",
	"rust_progress.json",
}

// removeArtifacts deletes the processing state files in dataDir, including
// the per datasource position files. It returns how many files were
// removed; failures are logged.
func removeArtifacts(ctx context.Context, dataDir string) int {
	if dataDir == "" {
		return 0
	}
	paths := make([]string, 0, len(artifacts))
	for _, name := range artifacts {
		paths = append(paths, filepath.Join(dataDir, name))
	}
	if matches, err := filepath.Glob(filepath.Join(dataDir, "position_*.txt")); err == nil {
		paths = append(paths, matches...)
	}

	var removed int
	for _, path := range paths {
		if removeFile(ctx, path) {
			removed++
		}
	}
	return removed
}

func removeFile(ctx context.Context, path string) bool {
	err := os.Remove(path)
	switch {
	case err == nil:
		slog.DebugContext(ctx, "removed", "path", path)
		return true
	case errors.Is(err, fs.ErrNotExist):
		return false
	default:
		slog.WarnContext(ctx, "can't remove", "path", path, "error", err)
		return false
	}
}
