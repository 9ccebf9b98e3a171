package service

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/lancachemanager/opsd/internal/model"
	"github.com/lancachemanager/opsd/internal/worker"
)

// progress files in the data directory, one per worker kind
const (
	processingProgress     = "rust_progress.json"
	logRemovalProgress     = "log_remove_progress.json"
	cacheClearProgress     = "cache_clear_progress.json"
	serviceRemovalProgress = "service_remove_progress.json"
)

const accessLog = "access.log"

// command builds a worker invocation without arguments. Env values starting with $ are
// expanded from the environment of opsd.
func (s *Service) command(name string, progressFile string) worker.Command {
	env := os.Environ()
	for k, v := range s.cfg.Workers.Env {
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		env = append(env, strings.ToUpper(k)+"="+v)
	}
	return worker.Command{
		Path:         s.cfg.Workers.Path(name),
		Env:          env,
		Dir:          s.cfg.DataDir,
		ProgressPath: s.dataPath(progressFile),
	}
}

func (s *Service) dataPath(name string) string {
	return filepath.Join(s.cfg.DataDir, name)
}

// positionPath is where the number of already processed lines of a
// datasource is kept between runs.
func (s *Service) positionPath(ds model.Datasource) string {
	return s.dataPath("position_" + ds.Name + ".txt")
}

func (s *Service) position(ctx context.Context, ds model.Datasource) uint64 {
	b, err := os.ReadFile(s.positionPath(ds))
	if errors.Is(err, fs.ErrNotExist) {
		return 0
	}
	if err != nil {
		slog.WarnContext(ctx, "reading position: starting from the beginning", "error", err)
		return 0
	}
	pos, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		slog.WarnContext(ctx, "malformed position: starting from the beginning", "error", err)
		return 0
	}
	return pos
}

func (s *Service) savePosition(ctx context.Context, ds model.Datasource, pos uint64) {
	path := s.positionPath(ds)
	tmp := path + ".tmp"
	err := os.WriteFile(tmp, []byte(strconv.FormatUint(pos, 10)+"\n"), 0o644)
	if err == nil {
		err = os.Rename(tmp, path)
	}
	if err != nil {
		slog.ErrorContext(ctx, "saving position", "path", path, "error", err)
		return
	}
	slog.DebugContext(ctx, "position saved", "position", pos)
}

func processorArgs(db string, ds model.Datasource, progress string, start uint64) []string {
	return []string{db, filepath.Join(ds.LogPath, accessLog), progress, strconv.FormatUint(start, 10)}
}

func streamProcessorArgs(db string, ds model.Datasource, progress string, start uint64) []string {
	return []string{db, ds.LogPath, progress, strconv.FormatUint(start, 10), ds.Name}
}

func logRemovalArgs(ds model.Datasource, service, progress string) []string {
	return []string{"remove", ds.LogPath, service, progress, ds.Name}
}

func cacheClearArgs(ds model.Datasource, progress string, threads int, mode string) []string {
	return []string{ds.CachePath, progress, strconv.Itoa(threads), mode}
}

func serviceRemovalArgs(db string, ds model.Datasource, service, output, progress string) []string {
	return []string{db, ds.LogPath, ds.CachePath, service, output, progress}
}
