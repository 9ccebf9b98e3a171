// Package datasource runs one unit of work per configured datasource.
package datasource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/lancachemanager/opsd/internal/log"
	"github.com/lancachemanager/opsd/internal/model"
)

const (
	ReasonNothingToDo = "nothing to do"
	ReasonErrors      = "errors occurred"
	ReasonCancelled   = "cancelled"
)

// Totals are the additive counters of a datasource run.
type Totals struct {
	LinesProcessed uint64 `json:"lines_processed"`
	LinesRemoved   uint64 `json:"lines_removed"`
	EntriesSaved   uint64 `json:"entries_saved"`
	FilesProcessed uint64 `json:"files_processed"`
}

func (t *Totals) Add(o Totals) {
	t.LinesProcessed += o.LinesProcessed
	t.LinesRemoved += o.LinesRemoved
	t.EntriesSaved += o.EntriesSaved
	t.FilesProcessed += o.FilesProcessed
}

// Func does the work for one datasource.
type Func func(ctx context.Context, ds model.Datasource) (Totals, error)

type Outcome struct {
	Name    string `json:"name"`
	Skipped string `json:"skipped,omitempty"` // reason, empty when processed
	Err     error  `json:"-"`
	Totals  Totals `json:"totals"`
}

type Result struct {
	Processed     int
	Skipped       int
	Failed        int
	Cancelled     bool
	Totals        Totals
	PerDatasource []Outcome
	Success       bool
	Reason        string
}

// Err joins all per datasource errors.
func (r Result) Err() error {
	var errs []error
	for _, o := range r.PerDatasource {
		if o.Err != nil {
			errs = append(errs, fmt.Errorf("datasource %s: %w", o.Name, o.Err))
		}
	}
	return errors.Join(errs...)
}

type Options struct {
	// RequireWritable additionally skips the datasource when a file cannot
	// be created in its directory. Datasources marked
	// read only are always skipped.
	RequireWritable bool
	// Cache makes the cache directory the one that has to exist, instead
	// of the log directory.
	Cache bool
}

// Run calls fn for every enabled datasource, one after another. A
// datasource with a missing log directory or marked read only is skipped,
// and so is one without write access when opts.RequireWritable is set.
// Errors are recorded and do not stop the iteration; a cancelled ctx
// does, between two datasources.
//
// The run succeeds when at least one datasource was processed and none
// failed.
func Run(ctx context.Context, sources []model.Datasource, opts Options, fn Func) Result {
	var res Result
	for _, ds := range sources {
		if !ds.IsEnabled() {
			continue
		}
		if ctx.Err() != nil {
			res.Cancelled = true
			break
		}

		dsCtx := log.ContextAttrs(ctx, slog.String("datasource", ds.Name))
		if reason := skipReason(ds, opts); reason != "" {
			slog.InfoContext(dsCtx, "skipping datasource", "reason", reason, "log_path", ds.LogPath)
			res.Skipped++
			res.PerDatasource = append(res.PerDatasource, Outcome{Name: ds.Name, Skipped: reason})
			continue
		}

		totals, err := fn(dsCtx, ds)
		res.Processed++
		res.Totals.Add(totals)
		res.PerDatasource = append(res.PerDatasource, Outcome{Name: ds.Name, Err: err, Totals: totals})
		if err != nil {
			res.Failed++
			slog.ErrorContext(dsCtx, "datasource failed", "error", err)
			continue
		}
		slog.DebugContext(dsCtx, "datasource done", "lines_processed", totals.LinesProcessed)
	}

	switch {
	case res.Cancelled:
		res.Reason = ReasonCancelled
	case res.Failed > 0:
		res.Reason = ReasonErrors
	case res.Processed == 0:
		res.Reason = ReasonNothingToDo
	default:
		res.Success = true
	}
	return res
}

func skipReason(ds model.Datasource, opts Options) string {
	dir, kind := ds.LogPath, "log"
	if opts.Cache {
		dir, kind = ds.CachePath, "cache"
	}
	if dir == "" {
		return kind + " directory not configured"
	}
	info, err := os.Stat(dir)
	switch {
	case err != nil:
		return kind + " directory not found"
	case !info.IsDir():
		return kind + " path is not a directory"
	}
	if ds.ReadOnly || (opts.RequireWritable && !writable(ds, dir)) {
		return kind + " directory is read only"
	}
	return ""
}

// Writable reports whether ds accepts writes to its log directory: the
// datasource is not configured read only and a file can be created there.
func Writable(ds model.Datasource) bool {
	return writable(ds, ds.LogPath)
}

func writable(ds model.Datasource, dir string) bool {
	if ds.ReadOnly {
		return false
	}
	f, err := os.CreateTemp(dir, ".opsd-write-*")
	if err != nil {
		return false
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(filepath.Clean(name))
	return true
}
