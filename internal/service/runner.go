package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/lancachemanager/opsd/internal/datasource"
	"github.com/lancachemanager/opsd/internal/model"
	"github.com/lancachemanager/opsd/internal/ops"
	"github.com/lancachemanager/opsd/internal/progress"
	"github.com/lancachemanager/opsd/internal/reset"
	"github.com/lancachemanager/opsd/internal/worker"
)

const maxThreads = 64

var deleteModes = []string{model.DeleteModePreserve, model.DeleteModeFull, model.DeleteModeRsync}

// StartLogProcessing imports the new lines of every datasource's access log.
// Each datasource continues where its previous run stopped.
func (s *Service) StartLogProcessing(ctx context.Context) (ops.ID, bool, error) {
	return s.start(ctx, ops.LogProcessing, "Log processing", nil, func(ctx context.Context, id ops.ID) error {
		return s.eachDatasource(ctx, id, datasource.Options{}, processedSummary,
			func(ctx context.Context, ds model.Datasource, sl slot) (datasource.Totals, error) {
				start := s.position(ctx, ds)
				cmd := s.command(s.cfg.Workers.Processor, processingProgress)
				cmd.Args = processorArgs(s.cfg.Database, ds, cmd.ProgressPath, start)
				last, err := s.runWorker(ctx, id, sl, cmd)
				if err == nil {
					s.savePosition(ctx, ds, start+last.LinesParsed)
				}
				return totalsOf(last), err
			})
	})
}

// StartStreamProcessing processes every log file of every datasource
// directory, rotated ones included.
func (s *Service) StartStreamProcessing(ctx context.Context) (ops.ID, bool, error) {
	return s.start(ctx, ops.StreamProcessing, "Stream processing", nil, func(ctx context.Context, id ops.ID) error {
		return s.eachDatasource(ctx, id, datasource.Options{}, processedSummary,
			func(ctx context.Context, ds model.Datasource, sl slot) (datasource.Totals, error) {
				start := s.position(ctx, ds)
				cmd := s.command(s.cfg.Workers.StreamProcessor, processingProgress)
				cmd.Args = streamProcessorArgs(s.cfg.Database, ds, cmd.ProgressPath, start)
				last, err := s.runWorker(ctx, id, sl, cmd)
				if err == nil {
					s.savePosition(ctx, ds, start+max(last.LinesProcessed, last.LinesParsed))
				}
				return totalsOf(last), err
			})
	})
}

// StartLogRemoval removes the log lines of one service from every writable
// datasource.
func (s *Service) StartLogRemoval(ctx context.Context, service string) (ops.ID, bool, error) {
	service, err := serviceName(service)
	if err != nil {
		return "", false, err
	}
	label := "Removal of " + service + " log entries"
	meta := map[string]string{"service": service}
	return s.start(ctx, ops.LogRemoval, label, meta, func(ctx context.Context, id ops.ID) error {
		return s.eachDatasource(ctx, id, datasource.Options{RequireWritable: true}, removedSummary,
			func(ctx context.Context, ds model.Datasource, sl slot) (datasource.Totals, error) {
				cmd := s.command(s.cfg.Workers.LogManager, logRemovalProgress)
				cmd.Args = logRemovalArgs(ds, service, cmd.ProgressPath)
				last, err := s.runWorker(ctx, id, sl, cmd)
				return totalsOf(last), err
			})
	})
}

// StartServiceRemoval removes a service entirely: its log lines, its cached
// files and its database rows.
func (s *Service) StartServiceRemoval(ctx context.Context, service string) (ops.ID, bool, error) {
	service, err := serviceName(service)
	if err != nil {
		return "", false, err
	}
	label := "Removal of service " + service
	meta := map[string]string{"service": service}
	return s.start(ctx, ops.ServiceRemoval, label, meta, func(ctx context.Context, id ops.ID) error {
		opts := datasource.Options{Cache: true, RequireWritable: true}
		return s.eachDatasource(ctx, id, opts, removedSummary,
			func(ctx context.Context, ds model.Datasource, sl slot) (datasource.Totals, error) {
				cmd := s.command(s.cfg.Workers.ServiceRemover, serviceRemovalProgress)
				output := s.dataPath("service_remove_" + ds.Name + ".json")
				cmd.Args = serviceRemovalArgs(s.cfg.Database, ds, service, output, cmd.ProgressPath)
				last, err := s.runWorker(ctx, id, sl, cmd)
				return totalsOf(last), err
			})
	})
}

// StartCacheClear empties the cache directory of every datasource. Zero
// threads and an empty mode take the configured defaults.
func (s *Service) StartCacheClear(ctx context.Context, threads int, mode string) (ops.ID, bool, error) {
	if threads == 0 {
		threads = s.cfg.Cache.Threads
	}
	if threads <= 0 || threads > maxThreads {
		return "", false, fmt.Errorf("%w: threads must be between 1 and %d, got %d", ErrInvalidRequest, maxThreads, threads)
	}
	if mode == "" {
		mode = s.cfg.Cache.DeleteMode
	}
	if !slices.Contains(deleteModes, mode) {
		return "", false, fmt.Errorf("%w: delete mode must be one of %s, got %q", ErrInvalidRequest, strings.Join(deleteModes, ", "), mode)
	}
	meta := map[string]string{"threads": fmt.Sprint(threads), "delete_mode": mode}
	return s.start(ctx, ops.CacheClear, "Cache clear", meta, func(ctx context.Context, id ops.ID) error {
		opts := datasource.Options{Cache: true, RequireWritable: true}
		return s.eachDatasource(ctx, id, opts, clearedSummary,
			func(ctx context.Context, ds model.Datasource, sl slot) (datasource.Totals, error) {
				cmd := s.command(s.cfg.Workers.CacheCleaner, cacheClearProgress)
				cmd.Args = cacheClearArgs(ds, cmd.ProgressPath, threads, mode)
				last, err := s.runWorker(ctx, id, sl, cmd)
				return totalsOf(last), err
			})
	})
}

// StartDatabaseReset clears the given tables, or the whole dataset when
// tables is empty. Unknown table names are ignored; reset.ErrNoValidTables
// is returned when none is left.
func (s *Service) StartDatabaseReset(ctx context.Context, tables []string) (ops.ID, bool, error) {
	var names []string
	if len(tables) > 0 {
		plan, err := reset.Plan(tables)
		if err != nil {
			return "", false, err
		}
		for _, t := range plan {
			names = append(names, t.Name)
		}
	}
	label := "Database reset"
	meta := map[string]string{"tables": "all"}
	if names != nil {
		label = "Reset of " + strings.Join(names, ", ")
		meta["tables"] = strings.Join(names, ",")
	}

	return s.start(ctx, ops.DatabaseReset, label, meta, func(ctx context.Context, id ops.ID) error {
		onProgress := func(ctx context.Context, p reset.Progress) {
			s.tracker.Progress(ctx, id, ops.Progress{
				Percent:  p.Percent,
				Status:   p.State,
				Message:  p.Message,
				Counters: resetCounters(p.Deleted, p.Total),
			})
		}
		var res reset.Result
		var err error
		if names == nil {
			res, err = s.engine.ResetAll(ctx, onProgress)
		} else {
			res, err = s.engine.ResetTables(ctx, names, onProgress)
		}
		if err != nil {
			return err
		}
		s.tracker.Progress(ctx, id, ops.Progress{
			Percent:  100,
			Status:   res.State,
			Message:  fmt.Sprintf("Deleted %s rows from %d tables", humanize.Comma(res.Total), len(res.Deleted)),
			Counters: resetCounters(res.Total, res.Total),
		})
		return nil
	})
}

// scheduledProcessing is the scheduler task.
func (s *Service) scheduledProcessing() {
	ctx := s.base
	id, ok, err := s.StartLogProcessing(ctx)
	switch {
	case err != nil:
		slog.ErrorContext(ctx, "scheduled log processing", "error", err)
	case !ok:
		slog.InfoContext(ctx, "scheduled log processing skipped: already running")
	default:
		slog.InfoContext(ctx, "scheduled log processing started", "operation_id", id)
	}
}

func serviceName(service string) (string, error) {
	service = strings.ToLower(strings.TrimSpace(service))
	if service == "" {
		return "", fmt.Errorf("%w: service name is empty", ErrInvalidRequest)
	}
	if strings.ContainsAny(service, `/\`) || service == "." || service == ".." {
		return "", fmt.Errorf("%w: invalid service name %q", ErrInvalidRequest, service)
	}
	return service, nil
}

// slot is the share of the overall progress owned by one datasource.
type slot struct {
	index      int
	count      int
	datasource string
}

func (sl slot) progress(snap progress.Snapshot) ops.Progress {
	pct := snap.PercentComplete
	if sl.count > 1 {
		pct = (float64(sl.index)*100 + pct) / float64(sl.count)
	}
	ds := snap.Datasource
	if ds == "" {
		ds = sl.datasource
	}
	return ops.Progress{
		Percent:    pct,
		Status:     snap.Status,
		Message:    snap.Message,
		Datasource: ds,
		Counters:   snap.Counters(),
	}
}

type perDatasource func(ctx context.Context, ds model.Datasource, sl slot) (datasource.Totals, error)

// eachDatasource runs fn over the configured datasources and maps the
// aggregate result to the operation outcome.
func (s *Service) eachDatasource(ctx context.Context, id ops.ID, opts datasource.Options, summary func(datasource.Result) string, fn perDatasource) error {
	var count int
	for _, ds := range s.cfg.Datasources {
		if ds.IsEnabled() {
			count++
		}
	}
	var index int
	res := datasource.Run(ctx, s.cfg.Datasources, opts, func(ctx context.Context, ds model.Datasource) (datasource.Totals, error) {
		sl := slot{index: index, count: count, datasource: ds.Name}
		index++
		return fn(ctx, ds, sl)
	})

	err := res.Err()
	switch {
	case res.Cancelled || ctx.Err() != nil || errors.Is(err, ops.ErrCancelled):
		return ops.ErrCancelled
	case !res.Success && err != nil:
		return fmt.Errorf("%s: %w", res.Reason, err)
	case !res.Success:
		return errors.New(res.Reason)
	}
	s.tracker.Progress(ctx, id, ops.Progress{
		Percent:  100,
		Status:   string(ops.StatusCompleted),
		Message:  summary(res),
		Counters: countersOf(res.Totals),
	})
	return nil
}

// runWorker runs one worker process and forwards its progress to the
// tracker.
func (s *Service) runWorker(ctx context.Context, id ops.ID, sl slot, cmd worker.Command) (progress.Snapshot, error) {
	name := filepath.Base(cmd.Path)
	res, err := s.workers.Run(ctx, cmd, func(ctx context.Context, snap progress.Snapshot) {
		s.tracker.Progress(ctx, id, sl.progress(snap))
	})
	if err != nil {
		s.metrics.WorkerRun(name, "spawn_failed")
		return progress.Snapshot{}, err
	}
	s.metrics.WorkerRun(name, res.Outcome.String())
	slog.InfoContext(ctx, "worker finished",
		"worker", name,
		"outcome", res.Outcome.String(),
		"exit_code", res.ExitCode,
		"took", res.Stopped.Sub(res.Started).String())
	return res.Last, res.Err()
}

func totalsOf(s progress.Snapshot) datasource.Totals {
	return datasource.Totals{
		LinesProcessed: max(s.LinesProcessed, s.LinesParsed),
		LinesRemoved:   s.LinesRemoved,
		EntriesSaved:   s.EntriesSaved,
		FilesProcessed: s.FilesProcessed,
	}
}

func countersOf(t datasource.Totals) map[string]uint64 {
	return progress.Snapshot{
		LinesProcessed: t.LinesProcessed,
		LinesRemoved:   t.LinesRemoved,
		EntriesSaved:   t.EntriesSaved,
		FilesProcessed: t.FilesProcessed,
	}.Counters()
}

func resetCounters(deleted, total int64) map[string]uint64 {
	return map[string]uint64{
		"rows_deleted": uint64(max(deleted, 0)),
		"rows_total":   uint64(max(total, 0)),
	}
}

func processedSummary(r datasource.Result) string {
	return fmt.Sprintf("Processed %s lines, saved %s entries (%s)",
		humanize.Comma(int64(r.Totals.LinesProcessed)),
		humanize.Comma(int64(r.Totals.EntriesSaved)),
		datasources(r))
}

func removedSummary(r datasource.Result) string {
	return fmt.Sprintf("Removed %s of %s lines (%s)",
		humanize.Comma(int64(r.Totals.LinesRemoved)),
		humanize.Comma(int64(r.Totals.LinesProcessed)),
		datasources(r))
}

func clearedSummary(r datasource.Result) string {
	return fmt.Sprintf("Deleted %s cache files (%s)",
		humanize.Comma(int64(r.Totals.FilesProcessed)),
		datasources(r))
}

func datasources(r datasource.Result) string {
	msg := humanize.Comma(int64(r.Processed)) + " datasource"
	if r.Processed != 1 {
		msg += "s"
	}
	if r.Skipped > 0 {
		msg += fmt.Sprintf(", %d skipped", r.Skipped)
	}
	return msg
}
