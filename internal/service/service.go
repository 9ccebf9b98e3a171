package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/jmoiron/sqlx"

	"github.com/lancachemanager/opsd/internal/log"
	"github.com/lancachemanager/opsd/internal/metrics"
	"github.com/lancachemanager/opsd/internal/model"
	"github.com/lancachemanager/opsd/internal/notify"
	"github.com/lancachemanager/opsd/internal/ops"
	"github.com/lancachemanager/opsd/internal/reset"
	"github.com/lancachemanager/opsd/internal/store"
	"github.com/lancachemanager/opsd/internal/worker"
)

var (
	ErrClosed         = errors.New("service is closed")
	ErrInvalidRequest = errors.New("invalid request")
)

// number of terminal operations kept in the history table
const historyKeep = 1000

const depotMappingFile = "depot_mappings.json"

type Service struct {
	cfg       model.Config
	db        *sqlx.DB
	bus       *notify.Bus
	history   *store.History
	metrics   *metrics.Metrics
	tracker   *ops.Tracker
	lock      *ops.Lock
	workers   *worker.Supervisor
	engine    *reset.Engine
	scheduler gocron.Scheduler

	// base is the parent of every operation context. It is not derived
	// from any request context.
	base context.Context
	stop context.CancelFunc

	mx     sync.Mutex
	closed bool
	done   map[ops.ID]chan struct{}
	wg     sync.WaitGroup
}

// New opens the database, applies the schema and wires all components. A
// configured schedule is validated here and started by StartSchedule.
func New(ctx context.Context, cfg model.Config) (*Service, error) {
	db, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := store.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	history := store.NewHistory(db)
	if n, err := history.Prune(ctx, historyKeep); err != nil {
		slog.WarnContext(ctx, "pruning operation history", "error", err)
	} else if n > 0 {
		slog.DebugContext(ctx, "pruned operation history", "removed", n)
	}

	m := metrics.New()
	bus := notify.NewBus()
	workers := worker.NewSupervisor()
	workers.PollInterval = cfg.Workers.PollInterval.Or(worker.DefaultPollInterval)
	workers.GracePeriod = cfg.Workers.GracePeriod.Or(worker.DefaultGracePeriod)
	workers.SettleDelay = cfg.Workers.SettleDelay.Or(worker.DefaultSettleDelay)

	engine := reset.NewEngine(db, bus, reset.Options{
		ChunkSize:        cfg.Reset.ChunkSize,
		ChunkPause:       cfg.Reset.ChunkPause.Or(reset.DefaultChunkPause),
		DataDir:          cfg.DataDir,
		DepotMappingFile: filepath.Join(cfg.DataDir, depotMappingFile),
		Vacuum:           cfg.Reset.Vacuum,
	}).WithRowsDeleted(m.RowsDeleted)

	base, stop := context.WithCancel(context.WithoutCancel(ctx))
	s := &Service{
		cfg:     cfg,
		db:      db,
		bus:     bus,
		history: history,
		metrics: m,
		tracker: ops.NewTracker(bus).WithHistory(history).WithObserver(m),
		lock:    ops.NewLock(),
		workers: workers,
		engine:  engine,
		base:    base,
		stop:    stop,
		done:    make(map[ops.ID]chan struct{}),
	}

	if cfg.Schedule.IsEnabled() {
		if _, _, err := cfg.Schedule.Job(); err != nil {
			stop()
			bus.Close()
			_ = db.Close()
			return nil, err
		}
	}
	return s, nil
}

// StartSchedule starts scheduled log processing when the configuration
// enables it. One-shot commands never call it.
func (s *Service) StartSchedule(ctx context.Context) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	switch {
	case s.closed:
		return ErrClosed
	case s.scheduler != nil || !s.cfg.Schedule.IsEnabled():
		return nil
	}
	scheduler, err := newScheduler(ctx, *s.cfg.Schedule, s.scheduledProcessing)
	if err != nil {
		return err
	}
	s.scheduler = scheduler
	s.scheduler.Start()
	return nil
}

// WithSessionInvalidators registers callbacks run before user sessions are
// deleted by a reset.
func (s *Service) WithSessionInvalidators(invalidators ...reset.SessionInvalidator) *Service {
	s.engine.WithSessionInvalidators(invalidators...)
	return s
}

func (s *Service) Bus() *notify.Bus {
	return s.bus
}

func (s *Service) Metrics() *metrics.Metrics {
	return s.metrics
}

// start registers an operation and runs work on a new goroutine while
// holding the exclusive lock. It returns ok=false when the class is busy.
// While the lock is held by another operation, id reports a queued
// progress status.
func (s *Service) start(ctx context.Context, typ ops.Type, label string, metadata map[string]string, work func(ctx context.Context, id ops.ID) error) (ops.ID, bool, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.closed {
		return "", false, ErrClosed
	}

	opCtx, cancel := context.WithCancel(s.base)
	id, ok := s.tracker.Register(ctx, typ, label, cancel, metadata)
	if !ok {
		cancel()
		return "", false, nil
	}
	opCtx = log.ContextAttrs(opCtx,
		slog.String("operation_id", string(id)),
		slog.String("type", string(typ)),
	)

	done := make(chan struct{})
	s.done[id] = done
	s.wg.Go(func() {
		defer close(done)
		defer cancel()
		var waited bool
		queued := func(ctx context.Context) {
			waited = true
			s.tracker.Progress(ctx, id, ops.Progress{Status: ops.ProgressQueued, Message: "Waiting for another operation to finish"})
		}
		_, err := ops.RunExclusive(opCtx, s.lock, queued, func(ctx context.Context) (struct{}, error) {
			if waited {
				s.tracker.Progress(ctx, id, ops.Progress{Message: "Starting"})
			}
			return struct{}{}, work(ctx, id)
		})
		s.tracker.Complete(context.WithoutCancel(opCtx), id, err == nil, err)

		s.mx.Lock()
		delete(s.done, id)
		s.mx.Unlock()
	})
	return id, true, nil
}

// Cancel requests cancellation of id. See ops.Tracker.Cancel.
func (s *Service) Cancel(ctx context.Context, id ops.ID) bool {
	return s.tracker.Cancel(ctx, id)
}

// Status returns the snapshot of id, active or finished.
func (s *Service) Status(ctx context.Context, id ops.ID) (ops.Snapshot, bool) {
	return s.tracker.Status(ctx, id)
}

func (s *Service) Active() []ops.Snapshot {
	return s.tracker.Active()
}

// Recent returns up to limit finished operations, newest first.
func (s *Service) Recent(ctx context.Context, limit int) ([]ops.Snapshot, error) {
	return s.history.Recent(ctx, limit)
}

// Wait blocks until id is finished or ctx is done and returns its latest
// snapshot.
func (s *Service) Wait(ctx context.Context, id ops.ID) (ops.Snapshot, error) {
	s.mx.Lock()
	done, ok := s.done[id]
	s.mx.Unlock()
	if ok {
		select {
		case <-done:
		case <-ctx.Done():
			snap, _ := s.tracker.Status(ctx, id)
			return snap, ctx.Err()
		}
	}
	snap, found := s.tracker.Status(ctx, id)
	if !found {
		return ops.Snapshot{}, fmt.Errorf("operation %s: %w", id, store.ErrNotFound)
	}
	return snap, nil
}

// Close stops the scheduler, cancels every running operation and waits for
// them to finish before the database is closed.
func (s *Service) Close() error {
	s.mx.Lock()
	if s.closed {
		s.mx.Unlock()
		return nil
	}
	s.closed = true
	s.mx.Unlock()

	ctx := s.base
	var errs []error
	if s.scheduler != nil {
		if err := s.scheduler.Shutdown(); err != nil {
			slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
			errs = append(errs, err)
		}
	}
	for _, op := range s.tracker.Active() {
		s.tracker.Cancel(ctx, op.ID)
	}
	s.wg.Wait()
	s.stop()
	s.bus.Close()
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
