package ops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lancachemanager/opsd/internal/notify"
)

// History persists terminal operations so their status survives removal
// from the active set.
type History interface {
	Save(ctx context.Context, s Snapshot) error
	Load(ctx context.Context, id ID) (Snapshot, bool, error)
}

// Observer is notified about lifecycle transitions. Used for metrics.
type Observer interface {
	Started(t Type)
	Finished(t Type, s Status, took time.Duration)
}

// keep this many terminal operations in memory for idempotent Cancel and Status
const finishedCap = 256

// Tracker is the registry of operations. It owns every Running operation and
// its latest progress; nothing else keeps global progress state.
type Tracker struct {
	bus      notify.Broadcaster
	history  History
	observer Observer
	now      func() time.Time

	mx       sync.Mutex
	active   map[ID]*operation
	classes  map[string]ID
	finished map[ID]Snapshot
	order    []ID
}

func NewTracker(bus notify.Broadcaster) *Tracker {
	if bus == nil {
		bus = notify.Discard{}
	}
	return &Tracker{
		bus:      bus,
		now:      func() time.Time { return time.Now().UTC() },
		active:   make(map[ID]*operation),
		classes:  make(map[string]ID),
		finished: make(map[ID]Snapshot),
	}
}

func (t *Tracker) WithHistory(h History) *Tracker {
	t.history = h
	return t
}

func (t *Tracker) WithObserver(o Observer) *Tracker {
	t.observer = o
	return t
}

// Register adds a Running operation. It returns false when an operation of
// the same exclusive class is already Running; nothing is recorded or
// published in that case.
func (t *Tracker) Register(ctx context.Context, typ Type, label string, cancel func(), metadata map[string]string) (ID, bool) {
	t.mx.Lock()
	class := typ.Class()
	if running, ok := t.classes[class]; ok {
		t.mx.Unlock()
		slog.InfoContext(ctx, "operation busy: ignoring register", "type", typ, "running_id", running)
		return "", false
	}
	if cancel == nil {
		cancel = func() {}
	}
	op := &operation{
		id:        ID(uuid.NewString()),
		typ:       typ,
		label:     label,
		status:    StatusRunning,
		startedAt: t.now(),
		metadata:  maps.Clone(metadata),
		cancel:    cancel,
	}
	t.active[op.id] = op
	t.classes[class] = op.id
	t.mx.Unlock()

	if t.observer != nil {
		t.observer.Started(typ)
	}
	slog.InfoContext(ctx, "operation registered", "operation_id", op.id, "type", typ, "label", label)
	t.bus.Publish(ctx, notify.Event{
		Topic:       notify.TopicStarted,
		OperationID: string(op.id),
		Type:        string(typ),
		Status:      string(StatusRunning),
		Message:     label,
	})
	return op.id, true
}

// Cancel requests cancellation. It is idempotent: cancelling an operation
// that was already cancelled or has finished returns true. Only an id that
// was never seen returns false.
func (t *Tracker) Cancel(ctx context.Context, id ID) bool {
	t.mx.Lock()
	op, ok := t.active[id]
	if ok {
		first := !op.cancelRequested
		op.cancelRequested = true
		cancel := op.cancel
		t.mx.Unlock()
		if first {
			slog.InfoContext(ctx, "operation cancel requested", "operation_id", id)
			cancel()
		}
		return true
	}
	_, ok = t.finished[id]
	t.mx.Unlock()
	if ok {
		return true
	}
	if t.history != nil {
		_, found, err := t.history.Load(ctx, id)
		if err != nil {
			slog.WarnContext(ctx, "loading operation history", "operation_id", id, "error", err)
		}
		return found
	}
	return false
}

// Progress stores the latest progress of id and publishes it. Progress of
// unknown or finished operations is dropped.
func (t *Tracker) Progress(ctx context.Context, id ID, p Progress) {
	t.mx.Lock()
	op, ok := t.active[id]
	if !ok {
		t.mx.Unlock()
		return
	}
	p.Percent = clampPercent(p.Percent)
	op.progress = p.clone()
	typ := op.typ
	t.mx.Unlock()

	t.bus.Publish(ctx, notify.Event{
		Topic:       notify.TopicProgress,
		OperationID: string(id),
		Type:        string(typ),
		Status:      p.Status,
		Percent:     p.Percent,
		Message:     p.Message,
		Counters:    maps.Clone(p.Counters),
	})
}

// Complete moves id to its terminal state and publishes exactly one
// complete event. An error wrapping ErrCancelled or context.Canceled makes
// the operation Cancelled. Completing twice is a no-op.
func (t *Tracker) Complete(ctx context.Context, id ID, success bool, err error) {
	t.mx.Lock()
	op, ok := t.active[id]
	if !ok {
		t.mx.Unlock()
		slog.DebugContext(ctx, "operation not active: ignoring complete", "operation_id", id)
		return
	}
	delete(t.active, id)
	if t.classes[op.typ.Class()] == id {
		delete(t.classes, op.typ.Class())
	}

	status, msg := terminal(op, success, err)
	op.status = status
	snap := op.snapshot()
	snap.FinishedAt = t.now()
	snap.Message = msg
	t.remember(snap)
	t.mx.Unlock()

	if t.observer != nil {
		t.observer.Finished(op.typ, status, snap.FinishedAt.Sub(snap.StartedAt))
	}
	if t.history != nil {
		if err := t.history.Save(ctx, snap); err != nil {
			slog.WarnContext(ctx, "saving operation history", "operation_id", id, "error", err)
		}
	}

	slog.InfoContext(ctx, "operation finished", "operation_id", id, "type", op.typ, "status", status, "message", msg)
	percent := snap.Progress.Percent
	if status == StatusCompleted {
		percent = 100
	}
	t.bus.Publish(ctx, notify.Event{
		Topic:       notify.TopicComplete,
		OperationID: string(id),
		Type:        string(op.typ),
		Status:      string(status),
		Percent:     percent,
		Message:     msg,
		Counters:    maps.Clone(snap.Progress.Counters),
		Success:     status == StatusCompleted,
		Cancelled:   status == StatusCancelled,
	})
}

func terminal(op *operation, success bool, err error) (Status, string) {
	switch {
	case errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled):
		return StatusCancelled, op.label + " cancelled"
	case success && err == nil:
		if op.progress.Message != "" {
			return StatusCompleted, op.progress.Message
		}
		return StatusCompleted, op.label + " completed"
	case err != nil:
		return StatusFailed, fmt.Sprintf("%s failed: %s", op.label, err)
	default:
		return StatusFailed, op.label + " failed"
	}
}

func (t *Tracker) remember(s Snapshot) {
	t.finished[s.ID] = s
	t.order = append(t.order, s.ID)
	if len(t.order) > finishedCap {
		delete(t.finished, t.order[0])
		t.order = t.order[1:]
	}
}

// Status returns the current snapshot of id, falling back to finished
// operations and the history store.
func (t *Tracker) Status(ctx context.Context, id ID) (Snapshot, bool) {
	t.mx.Lock()
	if op, ok := t.active[id]; ok {
		s := op.snapshot()
		t.mx.Unlock()
		return s, true
	}
	if s, ok := t.finished[id]; ok {
		t.mx.Unlock()
		return s, true
	}
	t.mx.Unlock()

	if t.history == nil {
		return Snapshot{}, false
	}
	s, ok, err := t.history.Load(ctx, id)
	if err != nil {
		slog.WarnContext(ctx, "loading operation history", "operation_id", id, "error", err)
		return Snapshot{}, false
	}
	return s, ok
}

// Active returns snapshots of all Running operations.
func (t *Tracker) Active() []Snapshot {
	t.mx.Lock()
	defer t.mx.Unlock()
	ret := make([]Snapshot, 0, len(t.active))
	for _, op := range t.active {
		ret = append(ret, op.snapshot())
	}
	return ret
}

// Running returns the id of the Running operation of typ's class.
func (t *Tracker) Running(typ Type) (ID, bool) {
	t.mx.Lock()
	defer t.mx.Unlock()
	id, ok := t.classes[typ.Class()]
	return id, ok
}

func clampPercent(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
