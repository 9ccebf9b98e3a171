package ops_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lancachemanager/opsd/internal/notify"
	"github.com/lancachemanager/opsd/internal/ops"
	"github.com/stretchr/testify/require"
)

func TestRegisterBusy(t *testing.T) {
	t.Parallel()
	var rec notify.Recorder
	tracker := ops.NewTracker(&rec)
	ctx := t.Context()

	id, ok := tracker.Register(ctx, ops.LogRemoval, "remove steam", nil, map[string]string{"service": "steam"})
	require.True(t, ok)
	require.NotEmpty(t, id)
	before := tracker.Active()
	events := len(rec.Events())

	t.Run("same class is busy", func(t *testing.T) {
		busy, ok := tracker.Register(ctx, ops.ServiceRemoval, "remove epic", nil, nil)
		require.False(t, ok)
		require.Empty(t, busy)
		require.Equal(t, before, tracker.Active())
		require.Len(t, rec.Events(), events)
	})

	t.Run("other class is accepted", func(t *testing.T) {
		other, ok := tracker.Register(ctx, ops.DatabaseReset, "reset", nil, nil)
		require.True(t, ok)
		require.NotEqual(t, id, other)
		require.Len(t, tracker.Active(), 2)
	})

	t.Run("class is free after complete", func(t *testing.T) {
		tracker.Complete(ctx, id, true, nil)
		_, ok := tracker.Register(ctx, ops.ServiceRemoval, "remove epic", nil, nil)
		require.True(t, ok)
	})
}

func TestCancelIdempotent(t *testing.T) {
	t.Parallel()
	var rec notify.Recorder
	tracker := ops.NewTracker(&rec)
	ctx := t.Context()

	var calls int
	id, ok := tracker.Register(ctx, ops.CacheClear, "clear cache", func() { calls++ }, nil)
	require.True(t, ok)

	require.True(t, tracker.Cancel(ctx, id))
	require.True(t, tracker.Cancel(ctx, id))
	require.Equal(t, 1, calls)

	snap, ok := tracker.Status(ctx, id)
	require.True(t, ok)
	require.True(t, snap.CancelRequested)
	require.Equal(t, ops.StatusRunning, snap.Status)

	tracker.Complete(ctx, id, false, fmt.Errorf("worker stopped: %w", ops.ErrCancelled))
	require.True(t, tracker.Cancel(ctx, id))
	require.Equal(t, 1, calls)

	require.False(t, tracker.Cancel(ctx, "never-seen"))

	snap, ok = tracker.Status(ctx, id)
	require.True(t, ok)
	require.Equal(t, ops.StatusCancelled, snap.Status)
}

func TestComplete(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario  string
		success   bool
		err       error
		status    ops.Status
		cancelled bool
	}{
		{"success", true, nil, ops.StatusCompleted, false},
		{"failure", false, errors.New("boom"), ops.StatusFailed, false},
		{"failure without error", false, nil, ops.StatusFailed, false},
		{"context cancelled", false, context.Canceled, ops.StatusCancelled, true},
		{"wrapped cancel", false, fmt.Errorf("x: %w", ops.ErrCancelled), ops.StatusCancelled, true},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			var rec notify.Recorder
			tracker := ops.NewTracker(&rec)
			ctx := t.Context()
			id, ok := tracker.Register(ctx, ops.LogProcessing, "process logs", nil, nil)
			require.True(t, ok)
			tracker.Progress(ctx, id, ops.Progress{Percent: 40, Message: "half way"})

			tracker.Complete(ctx, id, tt.success, tt.err)
			tracker.Complete(ctx, id, true, nil)

			require.Equal(t, []notify.Topic{notify.TopicStarted, notify.TopicProgress, notify.TopicComplete}, rec.Topics())
			last := rec.Events()[2]
			require.Equal(t, string(tt.status), last.Status)
			require.Equal(t, tt.cancelled, last.Cancelled)
			require.Equal(t, tt.status == ops.StatusCompleted, last.Success)
			require.NotEmpty(t, last.Message)

			snap, ok := tracker.Status(ctx, id)
			require.True(t, ok)
			require.Equal(t, tt.status, snap.Status)
			require.False(t, snap.FinishedAt.IsZero())
			require.Empty(t, tracker.Active())
		})
	}
}

func TestProgress(t *testing.T) {
	t.Parallel()
	var rec notify.Recorder
	tracker := ops.NewTracker(&rec)
	ctx := t.Context()

	a, _ := tracker.Register(ctx, ops.LogProcessing, "a", nil, nil)
	b, _ := tracker.Register(ctx, ops.CacheClear, "b", nil, nil)
	counters := map[string]uint64{"lines_parsed": 5}
	tracker.Progress(ctx, a, ops.Progress{Percent: 120, Message: "a", Counters: counters})
	tracker.Progress(ctx, b, ops.Progress{Percent: 10, Message: "b"})
	counters["lines_parsed"] = 6

	sa, _ := tracker.Status(ctx, a)
	sb, _ := tracker.Status(ctx, b)
	require.Equal(t, 100.0, sa.Progress.Percent)
	require.Equal(t, uint64(5), sa.Progress.Counters["lines_parsed"])
	require.Equal(t, 10.0, sb.Progress.Percent)

	tracker.Complete(ctx, a, true, nil)
	n := len(rec.Events())
	tracker.Progress(ctx, a, ops.Progress{Percent: 50})
	require.Len(t, rec.Events(), n, "progress after complete is dropped")
}

type memHistory struct {
	mx sync.Mutex
	m  map[ops.ID]ops.Snapshot
}

func (h *memHistory) Save(_ context.Context, s ops.Snapshot) error {
	h.mx.Lock()
	defer h.mx.Unlock()
	h.m[s.ID] = s
	return nil
}

func (h *memHistory) Load(_ context.Context, id ops.ID) (ops.Snapshot, bool, error) {
	h.mx.Lock()
	defer h.mx.Unlock()
	s, ok := h.m[id]
	return s, ok, nil
}

type countObserver struct {
	started  int
	finished map[ops.Status]int
}

func (o *countObserver) Started(ops.Type) { o.started++ }
func (o *countObserver) Finished(_ ops.Type, s ops.Status, _ time.Duration) {
	o.finished[s]++
}

func TestHistoryFallback(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	h := &memHistory{m: make(map[ops.ID]ops.Snapshot)}
	obs := &countObserver{finished: make(map[ops.Status]int)}
	first := ops.NewTracker(nil).WithHistory(h).WithObserver(obs)
	id, _ := first.Register(ctx, ops.DatabaseReset, "reset", nil, nil)
	first.Complete(ctx, id, false, errors.New("disk full"))
	require.Equal(t, 1, obs.started)
	require.Equal(t, 1, obs.finished[ops.StatusFailed])

	// a fresh tracker, as after a restart, still answers from history
	second := ops.NewTracker(nil).WithHistory(h)
	snap, ok := second.Status(ctx, id)
	require.True(t, ok)
	require.Equal(t, ops.StatusFailed, snap.Status)
	require.Contains(t, snap.Message, "disk full")
	require.True(t, second.Cancel(ctx, id))
	require.False(t, second.Cancel(ctx, "nope"))
}

func TestParseType(t *testing.T) {
	for _, typ := range ops.Types {
		got, err := ops.ParseType(string(typ))
		require.NoError(t, err)
		require.Equal(t, typ, got)
	}
	_, err := ops.ParseType("format_disk")
	require.ErrorIs(t, err, ops.ErrUnknownType)
}
