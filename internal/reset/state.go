package reset

import (
	"context"
	"log/slog"

	"github.com/looplab/fsm"
)

const (
	StateStarting   = "starting"
	StateCounting   = "counting"
	StateDeleting   = "deleting"
	StateCleanup    = "cleanup"
	StateCompleted  = "completed"
	StateRolledBack = "rolled_back"
	StateCancelled  = "cancelled"
)

const (
	eventCount    = "count"
	eventDelete   = "delete"
	eventCommit   = "commit"
	eventComplete = "complete"
	eventFail     = "fail"
	eventCancel   = "cancel"
)

// newMachine returns the state machine of one reset run.
func newMachine() *fsm.FSM {
	active := []string{StateStarting, StateCounting, StateDeleting}
	return fsm.NewFSM(
		StateStarting,
		fsm.Events{
			{Name: eventCount, Src: []string{StateStarting}, Dst: StateCounting},
			{Name: eventDelete, Src: []string{StateCounting}, Dst: StateDeleting},
			{Name: eventCommit, Src: []string{StateDeleting}, Dst: StateCleanup},
			{Name: eventComplete, Src: []string{StateCleanup}, Dst: StateCompleted},
			{Name: eventFail, Src: active, Dst: StateRolledBack},
			{Name: eventCancel, Src: active, Dst: StateCancelled},
		},
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				slog.DebugContext(ctx, "reset state", "from", e.Src, "to", e.Dst)
			},
		},
	)
}

// transition fires event and logs an impossible transition instead of
// failing the run; the machine only mirrors what the engine does.
func transition(ctx context.Context, m *fsm.FSM, event string) {
	if err := m.Event(ctx, event); err != nil {
		slog.WarnContext(ctx, "reset state transition", "event", event, "state", m.Current(), "error", err)
	}
}
