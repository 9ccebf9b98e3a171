package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/lancachemanager/opsd/internal/ops"
)

var (
	ErrBusy            = errors.New("an operation of the same kind is running")
	ErrOperationFailed = errors.New("operation failed")
)

// Request describes an operation to start. Only the fields of its Type are
// used.
type Request struct {
	Type       ops.Type `json:"-"`
	Service    string   `json:"service,omitempty"`
	Tables     []string `json:"tables,omitempty"`
	Threads    int      `json:"threads,omitempty"`
	DeleteMode string   `json:"deleteMode,omitempty"`
}

// Start dispatches req to the matching Start method.
func (s *Service) Start(ctx context.Context, req Request) (ops.ID, bool, error) {
	switch req.Type {
	case ops.LogProcessing:
		return s.StartLogProcessing(ctx)
	case ops.StreamProcessing:
		return s.StartStreamProcessing(ctx)
	case ops.LogRemoval:
		return s.StartLogRemoval(ctx, req.Service)
	case ops.ServiceRemoval:
		return s.StartServiceRemoval(ctx, req.Service)
	case ops.CacheClear:
		return s.StartCacheClear(ctx, req.Threads, req.DeleteMode)
	case ops.DatabaseReset:
		return s.StartDatabaseReset(ctx, req.Tables)
	default:
		return "", false, fmt.Errorf("%w: %q", ops.ErrUnknownType, req.Type)
	}
}

// Run starts req and blocks until it is finished. Cancelling ctx cancels
// the operation and still waits for it to wind down. Used by the CLI.
func (s *Service) Run(ctx context.Context, req Request) (ops.Snapshot, error) {
	id, ok, err := s.Start(ctx, req)
	if err != nil {
		return ops.Snapshot{}, err
	}
	if !ok {
		return ops.Snapshot{}, fmt.Errorf("%s: %w", req.Type, ErrBusy)
	}

	snap, err := s.Wait(ctx, id)
	if err != nil && ctx.Err() != nil {
		s.Cancel(context.WithoutCancel(ctx), id)
		snap, err = s.Wait(context.WithoutCancel(ctx), id)
	}
	if err != nil {
		return snap, err
	}

	switch snap.Status {
	case ops.StatusCompleted:
		return snap, nil
	case ops.StatusCancelled:
		return snap, fmt.Errorf("%s: %w", snap.Label, ops.ErrCancelled)
	default:
		return snap, fmt.Errorf("%w: %s", ErrOperationFailed, snap.Message)
	}
}
