package worker

import (
	"context"
	"errors"

	"github.com/shirou/gopsutil/v4/process"
)

// killTree kills pid and all its descendants, children first.
func killTree(ctx context.Context, pid int) error {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return err
	}
	return kill(ctx, p)
}

func kill(ctx context.Context, p *process.Process) error {
	var errs []error
	children, err := p.ChildrenWithContext(ctx)
	if err != nil && !errors.Is(err, process.ErrorNoChildren) {
		errs = append(errs, err)
	}
	for _, child := range children {
		if err := kill(ctx, child); err != nil {
			errs = append(errs, err)
		}
	}
	if err := p.KillWithContext(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
