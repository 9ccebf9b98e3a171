package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lancachemanager/opsd/internal/ops"
	"github.com/lancachemanager/opsd/internal/progress"
)

var (
	ErrSpawn        = errors.New("worker could not be started")
	ErrWorkerFailed = errors.New("worker failed")
)

const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultGracePeriod  = 5 * time.Second
	DefaultSettleDelay  = 250 * time.Millisecond
)

type Command struct {
	Path         string
	Args         []string
	Env          []string
	Dir          string
	ProgressPath string
}

type Outcome int

const (
	Succeeded Outcome = iota
	Failed
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

type Result struct {
	Path     string
	Args     []string
	Started  time.Time
	Stopped  time.Time
	ExitCode int
	State    *os.ProcessState
	Last     progress.Snapshot
	Outcome  Outcome
}

// Err maps the outcome to an error: nil, ErrWorkerFailed or ops.ErrCancelled.
func (r Result) Err() error {
	switch r.Outcome {
	case Succeeded:
		return nil
	case Cancelled:
		return fmt.Errorf("%s: %w", r.Path, ops.ErrCancelled)
	default:
		msg := r.Last.Message
		if msg == "" && len(r.Last.Errors) > 0 {
			msg = r.Last.Errors[len(r.Last.Errors)-1]
		}
		if msg == "" {
			return fmt.Errorf("%w: %s exited with code %d", ErrWorkerFailed, r.Path, r.ExitCode)
		}
		return fmt.Errorf("%w: %s exited with code %d: %s", ErrWorkerFailed, r.Path, r.ExitCode, msg)
	}
}

type ProgressFunc func(ctx context.Context, s progress.Snapshot)

type LineFunc func(ctx context.Context, stream string, line string)

type Supervisor struct {
	PollInterval time.Duration
	GracePeriod  time.Duration
	SettleDelay  time.Duration
	// OnLine receives every output line. Defaults to debug logging.
	OnLine LineFunc
}

func NewSupervisor() *Supervisor {
	return &Supervisor{
		PollInterval: DefaultPollInterval,
		GracePeriod:  DefaultGracePeriod,
		SettleDelay:  DefaultSettleDelay,
	}
}

// Run executes proto and blocks until the process is gone. The returned
// error is non-nil only when the process could not be started (ErrSpawn);
// how the worker ended is in Result.Outcome.
//
// Cancelling ctx interrupts the worker, waits GracePeriod and then kills the
// whole process tree.
func (s *Supervisor) Run(ctx context.Context, proto Command, onProgress ProgressFunc) (Result, error) {
	result := Result{
		Path:     proto.Path,
		Args:     append([]string(nil), proto.Args...),
		ExitCode: -1,
	}

	var channel progress.Channel
	if proto.ProgressPath != "" {
		file := progress.NewFile(proto.ProgressPath)
		if err := file.Remove(); err != nil {
			slog.WarnContext(ctx, "removing stale progress file", "path", proto.ProgressPath, "error", err)
		}
		channel = file
	}

	cmd := exec.Command(proto.Path, proto.Args...)
	cmd.Env = proto.Env
	cmd.Dir = proto.Dir
	cmd.WaitDelay = s.GracePeriod
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	cmd.Stdout = outW
	cmd.Stderr = errW

	result.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		result.Stopped = time.Now().UTC()
		_ = outW.Close()
		_ = errW.Close()
		return result, fmt.Errorf("%w: %w", ErrSpawn, err)
	}
	slog.DebugContext(ctx, "worker started", "path", proto.Path, "args", proto.Args, "pid", cmd.Process.Pid)

	var streams sync.WaitGroup
	streams.Go(func() { s.drain(ctx, "stdout", outR) })
	streams.Go(func() { s.drain(ctx, "stderr", errR) })

	exited := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		_ = outW.Close()
		_ = errW.Close()
		streams.Wait()
		exited <- err
	}()

	p := &poller{ch: channel, fn: onProgress}
	pollCtx, stopPoll := context.WithCancel(context.WithoutCancel(ctx))
	defer stopPoll()

	var g errgroup.Group
	if channel != nil {
		g.Go(func() error {
			s.poll(pollCtx, p)
			return nil
		})
	}
	g.Go(func() error {
		defer stopPoll()
		return s.wait(ctx, cmd, exited)
	})
	waitErr := g.Wait()

	result.Stopped = time.Now().UTC()
	result.State = cmd.ProcessState
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	switch {
	case waitErr == nil, errors.As(waitErr, &exitErr):
	case errors.Is(waitErr, exec.ErrWaitDelay):
		slog.WarnContext(ctx, "worker output was still open after exit", "path", proto.Path)
	default:
		slog.ErrorContext(ctx, "waiting for worker", "path", proto.Path, "error", waitErr)
	}

	if channel != nil {
		if s.SettleDelay > 0 {
			time.Sleep(s.SettleDelay)
		}
		p.once(pollCtx)
	}
	result.Last = p.last
	result.Outcome = Classify(result.ExitCode, p.last, ctx.Err() != nil)
	slog.DebugContext(ctx, "worker stopped",
		"path", proto.Path,
		"exit_code", result.ExitCode,
		"outcome", result.Outcome.String(),
		"percent_complete", p.last.PercentComplete,
	)
	return result, nil
}

// Classify decides how a worker ended.
//
// A zero exit code is success. Workers exit nonzero both when they fail and
// when they stop on request, so a nonzero exit is disambiguated with the
// last snapshot: an explicit "cancelled" or "error"/"failed" status wins,
// otherwise a run that did not reach 100% counts as cancelled.
func Classify(exitCode int, last progress.Snapshot, cancelled bool) Outcome {
	if exitCode == 0 {
		return Succeeded
	}
	if cancelled {
		return Cancelled
	}
	switch strings.ToLower(last.Status) {
	case "cancelled", "canceled":
		return Cancelled
	case "error", "failed":
		return Failed
	}
	if last.PercentComplete < 100 {
		return Cancelled
	}
	return Failed
}

func (s *Supervisor) wait(ctx context.Context, cmd *exec.Cmd, exited <-chan error) error {
	select {
	case err := <-exited:
		return err
	case <-ctx.Done():
	}

	pid := cmd.Process.Pid
	slog.InfoContext(ctx, "cancelling worker", "pid", pid)
	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		slog.DebugContext(ctx, "interrupt not delivered", "pid", pid, "error", err)
	} else {
		timer := time.NewTimer(s.GracePeriod)
		defer timer.Stop()
		select {
		case err := <-exited:
			return err
		case <-timer.C:
		}
	}

	slog.WarnContext(ctx, "worker did not stop: killing process tree", "pid", pid)
	if err := killTree(context.WithoutCancel(ctx), pid); err != nil {
		slog.WarnContext(ctx, "killing process tree", "pid", pid, "error", err)
		_ = cmd.Process.Kill()
	}
	return <-exited
}

func (s *Supervisor) poll(ctx context.Context, p *poller) {
	interval := s.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.once(ctx)
		}
	}
}

func (s *Supervisor) drain(ctx context.Context, stream string, r io.Reader) {
	onLine := s.OnLine
	if onLine == nil {
		onLine = logLine
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		onLine(ctx, stream, scanner.Text())
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		slog.ErrorContext(ctx, "processing worker output", "stream", stream, "error", err)
	}
	// keep the pipe empty even when a line was too long
	_, _ = io.Copy(io.Discard, r)
}

func logLine(ctx context.Context, stream string, line string) {
	slog.DebugContext(ctx, "worker output", "stream", stream, "line", line)
}

// poller remembers the last snapshot to report only changes. It is used by
// the poll goroutine and, after that one was joined, by Run.
type poller struct {
	ch   progress.Channel
	fn   ProgressFunc
	last progress.Snapshot
	seen bool
}

func (p *poller) once(ctx context.Context) {
	s, ok := p.ch.Read()
	if !ok {
		return
	}
	if p.seen && s.Equal(p.last) {
		return
	}
	p.last = s
	p.seen = true
	if p.fn != nil {
		p.fn(ctx, s)
	}
}
