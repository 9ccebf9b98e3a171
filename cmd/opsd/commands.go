package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/lancachemanager/opsd/internal/api"
	"github.com/lancachemanager/opsd/internal/log"
	"github.com/lancachemanager/opsd/internal/notify"
	"github.com/lancachemanager/opsd/internal/ops"
	"github.com/lancachemanager/opsd/internal/reset"
	"github.com/lancachemanager/opsd/internal/service"
)

var (
	flagService    string
	flagThreads    int
	flagDeleteMode string
	flagTables     []string
	flagYes        bool
)

func init() {
	runCmd.Flags().StringVar(&flagService, "service", "", "service name for log_removal and service_removal")
	runCmd.Flags().IntVar(&flagThreads, "threads", 0, "worker threads for cache_clear, default from config")
	runCmd.Flags().StringVar(&flagDeleteMode, "delete-mode", "", "preserve, full or rsync for cache_clear, default from config")
	runCmd.Flags().StringSliceVar(&flagTables, "table", nil, "table to clear for database_reset, repeatable, default all")

	resetCmd.Flags().StringSliceVar(&flagTables, "table", nil, "table to clear, repeatable, default all: "+strings.Join(reset.TableNames(), ", "))
	resetCmd.Flags().BoolVar(&flagYes, "yes", false, "do not ask for a confirmation")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve runs the scheduler and the HTTP API until interrupted",
	RunE:  doServe,
}

var runCmd = &cobra.Command{
	Use:       "run <kind>",
	Short:     "run executes one operation and waits for it: " + kinds(),
	Args:      cobra.ExactArgs(1),
	ValidArgs: kindArgs(),
	RunE:      doRun,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "reset clears dataset tables in one transaction",
	RunE:  doReset,
}

func kindArgs() []string {
	ret := make([]string, 0, len(ops.Types))
	for _, t := range ops.Types {
		ret = append(ret, string(t))
	}
	return ret
}

func kinds() string {
	return strings.Join(kindArgs(), ", ")
}

func signalContext(cmd *cobra.Command, name string) (context.Context, context.CancelFunc) {
	attrs := slog.Group("opsd",
		slog.String("cmd", name),
		slog.Int("pid", os.Getpid()),
	)
	ctx := log.ContextAttrs(cmd.Context(), attrs)
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext(cmd, "serve")
	defer stop()

	svc, err := service.New(ctx, config)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			slog.ErrorContext(ctx, "closing service", "error", err)
		}
	}()

	if err := svc.StartSchedule(ctx); err != nil {
		return err
	}

	if !config.API.Enabled {
		slog.InfoContext(ctx, "api disabled: running the scheduler only")
		<-ctx.Done()
		return nil
	}
	ln, err := net.ListenTCP("tcp", config.API.Listen.AsTCPAddr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", config.API.Listen.AsTCPAddr(), err)
	}
	router := api.NewRouter(svc, svc.Bus(), svc.Metrics().Handler())
	return api.Serve(ctx, ln, router)
}

func doRun(cmd *cobra.Command, args []string) error {
	typ, err := ops.ParseType(args[0])
	if err != nil {
		return fmt.Errorf("%w, expected one of %s", err, kinds())
	}
	return runOperation(cmd, service.Request{
		Type:       typ,
		Service:    flagService,
		Threads:    flagThreads,
		DeleteMode: flagDeleteMode,
		Tables:     flagTables,
	})
}

func doReset(cmd *cobra.Command, _ []string) error {
	if !flagYes {
		what := "every table"
		if len(flagTables) > 0 {
			what = strings.Join(flagTables, ", ")
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "This deletes all rows of %s from %s. Continue? [y/N] ", what, config.Database)
		var answer string
		_, _ = fmt.Fscanln(cmd.InOrStdin(), &answer)
		if a := strings.ToLower(strings.TrimSpace(answer)); a != "y" && a != "yes" {
			return fmt.Errorf("reset: %w", ops.ErrCancelled)
		}
	}
	return runOperation(cmd, service.Request{Type: ops.DatabaseReset, Tables: flagTables})
}

// runOperation runs req in a fresh service, logs its progress and prints
// the final snapshot as JSON.
func runOperation(cmd *cobra.Command, req service.Request) error {
	ctx, stop := signalContext(cmd, "run")
	defer stop()

	svc, err := service.New(ctx, config)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			slog.ErrorContext(ctx, "closing service", "error", err)
		}
	}()

	events, unsubscribe := svc.Bus().Subscribe(64)
	go logEvents(ctx, events)
	defer unsubscribe()

	snap, err := svc.Run(ctx, req)
	if snap.ID != "" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(snap); encErr != nil {
			slog.ErrorContext(ctx, "printing result", "error", encErr)
		}
	}
	return err
}

func logEvents(ctx context.Context, events <-chan notify.Event) {
	var last int
	for e := range events {
		switch e.Topic {
		case notify.TopicProgress:
			// one line per whole percent
			if int(e.Percent) == last && e.Percent < 100 {
				continue
			}
			last = int(e.Percent)
			attrs := []any{"percent", fmt.Sprintf("%.1f", e.Percent), "message", e.Message}
			for k, v := range e.Counters {
				attrs = append(attrs, k, humanize.Comma(int64(v)))
			}
			slog.InfoContext(ctx, "progress", attrs...)
		default:
			slog.InfoContext(ctx, string(e.Topic), "operation_id", e.OperationID, "status", e.Status, "message", e.Message)
		}
	}
}
