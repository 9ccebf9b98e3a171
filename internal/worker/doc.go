// Package worker supervises one external worker process per run.
//
// Overview
// Supervisor.Run starts the process, drains stdout and stderr line by line
// (two goroutines, so a full pipe never blocks the worker) and polls the
// worker's progress file on a fixed interval. Every snapshot that differs
// from the previous one is handed to the caller's ProgressFunc.
//
// Data flow:
//
//	Supervisor.Run          poll goroutine            worker process
//	     |                       |                          |
//	     | exec.Start ---------------------------------------->|
//	     |                       |<---- progress.json ------| (writes)
//	     |                       | Read, diff, ProgressFunc |
//	     | wait / cancel ------------------------------------->| SIGINT, grace, kill tree
//	     |<-------------------------------------------- exit --|
//	     | stop poll, join, settle, final Read              |
//
// Invariants:
//   - Exactly one poll loop and one waiter per run; both are joined before Run returns.
//   - A missing or malformed progress file is "no update yet", never an error.
//   - The final snapshot is read after the worker exited, so it reflects its last write.
//   - A nonzero exit is disambiguated with the last snapshot, see Classify.
package worker
