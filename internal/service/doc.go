// Package service runs the operations of opsd in the background.
//
// Overview
// A Service owns one Tracker, one exclusive Lock, one worker Supervisor
// and one reset Engine, all sharing the notification Bus. Callers request
// an operation with one of the Start methods. The request returns at once
// with the id of the new operation, or with busy=false when an operation of
// the same exclusive class is already running. The work itself runs on a
// goroutine owned by the Service.
//
// Data flow:
//
//   caller              Service                 Lock        Supervisor / Engine
//     |                    |                      |                 |
//     | Start* ----------->| Tracker.Register     |                 |
//     |<-- id, ok ---------|                      |                 |
//     |                    | go: RunExclusive --->| (queued)        |
//     |                    |                      |-- datasource.Run -> worker.Run
//     |                    |<--- progress --------|-----------------|
//     |                    | Tracker.Progress -> Bus                |
//     |                    |<--- result ----------|-----------------|
//     |                    | Tracker.Complete -> Bus, History       |
//
// Invariants:
//   - At most one running operation per exclusive class (see ops.Type.Class).
//   - Mutating phases of all operations are serialized by one Lock.
//   - Every accepted operation is completed exactly once, also when the
//     Service is closed while it runs.
//   - Worker processes never outlive the operation that started them.
//
// Workers are external binaries called with positional arguments:
//
//	processor          <db> <access.log> <progress.json> <start_position>
//	stream_processor   <db> <log_dir> <progress.json> <start_position> <datasource>
//	log_manager        remove <log_dir> <service> <progress.json> <datasource>
//	cache_cleaner      <cache_dir> <progress.json> <threads> <delete_mode>
//	service_remover    <db> <log_dir> <cache_dir> <service> <output.json> <progress.json>
package service
