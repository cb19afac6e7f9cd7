/*
Package registry keeps the two pieces of process-wide shared state on the
orchestrator: connected workers and configured resource pools.

WorkerRegistry owns worker liveness and binding. Registration is idempotent
so reconnects refresh metadata instead of duplicating entries. Acquire is the
only way a worker becomes busy and it binds exactly one job atomically; a
worker that misses three heartbeat intervals is swept offline and, when it
held a job, the loss is surfaced through the OnWorkerLost callback so the
execution engine can fail the job.

PoolRegistry binds each pool to its instance provider, polls utilization on
a bounded interval (with short retries for transient sampling errors) and
caches the snapshots the scheduler ranks on. Snapshots older than the
staleness grace window are reported through Stale and deprioritized. The
maxWorkers admission check happens here, at the moment of provisioning,
against the worker registry's live count.
*/
package registry
