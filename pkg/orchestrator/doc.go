/*
Package orchestrator is the job control plane: intake, cancellation and
reads over the durable store.

Submit validates the pipeline model (stage and step shapes, artifact
topology) before anything is persisted, so an invalid definition is rejected
synchronously and never occupies the queue. Accepted jobs are persisted,
enqueued and announced with a JobQueued event in one pass, then the
scheduler is nudged.

Cancellation is idempotent and status-aware. A queued job is removed from
the queue and transitioned directly; a job that already left the queue is
handed to the execution engine, which interrupts its worker and lets the
normal finalization path record the terminal state. Cancellation always wins
over a concurrently arriving result.

All status changes go through the store's compare-and-set transition, so a
cancel racing a placement resolves to exactly one of the two outcomes.
*/
package orchestrator
