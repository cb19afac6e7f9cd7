/*
Package types defines the core data structures used throughout Hodei Pipelines.

This package contains all fundamental types that represent the domain model:
jobs, workers, resource pools, pipeline models, execution events, artifacts
and the failure taxonomy. It has no behavior beyond small predicates so every
other package can depend on it without cycles.

# Core Types

Job lifecycle:
  - Job: a single submission-to-completion unit
  - JobStatus: queued → scheduled → running → (completed | failed | cancelled)
  - LegalTransition: the only authority on status edges; repositories enforce
    it with compare-and-set updates

Placement:
  - WorkerRequirements: labels, minimum cpu/memory quantities, wait deadline
  - ResourcePool / PoolUtilization: capacity buckets and live snapshots
  - WorkerTemplate / InstanceHandle: provisioning inputs and outputs

Execution:
  - PipelineModel, Stage, Step, Condition, PostBlocks: the executable form a
    worker interprets. Steps and conditions are tagged unions dispatched
    exhaustively by Kind.
  - ExecutionEvent: append-only, per-job, monotonic Seq
  - Artifact: content-addressed blob with a SHA-256 checksum

Failures:
  - FailureKind maps to stable E_* codes and exit code categories
  - Failure implements error and crosses component boundaries instead of
    opaque strings

All types are JSON-serializable; the wire protocol and the repositories both
marshal them directly.
*/
package types
