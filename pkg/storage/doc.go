/*
Package storage provides the repositories for orchestrator state.

Two implementations back the same Store interface:

  - BoltStore: BoltDB-backed, one bucket per entity, JSON values. Events live
    in a sub-bucket per job keyed by a big-endian sequence number taken from
    bbolt's NextSequence, so cursor order equals append order.
  - MemoryStore: the in-memory reference used by tests and ephemeral runs.

# Job status updates

All status changes go through UpdateJobStatus, a compare-and-set on the
stored status that also checks types.LegalTransition. Illegal edges fail with
ErrIllegalTransition and leave the record untouched, which is what makes the
job state machine enforceable under concurrent schedulers, engines and
cancel requests.

startedAt is stamped on the first transition to running and completedAt on
the terminal transition; callers adjust the remaining fields through the
mutate callback inside the same commit.

# Event log

AppendEvent assigns the per-job monotonic sequence and timestamp; ListEvents
reads after a given sequence, which the HTTP event stream uses to resume.
Events are never rewritten or deleted.
*/
package storage
