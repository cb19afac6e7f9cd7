/*
Package httpapi is the REST facade over the orchestrator.

It exposes job submission, reads, cancellation and the per-job event log,
plus pool, worker and template listings, prometheus metrics and a health
probe. The event endpoint doubles as a server-sent-events stream with
follow=true: the durable log is replayed from the cursor, live events are
appended, and the stream closes when the job reaches a terminal state.
*/
package httpapi
