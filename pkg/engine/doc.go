/*
Package engine supervises jobs from placement to their terminal state.

When the scheduler hands over a job, the engine transitions it to SCHEDULED
and starts one supervisor goroutine: acquire an idle worker in the chosen
pool, or provision a new instance when admission allows, bounded by a
provisioning timeout. The binding is atomic through the worker registry, so
a worker never runs two jobs.

Dispatch starts with a cache query when the job carries input artifacts;
only the artifacts the worker does not already hold are streamed, in bounded
chunks, before the assignment itself. From then on the engine is a relay:
status events and log chunks from the worker are appended to the durable
event log and fanned out to live watchers.

Finalization applies cancellation precedence: a cancel requested while the
job ran wins over whatever result the worker reports afterwards. A worker
swept offline mid-job fails the job with a WorkerLost reason; jobs are never
re-dispatched automatically. Ephemeral workers have their instance destroyed
once their job finishes, either way.
*/
package engine
