/*
Package api is the orchestrator's worker-facing grpc endpoint.

Each worker holds exactly one bidirectional session. The first inbound
message must be Register; it is checked against the protocol version, the
target pool and the session token the worker id was first registered with,
then acknowledged with the heartbeat cadence. From there the session is two
loops: a single writer draining a bounded outbound queue, and a reader
routing messages by kind to the worker registry (liveness) and the execution
engine (status, logs, results, artifact acks, cache responses).

The server implements the engine's Sender: sends block when a session's
outbound queue is full, preserving message order under backpressure. A
disconnect closes the session but leaves the worker registered; the
registry's heartbeat sweep decides when it is actually gone.
*/
package api
