/*
Package wire defines the worker protocol: the message envelopes exchanged on
the single bidirectional grpc stream between orchestrator and worker, the
codec they ride on, and artifact chunking.

Both envelopes (WorkerMessage, OrchestratorMessage) are tagged unions with
exactly one field set. Messages are JSON-encoded through a codec registered
under the "hodei-json" content subtype, so the stream needs no generated
code; the service descriptor is written by hand and registered like any
other grpc service.

Session flow: the worker opens the stream, sends Register, and receives
RegisterAck with the heartbeat cadence. Assignments, cancellations and
artifact transfers flow down; heartbeats, status events, log chunks and the
final ExecutionResult flow up. Any inbound message refreshes liveness.

Artifacts move as ordered chunks of at most 64KiB, raw or gzip-encoded, and
are verified against a SHA-256 checksum of the decompressed content on
assembly. A CacheQuery/CacheResponse exchange before transfer lets workers
skip artifacts they already hold with a matching checksum.
*/
package wire
