/*
Package worker implements the execution agent.

A worker holds one bidirectional session to the orchestrator: it registers
with its pool id and session token, heartbeats on the cadence the ack
negotiated, and accepts at most one assignment at a time. Assignments run
through the pipeline interpreter with events and step output relayed back
on the stream.

Artifacts arrive ahead of the assignment. The worker answers cache queries
from its local content-addressed cache (blob files plus a bbolt manifest),
assembles the chunks the orchestrator does send, and acknowledges each
artifact before execution starts. Ephemeral workers shut down once their
job's result is on the wire.
*/
package worker
