/*
Package scheduler matches queued jobs to resource pools.

A tick walks the queue in placement order (priority first, FIFO within a
priority), filters the pools each job can run on, and asks the active
strategy to pick one. Ticks fire on submission, on worker release and on a
periodic backstop interval, and are serialized so concurrent triggers can
never double-place a job.

Filtering is conjunctive label matching: every requirement entry is a small
boolean expression over the pool's label set ("linux && docker",
"gpu || !arm"), plus a resource fit check against the pool's provisioning
template when one is configured. Pools whose provider reports itself
unhealthy are excluded for the tick.

Four strategies ship: round-robin, least-loaded (weighted CPU, memory and
worker-slot utilization), greedy-best-fit (tightest pool that still fits)
and bin-packing (busiest pool with headroom). Strategies see candidates in
lexical pool-id order, which makes ties deterministic. Pools whose
utilization snapshot is stale are treated as fully loaded rather than
excluded, so a pool with a flaky provider degrades instead of vanishing.
*/
package scheduler
