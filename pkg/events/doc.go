// Package events distributes execution events to live observers such as the
// HTTP event stream. Subscriptions may cover all jobs or a single job id.
// Delivery is best-effort: the append-only event log in pkg/storage is the
// durable record, the broker only mirrors it for streaming reads.
package events
