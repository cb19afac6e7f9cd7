// Package client provides a Go client for the Hodei HTTP API. It covers
// job submission and inspection, cancellation, event log reads with
// follow mode, and pool, worker and template listings.
package client
