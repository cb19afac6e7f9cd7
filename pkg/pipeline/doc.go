/*
Package pipeline validates and interprets pipeline models on workers.

ValidateModel is the structural gate used at job intake: stage and step
shapes, condition trees and artifact topology (a stage may only require
artifacts produced by strictly earlier stages). Workers additionally run
ExecutorRegistry.CheckModel on assignment receipt, so an assignment naming
an extension this worker does not carry fails before anything starts.

The Runner walks stages in order. Parallel blocks and parallel step groups
run their branches through a bounded errgroup; the first failure cancels
remaining siblings. Container steps nest: dir scopes the working directory,
withEnv overlays variables, timeout bounds its children, retry re-runs them
(announcing every attempt with a RetryAttempt event), warnError converts a
failure into an UNSTABLE outcome. Post blocks run by outcome after the stage
body, plus always and changed (changed compares against the outcome seeded
from an earlier run via RunSpec.PrevOutcomes).

Processes get a graceful interrupt on cancellation and a hard kill after
the grace window. Output streams through a serializing mux to the reporter,
synchronously, so backpressure lands on the producing step rather than
dropping chunks.
*/
package pipeline
