// Package log provides structured logging for Hodei Pipelines built on
// zerolog. Init configures the global logger once at process start; packages
// derive child loggers with WithComponent and the id helpers so every line
// carries its job, worker or pool context.
package log
