// Package config loads and validates the orchestrator's YAML
// configuration, including declared resource pools and worker templates.
package config
