// Package provider defines the instance provider port: the driver contract
// through which pools provision and release compute instances and report
// utilization. Two implementations ship in-tree: LocalProcessProvider, which
// spawns worker subprocesses on the orchestrator host, and StaticProvider
// for externally-managed pools and tests. Container, VM and pod drivers are
// external plug-ins against the same Port interface.
package provider
