/*
Package types defines the core data structures used throughout the kb runtime.

It contains the domain model of the execution subsystem: host kinds, handler
references, the permission lattice, invocation descriptors, execution
requests and result envelopes, worker snapshots, and the manifest fields the
core reads.

All types are designed to be:
  - Serializable (JSON; descriptors cross the IPC boundary)
  - Immutable where possible (use pointers for updates)
  - Self-documenting (clear field names and comments)

# State Machine

Pool workers follow a state machine:

	starting → idle ↔ busy → draining → stopped

A worker may transition busy → stopped on crash, which triggers a
replacement spawn when the pool is below its minimum and not shutting down.

# Integration Points

This package integrates with:

  - pkg/permissions: evaluates the Permissions lattice
  - pkg/engine: consumes ExecutionRequest, produces ExecutionResult
  - pkg/pool: maintains WorkerInfo snapshots
  - pkg/ipc: descriptors and errors serialized across the socket
  - pkg/api, pkg/ws, cmd/kb: host adapters building requests
*/
package types
