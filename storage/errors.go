package storage

import "errors"

// Sentinel errors matching the semantic taxonomy. Callers should compare
// with errors.Is, since storage-layer helpers wrap these with context.
var (
	ErrNotFound           = errors.New("agentstate: not found")
	ErrIdempotencyConflict = errors.New("agentstate: idempotency key reused with a different request")
	ErrLeaseHeld          = errors.New("agentstate: lease held by another owner")
	ErrLeaseInvalid       = errors.New("agentstate: lease token or owner mismatch")
	ErrFencedOut          = errors.New("agentstate: fencing token is stale")
	ErrOverflow           = errors.New("agentstate: watch subscriber overflowed its buffer")
	ErrPersistentStorage  = errors.New("agentstate: persistent storage failure")
	ErrCorruption         = errors.New("agentstate: unrecoverable corruption")
	ErrCancelled          = errors.New("agentstate: cancelled before commit")
	ErrInvalidArgument    = errors.New("agentstate: invalid argument")

	// ErrDegraded is returned by the coordinator once a WAL sync failure has
	// put the engine into its fail-stop state; every subsequent mutation is
	// rejected until the process is restarted.
	ErrDegraded = errors.New("agentstate: engine is degraded after a storage failure")

	errDiskUsageUnsupported = errors.New("agentstate: disk usage check unsupported on this platform")
)
