package semaphore

import "errors"

// Sentinel errors for the dbsemaphore protocol. Callers should use
// errors.Is against these, not string matching.
var (
	// ErrTimeout is returned when Acquire could not obtain the requested
	// permits before its deadline.
	ErrTimeout = errors.New("dbsemaphore: acquire timed out")

	// ErrUnhealthy is returned by Acquire once the instance has been marked
	// unhealthy: its owner's heartbeat row was found reaped, or the instance
	// was closed.
	ErrUnhealthy = errors.New("dbsemaphore: semaphore unhealthy")

	// ErrIntegrityViolation is returned when the SEMAPHORES or
	// PERMITS_BY_OWNER tables are found in a state the protocol's
	// invariants forbid (e.g. more than one row for a name).
	ErrIntegrityViolation = errors.New("dbsemaphore: integrity violation")

	// ErrStrictMismatch is returned by New when Strict is set and the
	// persisted total_permits disagrees with the caller's requested value.
	ErrStrictMismatch = errors.New("dbsemaphore: total permits mismatch")
)
