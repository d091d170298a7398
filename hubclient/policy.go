package hubclient

// FailureMode decides what a notify call does when the hub cannot be reached
// or rejects the invocation.
type FailureMode int

const (
	// Swallow logs the failure and reports success.
	Swallow FailureMode = iota
	// Propagate returns the failure to the caller.
	Propagate
)

// NotifyPolicy holds the failure mode of each notify call.
type NotifyPolicy struct {
	Created FailureMode
	Updated FailureMode
	Deleted FailureMode
	Moved   FailureMode
}

// DefaultNotifyPolicy swallows failures of created, updated and deleted
// notifications and propagates failures of moves.
func DefaultNotifyPolicy() NotifyPolicy {
	return NotifyPolicy{Created: Swallow, Updated: Swallow, Deleted: Swallow, Moved: Propagate}
}
