package errors

import (
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// ConfigurationError occurs when a job is configured with invalid group or collector counts
// (or any other invalid option). It is fatal, and is raised before any Process role is assigned.
type ConfigurationError struct{ Reason string }

// Error returns a textual representation of this ConfigurationError
func (e ConfigurationError) Error() string {
	return fmt.Sprintf("Invalid configuration: %s", e.Reason)
}

// TransportError occurs when sending or receiving over a group channel fails. It is fatal for
// the affected Process.
type TransportError struct {
	Op  string
	Err error
}

// Error returns a textual representation of this TransportError
func (e TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("Transport failure during %s", e.Op)
	}
	return fmt.Sprintf("Transport failure during %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying transport failure
func (e TransportError) Unwrap() error {
	return e.Err
}

// MergeError occurs when a Snapshot cannot be deserialized or merged. The Snapshot is dropped,
// and the Collector carries on.
type MergeError struct {
	Worker int
	Seq    uint64
	Err    error
}

// Error returns a textual representation of this MergeError
func (e MergeError) Error() string {
	return fmt.Sprintf("Dropped snapshot %d from worker %d: %v", e.Seq, e.Worker, e.Err)
}

// Unwrap returns the underlying merge or deserialization failure
func (e MergeError) Unwrap() error {
	return e.Err
}

// ProtocolError occurs when a Worker violates the collection protocol (e.g. by sending two
// sentinels, or by sending on another group's channel). It is tolerated and logged.
type ProtocolError struct {
	Worker int
	Reason string
}

// Error returns a textual representation of this ProtocolError
func (e ProtocolError) Error() string {
	return fmt.Sprintf("Protocol violation by worker %d: %s", e.Worker, e.Reason)
}

// IsFatal returns true iff err should abort the Process which observed it.
// MergeErrors and ProtocolErrors are absorbed, everything else is fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var merr MergeError
	if pkgerrors.As(err, &merr) {
		return false
	}
	var perr ProtocolError
	return !pkgerrors.As(err, &perr)
}

// IsConfiguration returns true iff err is, or wraps, a ConfigurationError
func IsConfiguration(err error) bool {
	var cerr ConfigurationError
	return pkgerrors.As(err, &cerr)
}

// IsTransport returns true iff err is, or wraps, a TransportError
func IsTransport(err error) bool {
	var terr TransportError
	return pkgerrors.As(err, &terr)
}
