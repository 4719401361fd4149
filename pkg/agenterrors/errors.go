// Package agenterrors provides the tagged error kinds shared by every
// control loop in the agent, replacing the error-code-string pattern
// the runtime and ICC use on the wire with typed, errors.Is-friendly
// values.
package agenterrors

import "errors"

// Kind identifies which branch a call site should take on failure.
// Call sites should switch on Kind via errors.Is against the sentinel
// values below rather than comparing strings.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransientIO
	KindNoProfileAvailable
	KindNotEnoughELU
	KindProfilingNotStarted
	KindMultipleAlertsNotSupported
	KindConfigMissing
)

// Sentinel errors. Wrap with fmt.Errorf("...: %w", ErrX) to attach
// context while keeping errors.Is(err, ErrX) working.
var (
	ErrTransientIO                = errors.New("transient I/O failure")
	ErrNoProfileAvailable         = errors.New("NO_PROFILE_AVAILABLE")
	ErrNotEnoughELU               = errors.New("NOT_ENOUGH_ELU")
	ErrProfilingNotStarted        = errors.New("PROFILING_NOT_STARTED")
	ErrMultipleAlertsNotSupported = errors.New("multiple alerts not supported by this ICC")
	ErrConfigMissing              = errors.New("required configuration missing")
)

// KindOf classifies err by the sentinel it wraps. Returns KindUnknown
// for anything it doesn't recognize, which callers should treat as a
// generic transient failure.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrNoProfileAvailable):
		return KindNoProfileAvailable
	case errors.Is(err, ErrNotEnoughELU):
		return KindNotEnoughELU
	case errors.Is(err, ErrProfilingNotStarted):
		return KindProfilingNotStarted
	case errors.Is(err, ErrMultipleAlertsNotSupported):
		return KindMultipleAlertsNotSupported
	case errors.Is(err, ErrConfigMissing):
		return KindConfigMissing
	case errors.Is(err, ErrTransientIO):
		return KindTransientIO
	default:
		return KindUnknown
	}
}
