package constants

// Runtime command names accepted by the application runtime's local
// control endpoint.
const (
	CmdStartProfiling    = "startProfiling"
	CmdStopProfiling     = "stopProfiling"
	CmdGetLastProfile    = "getLastProfile"
	CmdGetProfilingState = "getProfilingState"
	CmdListWorkers       = "listWorkers"
)

// Error codes the runtime returns in command responses. These are the
// wire strings; call sites branch on the pkg/agenterrors sentinels they
// are mapped to, never on these strings directly.
const (
	CodeNoProfileAvailable  = "NO_PROFILE_AVAILABLE"
	CodeNotEnoughELU        = "NOT_ENOUGH_ELU"
	CodeProfilingNotStarted = "PROFILING_NOT_STARTED"
)
