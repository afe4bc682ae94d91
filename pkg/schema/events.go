package schema

// Event type constants for the session event log and streaming hub.
const (
	EventSessionStarted   = "session_started"
	EventSessionPaused    = "session_paused"
	EventSessionStepped   = "session_stepped"
	EventSessionCompleted = "session_completed"
	EventSessionStopped   = "session_stopped"
	EventSessionFailed    = "session_failed"

	EventBreakpointAdded   = "breakpoint_added"
	EventBreakpointRemoved = "breakpoint_removed"
	EventBreakpointsArmed  = "breakpoints_armed"

	EventSourceMapWarning = "sourcemap_warning"
	EventStaleResult      = "stale_result_discarded"
)
