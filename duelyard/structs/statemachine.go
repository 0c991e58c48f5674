package structs

// The transition tables below are the single source of truth for legal
// state changes. Everything that mutates a job or simulation state asserts
// against them; illegal input is answered with false, never an error.

var validSimTransitions = map[string]map[string]bool{
	SimStatePending: {
		SimStateRunning:   true,
		SimStateCancelled: true,
	},
	SimStateRunning: {
		SimStateCompleted: true,
		SimStateFailed:    true,
		SimStateCancelled: true,
	},
	// A failed sim goes back to PENDING when its task is redelivered.
	SimStateFailed: {
		SimStatePending:   true,
		SimStateCancelled: true,
	},
}

var validJobTransitions = map[string]map[string]bool{
	JobStatusQueued: {
		JobStatusRunning:   true,
		JobStatusCancelled: true,
		JobStatusFailed:    true,
	},
	JobStatusRunning: {
		JobStatusCompleted: true,
		JobStatusFailed:    true,
		JobStatusCancelled: true,
	},
	// A failed job either retries or is given up on.
	JobStatusFailed: {
		JobStatusQueued:    true,
		JobStatusCancelled: true,
	},
}

// CanSimTransition reports whether a simulation may move from one state to
// another. Self-transitions are not valid.
func CanSimTransition(from, to string) bool {
	return validSimTransitions[from][to]
}

// IsTerminalSimState reports whether a simulation state is sticky. FAILED is
// not terminal for sims: redelivery retries it.
func IsTerminalSimState(s string) bool {
	return s == SimStateCompleted || s == SimStateCancelled
}

// CanJobTransition reports whether a job may move from one status to
// another.
func CanJobTransition(from, to string) bool {
	return validJobTransitions[from][to]
}

// IsTerminalJobStatus reports whether a job status is terminal.
func IsTerminalJobStatus(s string) bool {
	return s == JobStatusCompleted || s == JobStatusCancelled
}
