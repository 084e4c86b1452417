package runner

import "time"

// Result holds the output of a command execution.
type Result struct {
	RunID     string        // unique identifier for this run
	ExitCode  int           // process exit code; -1 if killed
	Stdout    []byte        // captured stdout (may be truncated)
	Stderr    []byte        // captured stderr (may be truncated)
	Truncated bool          // true if output exceeded the size cap
	TimedOut  bool          // true if the process was killed at the deadline
	Started   time.Time     // when the process was started
	Duration  time.Duration // wall time until the process was reaped
}

// OK reports whether the process exited 0 within its deadline.
func (r *Result) OK() bool {
	return r.ExitCode == 0 && !r.TimedOut
}
