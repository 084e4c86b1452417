// Package report persists the diagnostic record of each loader execution
// so it can be inspected after the HTTP response has been sent.
package report

import (
	"fmt"
	"strings"
	"time"
)

// Status is the collapsed outcome of an execution.
type Status string

const (
	// Success means the loader exited 0 within its deadline.
	Success Status = "success"
	// Failure covers spawn errors, non-zero exits, and timeouts.
	Failure Status = "failure"
)

// Store persists and retrieves run records.
type Store interface {
	Save(record *Record) error
	Load(runID string) (*Record, error)
}

// Record holds everything observed about one loader execution.
type Record struct {
	ID        string        `json:"id"`
	Command   []string      `json:"command"`
	Status    Status        `json:"status"`
	ExitCode  int           `json:"exit_code"`
	Stdout    string        `json:"stdout,omitempty"`
	Stderr    string        `json:"stderr,omitempty"`
	Error     string        `json:"error,omitempty"` // spawn or execution error
	TimedOut  bool          `json:"timed_out,omitempty"`
	Truncated bool          `json:"truncated,omitempty"`
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration"`

	// Loader summary parsed from stdout.
	Reported int      `json:"reported,omitempty"` // count from "Successfully loaded N model(s)"
	Models   []string `json:"models,omitempty"`   // folders from "Loaded model from folder 'X'"
}

// OK reports whether the record describes a successful execution.
func (r *Record) OK() bool {
	return r.Status == Success
}

// Reason returns a one-line explanation of a failed record.
func (r *Record) Reason() string {
	switch {
	case r.OK():
		return ""
	case r.TimedOut:
		return fmt.Sprintf("timed out after %s", r.Duration.Round(time.Millisecond))
	case r.Error != "":
		return r.Error
	default:
		return fmt.Sprintf("exit status %d", r.ExitCode)
	}
}

// Format renders a record for humans: a header, the loader summary, and
// the captured streams.
func Format(r *Record) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Run: %s\n", r.ID)
	fmt.Fprintf(&b, "Command: %s\n", strings.Join(r.Command, " "))
	if r.OK() {
		fmt.Fprintln(&b, "Status: success")
	} else {
		fmt.Fprintf(&b, "Status: failure (%s)\n", r.Reason())
	}
	if !r.Started.IsZero() {
		fmt.Fprintf(&b, "Started: %s\n", r.Started.Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "Duration: %s\n", r.Duration.Round(time.Millisecond))

	if r.Reported > 0 || len(r.Models) > 0 {
		fmt.Fprintln(&b)
		fmt.Fprintf(&b, "Models (%d reported):\n", r.Reported)
		for _, m := range r.Models {
			fmt.Fprintf(&b, "  %s\n", m)
		}
	}

	writeStream(&b, "Stdout", r.Stdout)
	writeStream(&b, "Stderr", r.Stderr)
	if r.Truncated {
		fmt.Fprintln(&b)
		fmt.Fprintln(&b, "(output truncated)")
	}

	return b.String()
}

func writeStream(b *strings.Builder, name, text string) {
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return
	}
	fmt.Fprintln(b)
	fmt.Fprintf(b, "%s:\n", name)
	for _, line := range strings.Split(text, "\n") {
		fmt.Fprintf(b, "    %s\n", line)
	}
}
