// Package runner provides bounded command execution with workspace bounds,
// deadlines, and output size limits.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultWaitDelay bounds how long Run waits for output pipes to close
// after the process has been killed.
const DefaultWaitDelay = 2 * time.Second

// Runner executes commands within a workspace boundary.
type Runner struct {
	Workspace string
	Timeout   time.Duration // zero disables the deadline
	MaxOutput int           // bytes, per stream; zero means unlimited
	WaitDelay time.Duration // zero means DefaultWaitDelay
}

// Run executes a command with the given argv. The first element is the
// binary name (resolved via PATH), and the rest are arguments.
// cwd is resolved relative to the workspace root and must remain within it.
//
// A process that outlives Timeout is killed and reported with TimedOut set.
// If ctx itself is cancelled the process is killed and ctx's error is
// returned.
func (r *Runner) Run(ctx context.Context, argv []string, cwd string) (*Result, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty argv")
	}

	dir, err := r.resolveDir(cwd)
	if err != nil {
		return nil, err
	}

	runCtx := ctx
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	maxOutput := r.MaxOutput
	if maxOutput <= 0 {
		maxOutput = math.MaxInt
	}
	waitDelay := r.WaitDelay
	if waitDelay <= 0 {
		waitDelay = DefaultWaitDelay
	}

	runID := uuid.New().String()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	outW := &limitWriter{buf: &stdout, limit: maxOutput}
	errW := &limitWriter{buf: &stderr, limit: maxOutput}
	cmd.Stdout = outW
	cmd.Stderr = errW

	started := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(started)

	if ctx.Err() != nil {
		return nil, fmt.Errorf("executing %s: %w", argv[0], ctx.Err())
	}
	timedOut := runCtx.Err() != nil

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(runErr, &exitErr):
			exitCode = exitErr.ExitCode()
		case timedOut:
			exitCode = -1
		default:
			// Binary not found or other exec error.
			return nil, fmt.Errorf("executing %s: %w", argv[0], runErr)
		}
	}

	return &Result{
		RunID:     runID,
		ExitCode:  exitCode,
		Stdout:    stdout.Bytes(),
		Stderr:    stderr.Bytes(),
		Truncated: outW.dropped || errW.dropped,
		TimedOut:  timedOut,
		Started:   started,
		Duration:  elapsed,
	}, nil
}

// resolveDir resolves cwd relative to the workspace and validates it
// is within the workspace boundary.
func (r *Runner) resolveDir(cwd string) (string, error) {
	if cwd == "" {
		return r.Workspace, nil
	}

	var dir string
	if filepath.IsAbs(cwd) {
		dir = filepath.Clean(cwd)
	} else {
		dir = filepath.Clean(filepath.Join(r.Workspace, cwd))
	}

	rel, err := filepath.Rel(r.Workspace, dir)
	if err != nil {
		return "", fmt.Errorf("resolving cwd: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("cwd %q is outside workspace %q", cwd, r.Workspace)
	}
	return dir, nil
}

// limitWriter writes up to limit bytes to buf, then silently discards the rest.
// dropped is set once any byte has been discarded.
type limitWriter struct {
	buf     *bytes.Buffer
	limit   int
	dropped bool
}

func (w *limitWriter) Write(p []byte) (int, error) {
	remaining := w.limit - w.buf.Len()
	if len(p) > remaining {
		w.dropped = true
		if remaining > 0 {
			w.buf.Write(p[:remaining])
		}
		// Report everything as consumed so io.Copy does not fail on a short write.
		return len(p), nil
	}
	return w.buf.Write(p)
}
