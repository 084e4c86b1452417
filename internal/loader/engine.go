// Package loader runs the configured model-loader command and reduces its
// outcome to a success/failure ScriptResult. It is shared by the HTTP
// endpoint, the MCP server, and the CLI.
package loader

import (
	"context"
	"fmt"
	"time"

	"github.com/deixis/modelgate/internal/config"
	"github.com/deixis/modelgate/internal/report"
	"github.com/deixis/modelgate/internal/runner"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CommandRunner executes commands within a workspace.
// Implemented by runner.Runner.
type CommandRunner interface {
	Run(ctx context.Context, argv []string, cwd string) (*runner.Result, error)
}

// ScriptResult is the outcome of one execution as seen by callers.
type ScriptResult struct {
	RunID      string
	Success    bool
	OutputText string // captured stdout
}

// Engine holds shared dependencies for executing the loader.
type Engine struct {
	Config *config.Config
	Runner CommandRunner
	Store  report.Store // optional
	Logger *zap.Logger  // optional
}

// Execute runs the configured command once. Every failure mode (spawn
// error, non-zero exit, timeout) collapses to Success=false; the detail is
// logged and kept in the run record. Concurrent calls are independent.
func (e *Engine) Execute(ctx context.Context) ScriptResult {
	rec := e.run(ctx)
	e.save(rec)
	return ScriptResult{RunID: rec.ID, Success: rec.OK(), OutputText: rec.Stdout}
}

// Record runs the configured command like Execute and returns the full
// run record.
func (e *Engine) Record(ctx context.Context) *report.Record {
	rec := e.run(ctx)
	e.save(rec)
	return rec
}

func (e *Engine) run(ctx context.Context) *report.Record {
	log := e.logger()
	argv := e.Config.Argv()

	rec := &report.Record{
		Command: argv,
		Status:  report.Failure,
		Started: time.Now(),
	}

	res, err := e.Runner.Run(ctx, argv, e.Config.Dir)
	if err != nil {
		rec.ID = uuid.New().String()
		rec.ExitCode = -1
		rec.Error = err.Error()
		rec.Duration = time.Since(rec.Started)
		log.Error("error executing loader script",
			zap.String("run_id", rec.ID),
			zap.Strings("command", argv),
			zap.Error(err))
		return rec
	}

	rec.ID = res.RunID
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	rec.ExitCode = res.ExitCode
	rec.Stdout = string(res.Stdout)
	rec.Stderr = string(res.Stderr)
	rec.TimedOut = res.TimedOut
	rec.Truncated = res.Truncated
	if !res.Started.IsZero() {
		rec.Started = res.Started
	}
	rec.Duration = res.Duration

	summary := ParseLoaderOutput(rec.Stdout)
	rec.Reported = summary.Reported
	rec.Models = summary.Models

	if res.OK() {
		rec.Status = report.Success
		log.Info("loader script output",
			zap.String("run_id", rec.ID),
			zap.String("stdout", rec.Stdout),
			zap.Duration("duration", rec.Duration))
		return rec
	}

	fields := []zap.Field{
		zap.String("run_id", rec.ID),
		zap.Strings("command", argv),
		zap.Int("exit_code", rec.ExitCode),
		zap.String("stderr", rec.Stderr),
	}
	if res.TimedOut {
		rec.Error = fmt.Sprintf("killed after %s deadline", rec.Duration.Round(time.Millisecond))
		fields = append(fields, zap.Bool("timed_out", true))
	}
	log.Error("error executing loader script", fields...)
	return rec
}

func (e *Engine) save(rec *report.Record) {
	if e.Store == nil {
		return
	}
	if err := e.Store.Save(rec); err != nil {
		e.logger().Warn("saving run record", zap.String("run_id", rec.ID), zap.Error(err))
	}
}

func (e *Engine) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}
