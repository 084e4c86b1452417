package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/deixis/modelgate/internal/report"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type loadParams struct{}

func (h *handler) loadHandler(ctx context.Context, req *mcp.CallToolRequest, _ loadParams) (*mcp.CallToolResult, any, error) {
	rec := h.loader.Record(ctx)

	var b strings.Builder
	if rec.OK() {
		fmt.Fprintln(&b, "Model loaded successfully")
	} else {
		fmt.Fprintln(&b, "Error loading model")
	}
	fmt.Fprintf(&b, "Run: %s\n", rec.ID)
	if !rec.OK() {
		fmt.Fprintf(&b, "Reason: %s\n", rec.Reason())
	}
	if len(rec.Models) > 0 {
		fmt.Fprintf(&b, "Models: %s\n", strings.Join(rec.Models, ", "))
	}
	fmt.Fprintln(&b)
	fmt.Fprintf(&b, "Inspect with inspect_run(run_id=%q).\n", rec.ID)

	if !rec.OK() {
		return errorResult(b.String())
	}
	return textResult(b.String())
}

type inspectParams struct {
	RunID string `json:"run_id" jsonschema:"the run ID from a load_model or list_runs result"`
}

func (h *handler) inspectHandler(ctx context.Context, req *mcp.CallToolRequest, params inspectParams) (*mcp.CallToolResult, any, error) {
	if params.RunID == "" {
		return errorResult("run_id is required")
	}

	rec, err := h.store.Load(params.RunID)
	if err != nil {
		if errors.Is(err, report.ErrNotFound) {
			return errorResult(fmt.Sprintf("No run %s. Use list_runs to see recent runs.", params.RunID))
		}
		return errorResult(fmt.Sprintf("Failed to load run %s: %v", params.RunID, err))
	}
	return textResult(report.Format(rec))
}

type listParams struct {
	Limit int `json:"limit,omitempty" jsonschema:"maximum number of runs to return. Default: 10."`
}

func (h *handler) listHandler(ctx context.Context, req *mcp.CallToolRequest, params listParams) (*mcp.CallToolResult, any, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 10
	}
	runs := h.store.Recent(limit)
	if len(runs) == 0 {
		return textResult("No runs recorded yet.")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Runs (%d):\n", len(runs))
	for _, r := range runs {
		status := "ok"
		if !r.OK() {
			status = "FAIL (" + r.Reason() + ")"
		}
		fmt.Fprintf(&b, "  %s  %s  %-8s %s\n", r.ID, r.Started.Format(time.RFC3339), r.Duration.Round(time.Millisecond), status)
	}
	return textResult(b.String())
}
