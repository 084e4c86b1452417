// Package mcp provides the modelgate MCP server, exposing the loader and
// its run records as tools.
package mcp

import (
	"context"
	_ "embed"

	"github.com/deixis/modelgate"
	"github.com/deixis/modelgate/internal/report"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

//go:embed instructions.md
var Instructions string

// Loader runs the loader and returns its record. Implemented by loader.Engine.
type Loader interface {
	Record(ctx context.Context) *report.Record
}

// RunStore looks up run records. Implemented by report.LRUStore.
type RunStore interface {
	Load(runID string) (*report.Record, error)
	Recent(n int) []*report.Record
}

// handler holds shared dependencies for all tool handlers.
type handler struct {
	loader Loader
	store  RunStore
}

// NewServer creates an MCP server with all modelgate tools registered.
func NewServer(l Loader, store RunStore) *mcp.Server {
	h := &handler{loader: l, store: store}

	s := mcp.NewServer(&mcp.Implementation{Name: "modelgate", Version: modelgate.Version}, &mcp.ServerOptions{
		Instructions: Instructions,
		Capabilities: &mcp.ServerCapabilities{
			Tools: &mcp.ToolCapabilities{ListChanged: false},
		},
	})

	mcp.AddTool(s, &mcp.Tool{
		Name: "load_model",
		Description: `Run the model loader once and report whether it succeeded.

Starts a new loader process and waits for it (bounded by the server timeout).
The run is stored for drill-down via inspect_run.`,
	}, h.loadHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "inspect_run",
		Description: "Show the stored record of a loader run: command, exit status, loaded models, stdout and stderr.",
	}, h.inspectHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "list_runs",
		Description: "List recent loader runs, newest first.",
	}, h.listHandler)

	return s
}

// textResult is a helper to build a text-only tool result.
func textResult(text string) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}, nil, nil
}

// errorResult is a helper to build an error tool result.
func errorResult(text string) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		IsError: true,
	}, nil, nil
}
