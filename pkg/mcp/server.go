// Package mcp exposes the debugger over the Model Context Protocol. The
// presentation layer consumes state snapshots and never reaches into the
// session internals.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/ruledbg/internal/session"
	"github.com/rendis/ruledbg/internal/store"
	"github.com/rendis/ruledbg/internal/streaming"
)

// DebugServerDeps holds the dependencies for creating a DebugServer.
type DebugServerDeps struct {
	Manager *session.Manager
	Store   store.Store
	Hub     streaming.EventHub
	Logger  *slog.Logger
}

// DebugServer wraps an MCP server with debugger tool handlers.
type DebugServer struct {
	manager   *session.Manager
	store     store.Store
	hub       streaming.EventHub
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewDebugServer creates a DebugServer with all tools registered.
func NewDebugServer(deps DebugServerDeps) *DebugServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &DebugServer{
		manager: deps.Manager,
		store:   deps.Store,
		hub:     deps.Hub,
		logger:  logger,
	}

	mcpSrv := server.NewMCPServer(
		"ruledbg",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("ruledbg is a source-mapped stepwise debugger for rule programs. Use debug.start to begin a session (pauses at the first breakpoint or completes), debug.step and debug.continue to advance, debug.breakpoint to toggle breakpoints, debug.stop to reset, debug.state for the current snapshot, debug.query to run jq expressions over paused variables, and debug.trace to fetch the persisted trace of a completed run."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *DebugServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *DebugServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *DebugServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: stepTool(), Handler: s.handleStep},
		{Tool: continueTool(), Handler: s.handleContinue},
		{Tool: stopTool(), Handler: s.handleStop},
		{Tool: breakpointTool(), Handler: s.handleBreakpoint},
		{Tool: stateTool(), Handler: s.handleState},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: traceTool(), Handler: s.handleTrace},
	}
}

// --- Tool definitions ---

func startTool() mcp.Tool {
	return mcp.NewTool("debug.start",
		mcp.WithDescription("Start a debug session. Creates a session when rule_source is given, or restarts an existing one by session_id. Runs to the first breakpoint or to completion"),
		mcp.WithString("rule_source", mcp.Description("Rule program source (required unless session_id is given)")),
		mcp.WithString("session_id", mcp.Description("Existing session to restart")),
		mcp.WithString("generated_code", mcp.Description("Externally generated code; requires source_map, skips the built-in generator")),
		mcp.WithString("source_map", mcp.Description("Source map JSON document for generated_code")),
		mcp.WithObject("initial_variables", mcp.Description("Initial variable bindings for the run")),
	)
}

func stepTool() mcp.Tool {
	return mcp.NewTool("debug.step",
		mcp.WithDescription("Advance a paused session by exactly one statement"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Target session")),
	)
}

func continueTool() mcp.Tool {
	return mcp.NewTool("debug.continue",
		mcp.WithDescription("Resume a paused session"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Target session")),
	)
}

func stopTool() mcp.Tool {
	return mcp.NewTool("debug.stop",
		mcp.WithDescription("Stop a session unconditionally, discarding any in-flight run"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Target session")),
	)
}

func breakpointTool() mcp.Tool {
	return mcp.NewTool("debug.breakpoint",
		mcp.WithDescription("Toggle a breakpoint on a rule-language line. Toggles arm at the next start"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Target session")),
		mcp.WithNumber("line", mcp.Required(), mcp.Description("1-based rule-language line")),
		mcp.WithString("condition", mcp.Description("Optional CEL condition over the variable snapshot, e.g. vars.total > 100")),
	)
}

func stateTool() mcp.Tool {
	return mcp.NewTool("debug.state",
		mcp.WithDescription("Get the current debug state snapshot of a session"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Target session")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("debug.query",
		mcp.WithDescription("Evaluate a jq expression over the current variable snapshot of a paused session"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Target session")),
		mcp.WithString("expression", mcp.Required(), mcp.Description("jq expression, e.g. .order.total")),
	)
}

func traceTool() mcp.Tool {
	return mcp.NewTool("debug.trace",
		mcp.WithDescription("Fetch the persisted enriched step trace of a completed run"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Target session")),
	)
}
