package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/ruledbg/internal/session"
)

// handleStart begins a run. With rule_source it creates a fresh session;
// with session_id it restarts the named one.
func (s *DebugServer) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ruleSource := req.GetString("rule_source", "")
	sessionID := req.GetString("session_id", "")
	if ruleSource == "" && sessionID == "" {
		return mcp.NewToolResultError("either rule_source or session_id is required"), nil
	}

	generatedCode := req.GetString("generated_code", "")
	sourceMapDoc := req.GetString("source_map", "")

	var (
		sess *session.Session
		err  error
	)
	switch {
	case sessionID != "":
		sess, err = s.resolveSession(ctx, sessionID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("session lookup failed: %v", err)), nil
		}
	case generatedCode != "" && sourceMapDoc != "":
		sess, err = s.manager.CreateSessionWithArtifacts(ctx, ruleSource, generatedCode, []byte(sourceMapDoc))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to create session: %v", err)), nil
		}
	default:
		sess, err = s.manager.CreateSession(ctx, ruleSource)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to create session: %v", err)), nil
		}
	}

	initialVars := mcp.ParseStringMap(req, "initial_variables", nil)

	state, startErr := sess.Start(ctx, initialVars)
	if startErr != nil {
		return debugErrorResult(startErr), nil
	}

	return marshalResult(map[string]any{
		"session_id": sess.ID(),
		"state":      state,
	})
}

// handleStep advances a paused session by one statement.
func (s *DebugServer) handleStep(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, result := s.requireSession(ctx, req)
	if result != nil {
		return result, nil
	}

	state, err := sess.Step(ctx)
	if err != nil {
		return debugErrorResult(err), nil
	}
	return marshalResult(state)
}

// handleContinue resumes a paused session.
func (s *DebugServer) handleContinue(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, result := s.requireSession(ctx, req)
	if result != nil {
		return result, nil
	}

	state, err := sess.Continue(ctx)
	if err != nil {
		return debugErrorResult(err), nil
	}
	return marshalResult(state)
}

// handleStop resets a session unconditionally.
func (s *DebugServer) handleStop(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, result := s.requireSession(ctx, req)
	if result != nil {
		return result, nil
	}

	state, err := sess.Stop(ctx)
	if err != nil {
		return debugErrorResult(err), nil
	}
	return marshalResult(state)
}

// handleBreakpoint toggles a breakpoint.
func (s *DebugServer) handleBreakpoint(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, result := s.requireSession(ctx, req)
	if result != nil {
		return result, nil
	}

	line, err := req.RequireInt("line")
	if err != nil {
		return mcp.NewToolResultError("line is required"), nil
	}
	if line < 1 {
		return mcp.NewToolResultError("line must be a positive rule-language line"), nil
	}
	condition := req.GetString("condition", "")

	enabled, toggleErr := sess.ToggleBreakpoint(ctx, line, condition)
	if toggleErr != nil {
		return debugErrorResult(toggleErr), nil
	}

	return marshalResult(map[string]any{
		"line":        line,
		"enabled":     enabled,
		"breakpoints": sess.State().Breakpoints,
	})
}

// handleState returns the current snapshot.
func (s *DebugServer) handleState(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, result := s.requireSession(ctx, req)
	if result != nil {
		return result, nil
	}
	return marshalResult(sess.State())
}

// handleQuery evaluates a jq expression over the paused snapshot.
func (s *DebugServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, result := s.requireSession(ctx, req)
	if result != nil {
		return result, nil
	}

	expression, err := req.RequireString("expression")
	if err != nil {
		return mcp.NewToolResultError("expression is required"), nil
	}

	value, queryErr := sess.Query(ctx, expression)
	if queryErr != nil {
		return debugErrorResult(queryErr), nil
	}
	return marshalResult(map[string]any{"result": value})
}

// handleTrace fetches the persisted trace of a completed run.
func (s *DebugServer) handleTrace(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	steps, loadErr := s.store.LoadTrace(ctx, sessionID)
	if loadErr != nil {
		return debugErrorResult(loadErr), nil
	}
	return marshalResult(map[string]any{"steps": steps})
}

// --- Internal helpers ---

// requireSession resolves the session_id argument. The second return value
// is non-nil when the request should short-circuit with an error result.
func (s *DebugServer) requireSession(ctx context.Context, req mcp.CallToolRequest) (*session.Session, *mcp.CallToolResult) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return nil, mcp.NewToolResultError("session_id is required")
	}
	sess, resolveErr := s.resolveSession(ctx, sessionID)
	if resolveErr != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("session lookup failed: %v", resolveErr))
	}
	return sess, nil
}

// resolveSession finds a tracked session, falling back to restoring a
// persisted one (breakpoints included) after a process restart.
func (s *DebugServer) resolveSession(ctx context.Context, id string) (*session.Session, error) {
	if sess, ok := s.manager.Session(id); ok {
		return sess, nil
	}
	return s.manager.RestoreSession(ctx, id)
}

// debugErrorResult renders a structured error as a tool error, keeping the
// error code visible to the agent.
func debugErrorResult(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(err.Error())
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
