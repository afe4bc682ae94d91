package schema

import "encoding/json"

// StatementKind classifies a rule-language statement.
type StatementKind string

const (
	StatementAssignment  StatementKind = "assignment"
	StatementConditional StatementKind = "conditional"
	StatementExpression  StatementKind = "expression"
	StatementCall        StatementKind = "call"
)

// SourceLocation is a position range within a single rule-language line.
type SourceLocation struct {
	Line        int `json:"line"`
	StartColumn int `json:"start_column"`
	EndColumn   int `json:"end_column"`
}

// Statement is one logical unit of rule-language source.
// Statements are flat: stepping is line-granular, so block bodies are
// represented as their own statements rather than nested children.
type Statement struct {
	ID       string         `json:"id"`
	Kind     StatementKind  `json:"kind"`
	Location SourceLocation `json:"location"`
	Raw      string         `json:"raw"`
	// Target is the assigned variable name for assignment statements.
	Target string `json:"target,omitempty"`
	// Condition is the test expression of a conditional statement; empty
	// for a bare else.
	Condition string `json:"condition,omitempty"`
	// Children holds nested block statements when the parser recovers them.
	Children []*Statement `json:"children,omitempty"`
}

// GeneratedSegment is one contiguous range of generated code that a
// statement was compiled into. A statement owns one or more segments;
// loop unrolling and branch expansion produce several.
type GeneratedSegment struct {
	StartLine   int    `json:"start_line"`
	EndLine     int    `json:"end_line"`
	StartColumn int    `json:"start_column,omitempty"`
	EndColumn   int    `json:"end_column,omitempty"`
	BranchID    string `json:"branch_id,omitempty"`
	// Iteration marks the loop iteration this segment belongs to; nil when
	// the segment is not iteration-specific.
	Iteration *int `json:"iteration,omitempty"`
}

// LoopIterationType describes how a loop statement iterates.
type LoopIterationType string

const (
	LoopForEach LoopIterationType = "for_each"
	LoopWhile   LoopIterationType = "while"
	LoopUntil   LoopIterationType = "until"
)

// LoopState carries the generator's loop metadata for a statement.
type LoopState struct {
	IterationType  LoopIterationType `json:"iteration_type"`
	CollectionPath string            `json:"collection_path,omitempty"`
	IteratorVar    string            `json:"iterator_var,omitempty"`
	BreakCondition string            `json:"break_condition,omitempty"`
	StateVars      []string          `json:"state_vars,omitempty"`
}

// ExpansionStrategy names how a rule-language breakpoint expands into
// generated-code breakpoints.
type ExpansionStrategy string

const (
	ExpandDirect        ExpansionStrategy = "direct"
	ExpandEachIteration ExpansionStrategy = "each_iteration"
	ExpandAllBranches   ExpansionStrategy = "all_branches"
)

// VariableLifetime records the generated-line span in which a variable is live.
type VariableLifetime struct {
	DeclaredLine int `json:"declared_line"`
	LastUseLine  int `json:"last_use_line"`
}

// SourceMapStatement is the unit of the source map: one rule-language
// statement with everything the generator knows about where it went.
type SourceMapStatement struct {
	ID                string                      `json:"id"`
	Kind              StatementKind               `json:"kind"`
	Original          SourceLocation              `json:"original"`
	Segments          []GeneratedSegment          `json:"segments"`
	Loop              *LoopState                  `json:"loop,omitempty"`
	ScopeChain        []string                    `json:"scope_chain,omitempty"`
	ControlFlowPaths  []string                    `json:"control_flow_paths,omitempty"`
	VariableLifetimes map[string]VariableLifetime `json:"variable_lifetimes,omitempty"`
	Expansion         ExpansionStrategy           `json:"expansion,omitempty"`
}

// MappingFidelity selects the mapping strategy a source map supports.
type MappingFidelity string

const (
	FidelityEnhanced MappingFidelity = "enhanced"
	FidelitySimple   MappingFidelity = "simple"
	FidelityDirect   MappingFidelity = "direct"
)

// SourceMap is the full generator output describing how rule-language
// statements correspond to generated code. Immutable per generation.
type SourceMap struct {
	Version           int                         `json:"version"`
	Fidelity          MappingFidelity             `json:"fidelity,omitempty"`
	Statements        []SourceMapStatement        `json:"statements"`
	GlobalScope       []string                    `json:"global_scope,omitempty"`
	VariableLifetimes map[string]VariableLifetime `json:"variable_lifetimes,omitempty"`
	// ControlFlow maps a statement id to the ids of its possible successors.
	ControlFlow map[string][]string `json:"control_flow,omitempty"`
	// GeneratedHash is the FNV-1a hash of the generated code recorded at
	// generation time. Non-cryptographic; gates a warning only.
	GeneratedHash uint64 `json:"generated_hash,omitempty"`
}

// GeneratedBreakpoint is one generated-code breakpoint produced by expansion.
type GeneratedBreakpoint struct {
	Line        int    `json:"line"`
	StatementID string `json:"statement_id"`
	BranchID    string `json:"branch_id,omitempty"`
	Iteration   int    `json:"iteration,omitempty"`
}

// BreakpointExpansion is the result of expanding a single rule-language
// breakpoint into every generated-code breakpoint needed to observe all
// runtime occurrences of that logical line.
type BreakpointExpansion struct {
	Strategy    ExpansionStrategy     `json:"strategy"`
	Breakpoints []GeneratedBreakpoint `json:"breakpoints"`
}

// RawExecutionStep is one entry of the trace returned by the execution
// engine. Lines are 1-based generated-code lines; the snapshot is a flat
// JSON-serializable name -> value map.
type RawExecutionStep struct {
	Line         int            `json:"line"`
	Variables    map[string]any `json:"variables"`
	Output       string         `json:"output,omitempty"`
	IsBreakpoint bool           `json:"is_breakpoint,omitempty"`
}

// ExecutionResult is the execution engine's response.
type ExecutionResult struct {
	Success bool               `json:"success"`
	Steps   []RawExecutionStep `json:"steps"`
	Error   string             `json:"error,omitempty"`
}

// TypedVariable is a filtered variable with an inferred semantic type.
type TypedVariable struct {
	Value any    `json:"value"`
	Type  string `json:"type"`
}

// VariableChanges is the diff between two consecutive filtered snapshots.
type VariableChanges struct {
	Added    []string `json:"added"`
	Modified []string `json:"modified"`
	Removed  []string `json:"removed"`
}

// ExecutionContext locates an enriched step within loop iterations and scopes.
type ExecutionContext struct {
	IterationNumber int    `json:"iteration_number"`
	ScopeLevel      int    `json:"scope_level"`
	Path            string `json:"path,omitempty"`
}

// EnrichedDebugStep is one trace entry annotated with its resolved
// rule-language location and variable diff.
type EnrichedDebugStep struct {
	StepIndex     int                      `json:"step_index"`
	GeneratedLine int                      `json:"generated_line"`
	RuleLine      int                      `json:"rule_line"`
	StatementID   string                   `json:"statement_id"`
	BranchID      string                   `json:"branch_id,omitempty"`
	Variables     map[string]TypedVariable `json:"variables"`
	IsBreakpoint  bool                     `json:"is_breakpoint"`
	Context       ExecutionContext         `json:"context"`
	Changes       VariableChanges          `json:"changes"`
	Output        string                   `json:"output,omitempty"`
}

// Breakpoint is a user-owned rule-language breakpoint. It survives across
// executions; Condition is an optional CEL expression over the variable
// snapshot.
type Breakpoint struct {
	Line      int    `json:"line"`
	Enabled   bool   `json:"enabled"`
	Condition string `json:"condition,omitempty"`
}

// DebugStateKind enumerates the states of the debug protocol.
type DebugStateKind string

const (
	StateStopped   DebugStateKind = "stopped"
	StateRunning   DebugStateKind = "running"
	StatePaused    DebugStateKind = "paused"
	StateCompleted DebugStateKind = "completed"
	StateError     DebugStateKind = "error"
)

// DebugState is the snapshot delivered to the presentation layer on every
// change. Only the fields relevant to the current kind are populated.
type DebugState struct {
	Kind        DebugStateKind           `json:"kind"`
	Line        int                      `json:"line,omitempty"`
	Variables   map[string]TypedVariable `json:"variables,omitempty"`
	Reason      string                   `json:"reason,omitempty"`
	Result      json.RawMessage          `json:"result,omitempty"`
	Message     string                   `json:"message,omitempty"`
	CanStep     bool                     `json:"can_step"`
	CanContinue bool                     `json:"can_continue"`
	Breakpoints []int                    `json:"breakpoints,omitempty"`
}
