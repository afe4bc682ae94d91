// Package session implements the stepwise debug protocol: it owns the
// lifecycle state machine, arms breakpoints through the source map, runs the
// execution engine, and serves enriched steps one pause at a time.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/ruledbg/internal/condition"
	"github.com/rendis/ruledbg/internal/logging"
	"github.com/rendis/ruledbg/internal/parser"
	"github.com/rendis/ruledbg/internal/query"
	"github.com/rendis/ruledbg/internal/sourcemap"
	"github.com/rendis/ruledbg/internal/store"
	"github.com/rendis/ruledbg/internal/streaming"
	"github.com/rendis/ruledbg/internal/trace"
	"github.com/rendis/ruledbg/internal/validation"
	"github.com/rendis/ruledbg/pkg/schema"
)

// Engine executes generated code and returns the raw step trace.
type Engine interface {
	Execute(ctx context.Context, generatedCode string, breakpointLines []int, initialVariables map[string]any) (*schema.ExecutionResult, error)
}

// Generator turns rule source into generated code plus its source map.
type Generator interface {
	Generate(ruleSource string) (string, *schema.SourceMap, error)
}

// Config tunes session behavior.
type Config struct {
	// EngineTimeout bounds a single execution run. Zero means no timeout.
	EngineTimeout time.Duration
	// ContinueToBreakpoint makes Continue run to the next breakpoint instead
	// of advancing a single step.
	ContinueToBreakpoint bool
}

// Manager creates and tracks debug sessions.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	store     store.Store
	hub       streaming.EventHub
	engine    Engine
	generator Generator
	converter *trace.Converter
	evaluator *condition.Evaluator
	queries   *query.Engine
	config    Config
	logger    *slog.Logger

	validatorOnce sync.Once
	validator     *validation.SourceMapValidator
	validatorErr  error
}

// NewManager wires a session manager from its collaborators.
func NewManager(st store.Store, hub streaming.EventHub, engine Engine, generator Generator, converter *trace.Converter, evaluator *condition.Evaluator, queries *query.Engine, config Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions:  make(map[string]*Session),
		store:     st,
		hub:       hub,
		engine:    engine,
		generator: generator,
		converter: converter,
		evaluator: evaluator,
		queries:   queries,
		config:    config,
		logger:    logger,
	}
}

// CreateSession registers a new session for the given rule source.
func (m *Manager) CreateSession(ctx context.Context, ruleSource string) (*Session, error) {
	sess := &Session{
		id:          uuid.NewString(),
		ruleSource:  ruleSource,
		state:       schema.StateStopped,
		breakpoints: make(map[int]schema.Breakpoint),
		mgr:         m,
		fsm:         NewFSM(m.store),
	}

	if err := m.store.CreateSession(ctx, &store.Session{
		ID:         sess.id,
		RuleSource: ruleSource,
		State:      schema.StateStopped,
	}); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create session: %s", err.Error()).WithCause(err)
	}

	m.mu.Lock()
	m.sessions[sess.id] = sess
	m.mu.Unlock()
	return sess, nil
}

// CreateSessionWithArtifacts registers a session over externally generated
// code and its source map document. The document is schema-validated up
// front; Start skips the generator collaborator and uses the artifacts as-is.
func (m *Manager) CreateSessionWithArtifacts(ctx context.Context, ruleSource, generatedCode string, sourceMapDoc []byte) (*Session, error) {
	validator, err := m.sourceMapValidator()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "init source map validator: %s", err.Error()).WithCause(err)
	}
	sm, err := validator.Validate(sourceMapDoc)
	if err != nil {
		return nil, err
	}

	sess, err := m.CreateSession(ctx, ruleSource)
	if err != nil {
		return nil, err
	}
	sess.generated = &generatedArtifacts{code: generatedCode, sourceMap: sm}
	return sess, nil
}

func (m *Manager) sourceMapValidator() (*validation.SourceMapValidator, error) {
	m.validatorOnce.Do(func() {
		m.validator, m.validatorErr = validation.NewSourceMapValidator()
	})
	return m.validator, m.validatorErr
}

// RestoreSession rehydrates a persisted session into the manager, including
// its breakpoints. Restored sessions come back stopped; their toggles arm at
// the next Start.
func (m *Manager) RestoreSession(ctx context.Context, id string) (*Session, error) {
	row, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	bps, err := m.store.ListBreakpoints(ctx, id)
	if err != nil {
		return nil, err
	}

	sess := &Session{
		id:          row.ID,
		ruleSource:  row.RuleSource,
		state:       schema.StateStopped,
		breakpoints: make(map[int]schema.Breakpoint, len(bps)),
		mgr:         m,
		fsm:         NewFSM(m.store),
	}
	for _, bp := range bps {
		sess.breakpoints[bp.Line] = schema.Breakpoint{Line: bp.Line, Enabled: true, Condition: bp.Condition}
	}

	m.mu.Lock()
	m.sessions[sess.id] = sess
	m.mu.Unlock()
	return sess, nil
}

// Session returns a tracked session by id.
func (m *Manager) Session(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

// DropSession forgets a session without touching its persisted rows.
func (m *Manager) DropSession(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Session is one debug session over a fixed rule source. All operations are
// safe for concurrent use; Stop may race a pending Start, in which case the
// late execution result is discarded.
// generatedArtifacts carries externally supplied generated code and its
// validated source map. Sessions without artifacts call the generator at
// Start.
type generatedArtifacts struct {
	code      string
	sourceMap *schema.SourceMap
}

type Session struct {
	id         string
	ruleSource string
	mgr        *Manager
	fsm        *FSM
	generated  *generatedArtifacts

	mu          sync.Mutex
	state       schema.DebugStateKind
	runToken    string
	breakpoints map[int]schema.Breakpoint
	consumer    *sourcemap.Consumer
	steps       []schema.EnrichedDebugStep
	stepIndex   int
	lastError   string
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Start generates code for the rule source, arms breakpoints, and runs the
// engine. The session pauses at the first breakpoint hit or completes when
// none is hit. A Start while a run is in flight is rejected; a Stop racing a
// pending Start wins and the late result is discarded.
func (s *Session) Start(ctx context.Context, initialVariables map[string]any) (schema.DebugState, error) {
	ctx = logging.WithSessionID(ctx, s.id)
	logger := logging.LogWith(ctx, s.mgr.logger)

	s.mu.Lock()
	if s.state == schema.StateRunning {
		s.mu.Unlock()
		return schema.DebugState{}, schema.NewError(schema.ErrCodeConcurrentStart,
			"a run is already in flight for this session")
	}

	if err := s.fsm.Transition(ctx, s.id, s.state, schema.StateRunning); err != nil {
		s.mu.Unlock()
		return schema.DebugState{}, err
	}
	s.state = schema.StateRunning
	token := uuid.NewString()
	s.runToken = token

	var (
		code string
		sm   *schema.SourceMap
	)
	if s.generated != nil {
		code, sm = s.generated.code, s.generated.sourceMap
	} else {
		var err error
		code, sm, err = s.mgr.generator.Generate(s.ruleSource)
		if err != nil {
			state := s.failLocked(ctx, "generate: "+err.Error())
			s.mu.Unlock()
			return state, err
		}
	}

	s.consumer = sourcemap.NewConsumer(sm)
	if !s.consumer.ValidateHash(code) {
		logger.WarnContext(ctx, "source map integrity hash mismatch, mappings may be stale")
		s.appendEvent(ctx, schema.EventSourceMapWarning, map[string]any{"reason": "hash_mismatch"})
	}
	for _, w := range s.consumer.Warnings() {
		logger.WarnContext(ctx, "source map warning", slog.String("warning", w))
	}

	armed := s.armBreakpointsLocked(ctx)
	breakpoints := s.breakpointLinesLocked()
	s.mu.Unlock()

	now := time.Now().UTC()
	running := schema.StateRunning
	_ = s.mgr.store.UpdateSession(ctx, s.id, store.SessionUpdate{State: &running, StartedAt: &now})
	s.publish(ctx, schema.EventSessionStarted, schema.DebugState{Kind: schema.StateRunning, Breakpoints: breakpoints})

	execCtx := ctx
	var cancel context.CancelFunc
	if s.mgr.config.EngineTimeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, s.mgr.config.EngineTimeout)
		defer cancel()
	}

	result, execErr := s.mgr.engine.Execute(execCtx, code, armed, initialVariables)

	s.mu.Lock()
	defer s.mu.Unlock()

	// A Stop (or a newer Start) got here first: the result is stale.
	if s.runToken != token || s.state != schema.StateRunning {
		s.appendEvent(ctx, schema.EventStaleResult, map[string]any{"token": token})
		logger.InfoContext(ctx, "discarding stale execution result")
		return s.snapshotLocked(), schema.NewError(schema.ErrCodeStaleResult,
			"session was stopped while the run was in flight")
	}

	if execErr != nil {
		msg := execErr.Error()
		if execCtx.Err() == context.DeadlineExceeded {
			msg = "engine timed out"
			state := s.failLocked(ctx, msg)
			return state, schema.NewError(schema.ErrCodeEngineTimeout, msg).WithCause(execErr)
		}
		state := s.failLocked(ctx, msg)
		return state, schema.NewErrorf(schema.ErrCodeEngineExecution, "engine: %s", msg).WithCause(execErr)
	}

	// Declaration-scan hints are per rule source, so they travel with the
	// trace rather than with the process-wide converter.
	hints := parser.ScanHints(parser.Parse(s.ruleSource))
	s.steps = s.mgr.converter.Convert(result.Steps, s.consumer, hints)
	s.stepIndex = -1

	if !result.Success {
		return s.failLocked(ctx, result.Error), nil
	}

	// Run to the first effective breakpoint; complete when none is hit.
	if idx, ok := s.nextBreakpointLocked(ctx, 0); ok {
		s.stepIndex = idx
		return s.pauseLocked(ctx, "breakpoint"), nil
	}
	s.stepIndex = len(s.steps)
	return s.completeLocked(ctx), nil
}

// Step advances execution by exactly one enriched step. On a stopped
// session it is a no-op returning the current state.
func (s *Session) Step(ctx context.Context) (schema.DebugState, error) {
	return s.advance(ctx, false)
}

// Continue resumes execution. By default it advances one step like Step;
// with ContinueToBreakpoint set it runs to the next effective breakpoint.
func (s *Session) Continue(ctx context.Context) (schema.DebugState, error) {
	return s.advance(ctx, s.mgr.config.ContinueToBreakpoint)
}

func (s *Session) advance(ctx context.Context, toBreakpoint bool) (schema.DebugState, error) {
	ctx = logging.WithSessionID(ctx, s.id)

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case schema.StateStopped:
		// Advancing a stopped session is a harmless no-op.
		return s.snapshotLocked(), nil
	case schema.StatePaused:
	default:
		return s.snapshotLocked(), schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"cannot advance from state %s", s.state)
	}

	next := s.stepIndex + 1
	if toBreakpoint {
		if idx, ok := s.nextBreakpointLocked(ctx, next); ok {
			next = idx
		} else {
			next = len(s.steps)
		}
	}

	if next >= len(s.steps) {
		s.stepIndex = len(s.steps)
		return s.completeLocked(ctx), nil
	}

	s.stepIndex = next
	reason := "step"
	if s.isEffectiveBreakpointLocked(ctx, next) {
		reason = "breakpoint"
	}
	return s.pauseLocked(ctx, reason), nil
}

// Stop unconditionally resets the session. A pending Start observes the
// token change and discards its result.
func (s *Session) Stop(ctx context.Context) (schema.DebugState, error) {
	ctx = logging.WithSessionID(ctx, s.id)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == schema.StateStopped {
		return s.snapshotLocked(), nil
	}

	if err := s.fsm.Transition(ctx, s.id, s.state, schema.StateStopped); err != nil {
		return s.snapshotLocked(), err
	}
	s.state = schema.StateStopped
	s.runToken = uuid.NewString()
	s.steps = nil
	s.stepIndex = 0
	s.lastError = ""

	stopped := schema.StateStopped
	_ = s.mgr.store.UpdateSession(ctx, s.id, store.SessionUpdate{State: &stopped})

	state := s.snapshotLocked()
	s.publish(ctx, schema.EventSessionStopped, state)
	return state, nil
}

// ToggleBreakpoint flips the breakpoint on the given rule-language line.
// Toggles are persisted immediately but arm only at the next Start.
func (s *Session) ToggleBreakpoint(ctx context.Context, line int, cond string) (bool, error) {
	ctx = logging.WithSessionID(ctx, s.id)

	if cond != "" && s.mgr.evaluator != nil {
		if err := s.mgr.evaluator.Check(cond); err != nil {
			return false, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.breakpoints[line]; exists {
		delete(s.breakpoints, line)
		if err := s.mgr.store.RemoveBreakpoint(ctx, s.id, line); err != nil {
			return true, err
		}
		s.appendEvent(ctx, schema.EventBreakpointRemoved, map[string]any{"line": line})
		return false, nil
	}

	s.breakpoints[line] = schema.Breakpoint{Line: line, Enabled: true, Condition: cond}
	if err := s.mgr.store.SetBreakpoint(ctx, &store.BreakpointRow{SessionID: s.id, Line: line, Condition: cond}); err != nil {
		return false, err
	}
	s.appendEvent(ctx, schema.EventBreakpointAdded, map[string]any{"line": line})
	return true, nil
}

// State returns the current state snapshot.
func (s *Session) State() schema.DebugState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// CurrentStep returns the enriched step the session is paused on.
func (s *Session) CurrentStep() (schema.EnrichedDebugStep, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != schema.StatePaused || s.stepIndex < 0 || s.stepIndex >= len(s.steps) {
		return schema.EnrichedDebugStep{}, false
	}
	return s.steps[s.stepIndex], true
}

// Query evaluates a jq expression over the current variable snapshot.
func (s *Session) Query(ctx context.Context, expression string) (any, error) {
	s.mu.Lock()
	vars := plainVariables(s.currentVariablesLocked())
	s.mu.Unlock()
	return s.mgr.queries.Evaluate(ctx, expression, vars)
}

// --- internals (callers hold s.mu) ---

// armBreakpointsLocked expands every enabled breakpoint through the source
// map into generated-code lines.
func (s *Session) armBreakpointsLocked(ctx context.Context) []int {
	seen := make(map[int]bool)
	var lines []int
	for _, bp := range s.breakpoints {
		if !bp.Enabled {
			continue
		}
		exp := s.consumer.ExpandBreakpoints(bp.Line)
		for _, gbp := range exp.Breakpoints {
			if !seen[gbp.Line] {
				seen[gbp.Line] = true
				lines = append(lines, gbp.Line)
			}
		}
	}
	sort.Ints(lines)
	if len(lines) > 0 {
		s.appendEvent(ctx, schema.EventBreakpointsArmed, map[string]any{"generated_lines": lines})
	}
	return lines
}

// nextBreakpointLocked finds the first step at or after from whose
// breakpoint is effective (flagged by the engine and with a passing
// condition).
func (s *Session) nextBreakpointLocked(ctx context.Context, from int) (int, bool) {
	for i := from; i < len(s.steps); i++ {
		if s.isEffectiveBreakpointLocked(ctx, i) {
			return i, true
		}
	}
	return 0, false
}

func (s *Session) isEffectiveBreakpointLocked(ctx context.Context, idx int) bool {
	step := s.steps[idx]
	if !step.IsBreakpoint {
		return false
	}
	bp, ok := s.breakpoints[step.RuleLine]
	if !ok || bp.Condition == "" || s.mgr.evaluator == nil {
		return true
	}
	return s.mgr.evaluator.Evaluate(ctx, bp.Condition, plainVariables(step.Variables))
}

func (s *Session) pauseLocked(ctx context.Context, reason string) schema.DebugState {
	prev := s.state
	if err := s.fsm.Transition(ctx, s.id, prev, schema.StatePaused); err != nil {
		s.mgr.logger.ErrorContext(ctx, "pause transition failed", slog.String("error", err.Error()))
	}
	s.state = schema.StatePaused

	paused := schema.StatePaused
	idx := s.stepIndex
	total := len(s.steps)
	_ = s.mgr.store.UpdateSession(ctx, s.id, store.SessionUpdate{State: &paused, StepIndex: &idx, TotalSteps: &total})

	state := s.snapshotLocked()
	state.Reason = reason
	eventType := schema.EventSessionPaused
	if prev == schema.StatePaused {
		eventType = schema.EventSessionStepped
	}
	s.publish(ctx, eventType, state)
	return state
}

func (s *Session) completeLocked(ctx context.Context) schema.DebugState {
	if err := s.fsm.Transition(ctx, s.id, s.state, schema.StateCompleted); err != nil {
		s.mgr.logger.ErrorContext(ctx, "complete transition failed", slog.String("error", err.Error()))
	}
	s.state = schema.StateCompleted

	completed := schema.StateCompleted
	now := time.Now().UTC()
	total := len(s.steps)
	_ = s.mgr.store.UpdateSession(ctx, s.id, store.SessionUpdate{State: &completed, TotalSteps: &total, CompletedAt: &now})
	if len(s.steps) > 0 {
		if err := s.mgr.store.SaveTrace(ctx, s.id, s.steps); err != nil {
			s.mgr.logger.WarnContext(ctx, "persist trace failed", slog.String("error", err.Error()))
		}
	}

	state := s.snapshotLocked()
	s.publish(ctx, schema.EventSessionCompleted, state)
	return state
}

func (s *Session) failLocked(ctx context.Context, msg string) schema.DebugState {
	if err := s.fsm.Transition(ctx, s.id, s.state, schema.StateError); err != nil {
		s.mgr.logger.ErrorContext(ctx, "error transition failed", slog.String("error", err.Error()))
	}
	s.state = schema.StateError
	s.lastError = msg

	errState := schema.StateError
	_ = s.mgr.store.UpdateSession(ctx, s.id, store.SessionUpdate{State: &errState, Error: &msg})

	state := s.snapshotLocked()
	s.publish(ctx, schema.EventSessionFailed, state)
	return state
}

// snapshotLocked builds the DebugState for the current position.
func (s *Session) snapshotLocked() schema.DebugState {
	state := schema.DebugState{
		Kind:        s.state,
		Breakpoints: s.breakpointLinesLocked(),
	}

	switch s.state {
	case schema.StatePaused:
		state.CanStep = true
		state.CanContinue = true
		if s.stepIndex >= 0 && s.stepIndex < len(s.steps) {
			step := s.steps[s.stepIndex]
			state.Line = step.RuleLine
			state.Variables = step.Variables
		}
	case schema.StateCompleted:
		if len(s.steps) > 0 {
			final := s.steps[len(s.steps)-1].Variables
			state.Variables = final
			if raw, err := json.Marshal(plainVariables(final)); err == nil {
				state.Result = raw
			}
		} else if raw, err := json.Marshal(map[string]any{}); err == nil {
			state.Result = raw
		}
	case schema.StateError:
		state.Message = s.lastError
	}
	return state
}

func (s *Session) currentVariablesLocked() map[string]schema.TypedVariable {
	if s.stepIndex >= 0 && s.stepIndex < len(s.steps) {
		return s.steps[s.stepIndex].Variables
	}
	if len(s.steps) > 0 && s.stepIndex >= len(s.steps) {
		return s.steps[len(s.steps)-1].Variables
	}
	return nil
}

func (s *Session) breakpointLinesLocked() []int {
	lines := make([]int, 0, len(s.breakpoints))
	for line, bp := range s.breakpoints {
		if bp.Enabled {
			lines = append(lines, line)
		}
	}
	sort.Ints(lines)
	return lines
}

func (s *Session) appendEvent(ctx context.Context, eventType string, payload map[string]any) {
	event := &store.Event{SessionID: s.id, Type: eventType}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			event.Payload = raw
		}
	}
	if err := s.mgr.store.AppendEvent(ctx, event); err != nil {
		s.mgr.logger.WarnContext(ctx, "append event failed",
			slog.String("event_type", eventType), slog.String("error", err.Error()))
	}
}

func (s *Session) publish(ctx context.Context, eventType string, state schema.DebugState) {
	if s.mgr.hub == nil {
		return
	}
	if err := s.mgr.hub.Publish(ctx, streaming.DebugEvent{
		SessionID: s.id,
		EventType: eventType,
		Payload:   state,
	}); err != nil {
		s.mgr.logger.WarnContext(ctx, "publish event failed", slog.String("error", err.Error()))
	}
}

// plainVariables strips type annotations for condition and query evaluation.
func plainVariables(vars map[string]schema.TypedVariable) map[string]any {
	plain := make(map[string]any, len(vars))
	for name, tv := range vars {
		plain[name] = tv.Value
	}
	return plain
}
