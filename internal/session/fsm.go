package session

import (
	"context"
	"sync"

	"github.com/rendis/ruledbg/internal/store"
	"github.com/rendis/ruledbg/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to string) error

type hookKey struct {
	from, to schema.DebugStateKind
}

// FSM manages debug session state transitions. Transitions are recorded on
// the session event log through the appender.
type FSM struct {
	mu       sync.Mutex
	appender store.EventAppender
	before   map[hookKey][]TransitionHook
	after    map[hookKey][]TransitionHook
}

// NewFSM creates an FSM that emits events via the given appender.
func NewFSM(appender store.EventAppender) *FSM {
	return &FSM{
		appender: appender,
		before:   make(map[hookKey][]TransitionHook),
		after:    make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition.
func (f *FSM) OnBefore(from, to schema.DebugStateKind, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition.
func (f *FSM) OnAfter(from, to schema.DebugStateKind, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a session state transition, emitting
// the corresponding event. The caller persists the new state.
func (f *FSM) Transition(ctx context.Context, sessionID string, from, to schema.DebugStateKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid debug transition: %s -> %s", from, to).
			WithDetails(map[string]any{"session_id": sessionID, "from": string(from), "to": string(to)})
	}

	key := hookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if eventType := transitionEventType(from, to); eventType != "" {
		event := &store.Event{
			SessionID: sessionID,
			Type:      eventType,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit session event: %s", err.Error()).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidTransition(from, to schema.DebugStateKind) bool {
	allowed, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

// transitionEventType distinguishes the first pause of a run from stepping:
// paused -> paused means a step landed, running -> paused means the run hit
// its first observable step or breakpoint.
func transitionEventType(from, to schema.DebugStateKind) string {
	switch to {
	case schema.StateRunning:
		return schema.EventSessionStarted
	case schema.StatePaused:
		if from == schema.StatePaused {
			return schema.EventSessionStepped
		}
		return schema.EventSessionPaused
	case schema.StateCompleted:
		return schema.EventSessionCompleted
	case schema.StateStopped:
		return schema.EventSessionStopped
	case schema.StateError:
		return schema.EventSessionFailed
	default:
		return ""
	}
}

// ValidTransitions defines the allowed state transitions for debug sessions.
// Stop is reachable from every non-stopped state; completed and error
// sessions may be restarted.
var ValidTransitions = map[schema.DebugStateKind][]schema.DebugStateKind{
	schema.StateStopped:   {schema.StateRunning},
	schema.StateRunning:   {schema.StatePaused, schema.StateCompleted, schema.StateError, schema.StateStopped},
	schema.StatePaused:    {schema.StatePaused, schema.StateCompleted, schema.StateError, schema.StateStopped},
	schema.StateCompleted: {schema.StateRunning, schema.StateStopped},
	schema.StateError:     {schema.StateRunning, schema.StateStopped},
}
