package store

import (
	"context"

	"github.com/rendis/ruledbg/pkg/schema"
)

// EventAppender is the narrow interface session code uses to record
// lifecycle events. The full Store satisfies it.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *Event) error
}

// BreakpointStore persists breakpoints independently of session runs so
// toggles survive restarts and re-arm at the next start.
type BreakpointStore interface {
	SetBreakpoint(ctx context.Context, bp *BreakpointRow) error
	RemoveBreakpoint(ctx context.Context, sessionID string, line int) error
	ListBreakpoints(ctx context.Context, sessionID string) ([]*BreakpointRow, error)
}

// TraceStore persists the enriched step trace of a completed run as an
// opaque blob.
type TraceStore interface {
	SaveTrace(ctx context.Context, sessionID string, steps []schema.EnrichedDebugStep) error
	LoadTrace(ctx context.Context, sessionID string) ([]schema.EnrichedDebugStep, error)
}

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, sess *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSession(ctx context.Context, id string, update SessionUpdate) error
	ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, error)
	DeleteSession(ctx context.Context, id string) error

	BreakpointStore
	TraceStore

	// Event log (append-only)
	EventAppender
	GetEvents(ctx context.Context, sessionID string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
