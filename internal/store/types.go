package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/ruledbg/pkg/schema"
)

// Session is the persisted representation of a debug session.
type Session struct {
	ID           string               `json:"id"`
	RuleSource   string               `json:"rule_source"`
	State        schema.DebugStateKind `json:"state"`
	StepIndex    int                  `json:"step_index"`
	TotalSteps   int                  `json:"total_steps"`
	Error        string               `json:"error,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
	StartedAt    *time.Time           `json:"started_at,omitempty"`
	CompletedAt  *time.Time           `json:"completed_at,omitempty"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

// SessionUpdate carries the mutable fields of a session; nil pointers are
// left untouched.
type SessionUpdate struct {
	State       *schema.DebugStateKind
	StepIndex   *int
	TotalSteps  *int
	Error       *string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// SessionFilter narrows ListSessions.
type SessionFilter struct {
	State  *schema.DebugStateKind
	Before *time.Time
	Limit  int
	Offset int
}

// BreakpointRow is a persisted breakpoint. Breakpoints are keyed by
// original line within a session; armed state changes only at Start.
type BreakpointRow struct {
	SessionID string     `json:"session_id"`
	Line      int        `json:"line"`
	Condition string     `json:"condition,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Event is an immutable entry in the session event log.
type Event struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// EventFilter narrows GetEventsByType.
type EventFilter struct {
	SessionID string
	Since     *time.Time
	Limit     int
}
