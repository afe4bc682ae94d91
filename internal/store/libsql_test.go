package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/ruledbg/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func seedSession(t *testing.T, s *LibSQLStore) *Session {
	t.Helper()
	sess := &Session{
		ID:         uuid.New().String(),
		RuleSource: "x = 5\ny = x + 1",
		State:      schema.StateStopped,
	}
	require.NoError(t, s.CreateSession(context.Background(), sess))
	return sess
}

// --- Session Tests ---

func TestCreateAndGetSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &Session{
		ID:         uuid.New().String(),
		RuleSource: "total = price * 2",
		State:      schema.StateStopped,
	}
	require.NoError(t, s.CreateSession(ctx, sess))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, "total = price * 2", got.RuleSource)
	assert.Equal(t, schema.StateStopped, got.State)
	assert.Empty(t, got.Error)
	assert.Nil(t, got.StartedAt)
}

func TestGetSession_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetSession(context.Background(), "nonexistent")
	require.Error(t, err)
	dbgErr, ok := err.(*schema.DebugError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNotFound, dbgErr.Code)
}

func TestUpdateSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, s)

	state := schema.StatePaused
	stepIdx := 3
	total := 7
	now := time.Now().UTC()
	require.NoError(t, s.UpdateSession(ctx, sess.ID, SessionUpdate{
		State:      &state,
		StepIndex:  &stepIdx,
		TotalSteps: &total,
		StartedAt:  &now,
	}))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatePaused, got.State)
	assert.Equal(t, 3, got.StepIndex)
	assert.Equal(t, 7, got.TotalSteps)
	assert.NotNil(t, got.StartedAt)
}

func TestUpdateSession_EmptyUpdateIsNoop(t *testing.T) {
	s := newTestStore(t)
	sess := seedSession(t, s)
	require.NoError(t, s.UpdateSession(context.Background(), sess.ID, SessionUpdate{}))
}

func TestUpdateSession_NotFound(t *testing.T) {
	s := newTestStore(t)
	state := schema.StateRunning
	err := s.UpdateSession(context.Background(), "missing", SessionUpdate{State: &state})
	require.Error(t, err)
}

func TestListSessions_FilterByState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedSession(t, s)
	paused := seedSession(t, s)
	state := schema.StatePaused
	require.NoError(t, s.UpdateSession(ctx, paused.ID, SessionUpdate{State: &state}))

	got, err := s.ListSessions(ctx, SessionFilter{State: &state})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, paused.ID, got[0].ID)
}

func TestDeleteSession_CascadesChildren(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, s)

	require.NoError(t, s.SetBreakpoint(ctx, &BreakpointRow{SessionID: sess.ID, Line: 2}))
	require.NoError(t, s.AppendEvent(ctx, &Event{SessionID: sess.ID, Type: schema.EventSessionStarted}))
	require.NoError(t, s.DeleteSession(ctx, sess.ID))

	_, err := s.GetSession(ctx, sess.ID)
	require.Error(t, err)

	bps, err := s.ListBreakpoints(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, bps)

	events, err := s.GetEvents(ctx, sess.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

// --- Breakpoint Tests ---

func TestSetBreakpoint_UpsertsCondition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, s)

	require.NoError(t, s.SetBreakpoint(ctx, &BreakpointRow{SessionID: sess.ID, Line: 2}))
	require.NoError(t, s.SetBreakpoint(ctx, &BreakpointRow{SessionID: sess.ID, Line: 2, Condition: `vars.x > 3`}))

	bps, err := s.ListBreakpoints(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, bps, 1)
	assert.Equal(t, 2, bps[0].Line)
	assert.Equal(t, `vars.x > 3`, bps[0].Condition)
}

func TestRemoveBreakpoint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, s)

	require.NoError(t, s.SetBreakpoint(ctx, &BreakpointRow{SessionID: sess.ID, Line: 1}))
	require.NoError(t, s.RemoveBreakpoint(ctx, sess.ID, 1))
	require.Error(t, s.RemoveBreakpoint(ctx, sess.ID, 1))

	bps, err := s.ListBreakpoints(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, bps)
}

func TestListBreakpoints_OrderedByLine(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, s)

	for _, line := range []int{5, 1, 3} {
		require.NoError(t, s.SetBreakpoint(ctx, &BreakpointRow{SessionID: sess.ID, Line: line}))
	}

	bps, err := s.ListBreakpoints(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, bps, 3)
	assert.Equal(t, 1, bps[0].Line)
	assert.Equal(t, 3, bps[1].Line)
	assert.Equal(t, 5, bps[2].Line)
}

// --- Event Tests ---

func TestAppendEvent_AssignsSequence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, s)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendEvent(ctx, &Event{
			SessionID: sess.ID,
			Type:      schema.EventSessionStepped,
			Payload:   json.RawMessage(fmt.Sprintf(`{"step_index":%d}`, i)),
		}))
	}

	events, err := s.GetEvents(ctx, sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
	}
}

func TestGetEvents_Since(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, s)

	require.NoError(t, s.AppendEvent(ctx, &Event{SessionID: sess.ID, Type: schema.EventSessionStarted}))
	require.NoError(t, s.AppendEvent(ctx, &Event{SessionID: sess.ID, Type: schema.EventSessionPaused}))

	events, err := s.GetEvents(ctx, sess.ID, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, schema.EventSessionPaused, events[0].Type)
}

func TestGetEventsByType(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, s)
	other := seedSession(t, s)

	require.NoError(t, s.AppendEvent(ctx, &Event{SessionID: sess.ID, Type: schema.EventSessionPaused}))
	require.NoError(t, s.AppendEvent(ctx, &Event{SessionID: other.ID, Type: schema.EventSessionPaused}))
	require.NoError(t, s.AppendEvent(ctx, &Event{SessionID: sess.ID, Type: schema.EventSessionStopped}))

	events, err := s.GetEventsByType(ctx, schema.EventSessionPaused, EventFilter{SessionID: sess.ID})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, sess.ID, events[0].SessionID)
}

// --- Trace Tests ---

func TestSaveAndLoadTrace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, s)

	steps := []schema.EnrichedDebugStep{
		{
			StepIndex: 0,
			Variables: map[string]schema.TypedVariable{
				"x": {Value: int64(5), Type: "number"},
			},
			Changes: schema.VariableChanges{Added: []string{"x"}},
		},
		{
			StepIndex: 1,
			Variables: map[string]schema.TypedVariable{
				"x": {Value: int64(5), Type: "number"},
				"y": {Value: int64(6), Type: "number"},
			},
			Changes: schema.VariableChanges{Added: []string{"y"}},
		},
	}
	require.NoError(t, s.SaveTrace(ctx, sess.ID, steps))

	got, err := s.LoadTrace(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[1].StepIndex)
	assert.Equal(t, []string{"y"}, got[1].Changes.Added)
}

func TestSaveTrace_ReplacesPrevious(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, s)

	require.NoError(t, s.SaveTrace(ctx, sess.ID, []schema.EnrichedDebugStep{{StepIndex: 0}}))
	require.NoError(t, s.SaveTrace(ctx, sess.ID, []schema.EnrichedDebugStep{{StepIndex: 0}, {StepIndex: 1}}))

	got, err := s.LoadTrace(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestLoadTrace_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.LoadTrace(context.Background(), "missing")
	require.Error(t, err)
}
