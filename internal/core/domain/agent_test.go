package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgentState_Transitions(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(s *AgentState)
		move    func(s *AgentState) error
		wantErr bool
	}{
		{
			name:    "running_to_completed",
			prepare: func(s *AgentState) {},
			move:    func(s *AgentState) error { return s.Complete("done") },
		},
		{
			name:    "running_to_failed",
			prepare: func(s *AgentState) {},
			move:    func(s *AgentState) error { return s.Fail("boom") },
		},
		{
			name:    "running_to_needs_confirmation",
			prepare: func(s *AgentState) {},
			move: func(s *AgentState) error {
				return s.Suspend(&PendingAction{ToolName: "delete_record", ToolCallID: "call_1"})
			},
		},
		{
			name: "needs_confirmation_to_running",
			prepare: func(s *AgentState) {
				_ = s.Suspend(&PendingAction{ToolName: "x", ToolCallID: "call_1"})
			},
			move: func(s *AgentState) error { return s.Resume() },
		},
		{
			name:    "completed_is_terminal",
			prepare: func(s *AgentState) { _ = s.Complete("done") },
			move:    func(s *AgentState) error { return s.Fail("late") },
			wantErr: true,
		},
		{
			name:    "failed_is_terminal",
			prepare: func(s *AgentState) { _ = s.Fail("boom") },
			move:    func(s *AgentState) error { return s.Complete("late") },
			wantErr: true,
		},
		{
			name: "needs_confirmation_cannot_complete_directly",
			prepare: func(s *AgentState) {
				_ = s.Suspend(&PendingAction{ToolName: "x", ToolCallID: "call_1"})
			},
			move:    func(s *AgentState) error { return s.Complete("done") },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewAgentState("hi", 5)
			tt.prepare(s)
			err := tt.move(s)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAgentState_ResumeClearsPendingAction(t *testing.T) {
	s := NewAgentState("delete it", 5)
	require.NoError(t, s.Suspend(&PendingAction{ToolName: "delete_record", ToolCallID: "call_9"}))
	require.NotNil(t, s.PendingAction)

	require.NoError(t, s.Resume())
	assert.Equal(t, StatusRunning, s.Status)
	assert.Nil(t, s.PendingAction)
}

func TestAgentState_AppendStepAssignsIndexes(t *testing.T) {
	s := NewAgentState("hi", 5)
	first := s.AppendStep(AgentStep{Action: "read_records", Timestamp: time.Now()})
	second := s.AppendStep(AgentStep{Action: "list_tables", Timestamp: time.Now()})

	assert.Equal(t, 1, first.Index)
	assert.Equal(t, 2, second.Index)
	assert.Equal(t, 2, s.StepsTaken())
	assert.Equal(t, 3, s.StepsRemaining())
}

func TestAgentState_ReplaceLastObservation(t *testing.T) {
	s := NewAgentState("hi", 5)
	s.AppendStep(AgentStep{Thought: "checking", Action: "update_record", Timestamp: time.Now()})

	replaced, err := s.ReplaceLastObservation("2 rows updated")
	require.NoError(t, err)

	// Same index, same action, new observation. No extra step appended.
	assert.Equal(t, 1, replaced.Index)
	assert.Equal(t, "update_record", replaced.Action)
	assert.Equal(t, "2 rows updated", replaced.Observation)
	assert.Len(t, s.Steps, 1)
}

func TestAgentState_ReplaceLastObservation_Empty(t *testing.T) {
	s := NewAgentState("hi", 5)
	_, err := s.ReplaceLastObservation("nothing to see")
	assert.Error(t, err)
}

func TestAgentState_TranscriptBalance(t *testing.T) {
	s := NewAgentState("hi", 5)
	s.AppendAssistantCall("thinking", ToolCall{ID: "call_1", Name: "read_records"})
	s.AppendAssistantCall("", ToolCall{ID: "call_2", Name: "delete_record"})

	assert.ElementsMatch(t, []string{"call_1", "call_2"}, s.UnbalancedCallIDs())

	s.AppendToolResult("call_1", "3 rows")
	s.AppendToolResult("call_2", "pending confirmation")
	assert.Empty(t, s.UnbalancedCallIDs())
}

func TestAgentState_ReplaceToolResultInPlace(t *testing.T) {
	s := NewAgentState("hi", 5)
	s.AppendAssistantCall("", ToolCall{ID: "call_1", Name: "delete_record"})
	s.AppendToolResult("call_1", "pending confirmation")
	lenBefore := len(s.Transcript)

	require.NoError(t, s.ReplaceToolResult("call_1", "Confirmed and executed. 1 row deleted"))

	assert.Len(t, s.Transcript, lenBefore)
	assert.Equal(t, "Confirmed and executed. 1 row deleted", s.Transcript[1].Content)

	// Unknown call id is an error, not an append.
	assert.Error(t, s.ReplaceToolResult("call_404", "x"))
	assert.Len(t, s.Transcript, lenBefore)
}

func TestAgentState_GrantStepsOnlyUp(t *testing.T) {
	s := NewAgentState("hi", 5)
	s.GrantSteps(3)
	assert.Equal(t, 8, s.MaxSteps)
	s.GrantSteps(-2)
	assert.Equal(t, 8, s.MaxSteps)
	s.GrantSteps(0)
	assert.Equal(t, 8, s.MaxSteps)
}

func TestAgentState_SerializationRoundTrip(t *testing.T) {
	s := NewAgentState("show customers", 10)
	s.AppendAssistantCall("look first", ToolCall{ID: "call_1", Name: "read_records", Params: map[string]any{"table": "customers"}})
	s.AppendToolResult("call_1", "2 rows")
	s.AppendStep(AgentStep{Thought: "look first", Action: "read_records", Observation: "2 rows", Timestamp: time.Now()})
	require.NoError(t, s.Complete("there are 2 customers"))

	raw, err := json.Marshal(s)
	require.NoError(t, err)

	var back AgentState
	require.NoError(t, json.Unmarshal(raw, &back))

	assert.Equal(t, s.Status, back.Status)
	assert.Len(t, back.Steps, len(s.Steps))
	assert.Equal(t, s.FinalAnswer, back.FinalAnswer)
	assert.Equal(t, s.MaxSteps, back.MaxSteps)
	assert.Len(t, back.Transcript, len(s.Transcript))
}

func TestAgentState_SuspendedSerializationRoundTrip(t *testing.T) {
	s := NewAgentState("delete order 7", 10)
	s.AppendAssistantCall("needs approval", ToolCall{ID: "call_1", Name: "delete_record"})
	s.AppendToolResult("call_1", "pending confirmation")
	s.AppendStep(AgentStep{Thought: "needs approval", Action: "delete_record", Timestamp: time.Now()})
	require.NoError(t, s.Suspend(&PendingAction{
		ToolName:    "delete_record",
		Params:      map[string]any{"table": "orders"},
		Description: "needs approval",
		ToolCallID:  "call_1",
	}))

	raw, err := json.Marshal(s)
	require.NoError(t, err)

	var back AgentState
	require.NoError(t, json.Unmarshal(raw, &back))

	assert.Equal(t, StatusNeedsConfirmation, back.Status)
	require.NotNil(t, back.PendingAction)
	assert.Equal(t, "delete_record", back.PendingAction.ToolName)
	assert.Equal(t, "call_1", back.PendingAction.ToolCallID)
}

func TestSnapshot_CopiesSteps(t *testing.T) {
	s := NewAgentState("hi", 5)
	s.AppendStep(AgentStep{Action: "read_records", Timestamp: time.Now()})

	snap := s.Snapshot()
	snap.Steps[0].Observation = "mutated"

	assert.Empty(t, s.Steps[0].Observation)
}

func TestJoinActionNames(t *testing.T) {
	assert.Equal(t, "read_records", JoinActionNames([]ToolCall{{Name: "read_records"}}))
	assert.Equal(t, "read_records, delete_record, list_tables", JoinActionNames([]ToolCall{
		{Name: "read_records"}, {Name: "delete_record"}, {Name: "list_tables"},
	}))
}
