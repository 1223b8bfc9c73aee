package governance

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/torii-ai/sekisho/internal/model"
)

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from    model.ActionState
		to      model.ActionState
		allowed bool
	}{
		{model.ActionProposed, model.ActionPendingApproval, true},
		{model.ActionProposed, model.ActionApproved, true},
		{model.ActionProposed, model.ActionExecuting, false},
		{model.ActionPendingApproval, model.ActionApproved, true},
		{model.ActionPendingApproval, model.ActionProposed, true}, // reject path
		{model.ActionPendingApproval, model.ActionExecuting, false},
		{model.ActionApproved, model.ActionExecuting, true},
		{model.ActionApproved, model.ActionCompleted, false},
		{model.ActionExecuting, model.ActionCompleted, true},
		{model.ActionExecuting, model.ActionFailed, true},
		{model.ActionFailed, model.ActionRolledBack, true},
		{model.ActionFailed, model.ActionExecuting, false},
		{model.ActionCompleted, model.ActionRolledBack, false},
		{model.ActionRolledBack, model.ActionProposed, false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.allowed, allowed(tc.from, tc.to),
			"%s -> %s", tc.from, tc.to)
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	assert.Empty(t, ValidTransitions(model.ActionCompleted))
	assert.Empty(t, ValidTransitions(model.ActionRolledBack))
}

func TestTransitionErrorListsAllowedStates(t *testing.T) {
	err := &TransitionError{
		ActionID: uuid.Nil,
		From:     model.ActionCompleted,
		To:       model.ActionExecuting,
		Allowed:  validTransitions[model.ActionCompleted],
	}
	assert.Contains(t, err.Error(), "COMPLETED -> EXECUTING")
	assert.Contains(t, err.Error(), "allowed")
}
