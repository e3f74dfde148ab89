package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvalCondition_Params(t *testing.T) {
	env := conditionEnv(RunSpec{Params: map[string]any{"skip_assessment": true}}, nil)

	met, err := evalCondition("params.skip_assessment != true", env)
	require.NoError(t, err)
	assert.False(t, met)
}

func TestEvalCondition_MissingParamIsNil(t *testing.T) {
	env := conditionEnv(RunSpec{}, nil)

	met, err := evalCondition("params.skip_assessment != true", env)
	require.NoError(t, err)
	assert.True(t, met)
}

func TestEvalCondition_PriorStepOutcome(t *testing.T) {
	history := []StepResult{
		{StepID: "critic", Status: StepSucceeded, Verification: VerifiedStatus},
	}
	env := conditionEnv(RunSpec{}, history)

	met, err := evalCondition(`steps.critic.verification == "verified"`, env)
	require.NoError(t, err)
	assert.True(t, met)
}

func TestEvalCondition_NonBooleanFails(t *testing.T) {
	env := conditionEnv(RunSpec{Params: map[string]any{"n": 3}}, nil)

	_, err := evalCondition("params.n", env)
	assert.Error(t, err)
}
