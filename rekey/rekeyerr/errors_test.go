package rekeyerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessageIncludesIDs(t *testing.T) {
	err := New(UnresolvableCollision, "target %q claimed twice", "Z").WithIDs("id1", "id2")
	assert.Equal(t, `UnresolvableCollision: target "Z" claimed twice (ids: id1, id2)`, err.Error())
}

func TestKindSurvivesWrapping(t *testing.T) {
	base := Wrap(StepTimeout, errors.New("deadline"), "step %d", 3)
	wrapped := fmt.Errorf("run failed: %w", base)

	kind, ok := KindOf(wrapped)
	assert.True(t, ok)
	assert.Equal(t, StepTimeout, kind)
	assert.True(t, Is(wrapped, StepTimeout))
	assert.False(t, Is(wrapped, MalformedMapping))
	assert.ErrorContains(t, wrapped, "deadline")
}

func TestExitCodes(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, ExitSuccess},
		{New(MalformedMapping, "x"), ExitInput},
		{New(UnresolvableCollision, "x"), ExitInput},
		{New(StepExecutionFailure, "x"), ExitPartial},
		{New(StepTimeout, "x"), ExitPartial},
		{New(ResumeConflict, "x"), ExitPartial},
		{New(PostConditionViolation, "x"), ExitViolation},
		{New(ConstraintSuspendFailure, "x"), ExitFatal},
		{errors.New("connection refused"), ExitFatal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExitCodeOf(tt.err), "%v", tt.err)
	}
}

func TestEveryKindHasHint(t *testing.T) {
	for _, k := range []Kind{MalformedMapping, UnresolvableCollision, ConstraintSuspendFailure,
		StepExecutionFailure, StepTimeout, PostConditionViolation, ResumeConflict} {
		assert.NotEmpty(t, HintFor(k), k)
	}
}
