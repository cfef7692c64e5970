package store_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trinity-platform/process-engine/internal/enginerr"
	"github.com/trinity-platform/process-engine/internal/store"
	"github.com/trinity-platform/process-engine/pkg/expr"
)

func TestStore_SeedsInputAndTrigger(t *testing.T) {
	s := store.New(map[string]any{"a": 1.0}, map[string]any{"b": 2.0}, 0)
	v, err := expr.Eval("input.a", s.Context())
	require.NoError(t, err)
	assert.Equal(t, 1.0, v)

	v, err = expr.Eval("trigger.b", s.Context())
	require.NoError(t, err)
	assert.Equal(t, 2.0, v)
}

func TestStore_SetStepOutputOnce(t *testing.T) {
	s := store.New(nil, nil, 0)
	now := time.Now()

	err := s.SetStepOutput("a", "succeeded", "hello", &now, &now, nil)
	require.NoError(t, err)

	err = s.SetStepOutput("a", "succeeded", "again", &now, &now, nil)
	require.Error(t, err, "a step output may only be written once")
	assert.True(t, enginerr.Is(err, enginerr.KindInvalidDefinition))

	v, evalErr := expr.Eval("steps.a.output", s.Context())
	require.NoError(t, evalErr)
	assert.Equal(t, "hello", v, "the second write must not have overwritten the first")
}

func TestStore_EnforcesOutputSizeLimit(t *testing.T) {
	s := store.New(nil, nil, 10)
	err := s.SetStepOutput("a", "succeeded", "this string is definitely too long", nil, nil, nil)
	require.Error(t, err)
	assert.True(t, enginerr.Is(err, enginerr.KindLimitExceeded))
}

func TestStore_ZeroMaxSizeDisablesLimit(t *testing.T) {
	s := store.New(nil, nil, 0)
	err := s.SetStepOutput("a", "succeeded", "arbitrarily long output string that would exceed any small bound", nil, nil, nil)
	require.NoError(t, err)
}
