package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portalhq/portal/internal/catalog"
)

func TestRouter_SpeedStrategyPicksFastest(t *testing.T) {
	r := New(catalog.New(), Speed, nil)
	decision, err := r.Route("hi", 1.0)
	require.NoError(t, err)
	assert.Equal(t, "ollama_qwen25_05b", decision.ModelID)
}

func TestRouter_QualityStrategyRespectsCostCeiling(t *testing.T) {
	r := New(catalog.New(), Quality, nil)
	decision, err := r.Route("write a python function to sort a list", 0.31)
	require.NoError(t, err)
	assert.LessOrEqual(t, decision.Model.Cost, 0.31)
}

func TestRouter_CostOptimizedPicksCheapest(t *testing.T) {
	r := New(catalog.New(), CostOptimized, nil)
	decision, err := r.Route("hello", 1.0)
	require.NoError(t, err)
	assert.Equal(t, "ollama_qwen25_05b", decision.ModelID)
}

func TestRouter_FallbackChainExcludesPrimaryAndCapsAtThree(t *testing.T) {
	r := New(catalog.New(), Auto, nil)
	decision, err := r.Route("hello", 1.0)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(decision.FallbackModels), 3)
	assert.NotContains(t, decision.FallbackModels, decision.ModelID)
}

func TestRouter_AutoUsesCodeFallbackWhenRequired(t *testing.T) {
	r := New(catalog.New(), Auto, nil)
	decision, err := r.Route("debug this python script, fix the bug in the function", 1.0)
	require.NoError(t, err)
	assert.True(t, decision.Model.HasCapability(catalog.CapCode))
}

func TestRouter_BalancedUsesSpeedForTrivial(t *testing.T) {
	r := New(catalog.New(), Balanced, nil)
	decision, err := r.Route("hi", 1.0)
	require.NoError(t, err)
	assert.Equal(t, "ollama_qwen25_05b", decision.ModelID)
}

func TestRouter_QualityStrategySelectsByCategoryNotFlags(t *testing.T) {
	r := New(catalog.New(), Quality, nil)
	decision, err := r.Route("analyze and evaluate the tradeoffs between these two approaches in depth", 1.0)
	require.NoError(t, err)
	assert.True(t, decision.Model.HasCapability(catalog.CapReasoning))
}

func TestRouter_NewWarnsButDoesNotFailOnUnknownPreference(t *testing.T) {
	assert.NotPanics(t, func() {
		r := New(catalog.New(), Auto, map[string][]string{"simple": {"does-not-exist"}})
		_, err := r.Route("hi", 1.0)
		require.NoError(t, err)
	})
}

func TestRouter_AllUnavailableFallsBackToAnyModel(t *testing.T) {
	reg := catalog.New()
	for _, m := range reg.All() {
		reg.SetAvailable(m.ModelID, false)
	}
	r := New(reg, Auto, nil)
	decision, err := r.Route("hi", 1.0)
	require.NoError(t, err)
	assert.NotEmpty(t, decision.ModelID)
}
