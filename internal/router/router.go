// Package router is Portal's intelligent router: it classifies each
// query and picks a model according to a configurable strategy,
// attaching a ranked fallback chain for the execution engine to walk
// through if the primary model fails.
package router

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/portalhq/portal/internal/catalog"
	"github.com/portalhq/portal/internal/classify"
)

type Strategy string

const (
	Auto          Strategy = "auto"
	Speed         Strategy = "speed"
	Quality       Strategy = "quality"
	Balanced      Strategy = "balanced"
	CostOptimized Strategy = "cost_optimized"
)

// Decision is the complete routing outcome for one query.
type Decision struct {
	ModelID        string
	Model          *catalog.Model
	Classification classify.Classification
	StrategyUsed   Strategy
	FallbackModels []string
	Reasoning      string
}

// Router selects a model for each query via task classification and
// a configurable strategy, consulting a per-complexity preference
// list before falling back to capability- or cost-based search.
type Router struct {
	registry    *catalog.Registry
	classifier  *classify.Classifier
	strategy    Strategy
	preferences map[string][]string
}

func New(registry *catalog.Registry, strategy Strategy, preferences map[string][]string) *Router {
	if preferences == nil {
		preferences = map[string][]string{}
	}
	r := &Router{
		registry:    registry,
		classifier:  classify.New(),
		strategy:    strategy,
		preferences: preferences,
	}
	r.warnUnknownPreferences()
	return r
}

// warnUnknownPreferences logs any preferred model id that doesn't
// resolve in the catalog, so a typo in configuration surfaces at
// startup instead of silently falling through to anyAvailableModel.
func (r *Router) warnUnknownPreferences() {
	for complexity, modelIDs := range r.preferences {
		for _, modelID := range modelIDs {
			if _, ok := r.registry.Get(modelID); !ok {
				slog.Default().Warn("routing preference refers to unknown model",
					"complexity", complexity, "model_id", modelID)
			}
		}
	}
}

// Route classifies query and returns the routing decision.
func (r *Router) Route(query string, maxCost float64) (Decision, error) {
	classification := r.classifier.Classify(query)

	var model *catalog.Model
	var err error

	switch r.strategy {
	case Speed:
		model = r.routeSpeed(classification)
	case CostOptimized:
		model = r.routeCostOptimized(classification)
	case Quality:
		model = r.routeQuality(classification, maxCost)
	case Balanced:
		model = r.routeBalanced(classification, maxCost)
	default:
		model = r.routeAuto(classification, maxCost)
	}

	if model == nil {
		model, err = r.anyAvailableModel()
		if err != nil {
			return Decision{}, err
		}
	}

	return Decision{
		ModelID:        model.ModelID,
		Model:          model,
		Classification: classification,
		StrategyUsed:   r.strategy,
		FallbackModels: r.buildFallbackChain(model),
		Reasoning:      r.generateReasoning(model, classification),
	}, nil
}

func (r *Router) routeAuto(c classify.Classification, maxCost float64) *catalog.Model {
	var preferred []string
	if c.Category == classify.Code && c.RequiresCode {
		preferred = r.preferences["code"]
	} else {
		key := string(c.Complexity)
		preferred = r.preferences[key]
		if preferred == nil {
			preferred = r.preferences["simple"]
		}
	}

	for _, modelID := range preferred {
		if model, ok := r.registry.Get(modelID); ok && model.Available && model.Cost <= maxCost {
			return model
		}
	}

	if c.RequiresCode {
		if fallback := r.registry.Fastest(catalog.CapCode); fallback != nil && fallback.Available {
			return fallback
		}
	}

	model, _ := r.anyAvailableModel()
	return model
}

func (r *Router) routeSpeed(c classify.Classification) *catalog.Model {
	var capability catalog.Capability
	switch {
	case c.RequiresCode:
		capability = catalog.CapCode
	case c.RequiresMath:
		capability = catalog.CapMath
	}
	if fastest := r.registry.Fastest(capability); fastest != nil {
		return fastest
	}
	model, _ := r.anyAvailableModel()
	return model
}

// categoryCapability maps a classifier category to the catalog
// capability the quality strategy should optimize for.
var categoryCapability = map[classify.Category]catalog.Capability{
	classify.Code:          catalog.CapCode,
	classify.Math:          catalog.CapMath,
	classify.Analysis:      catalog.CapReasoning,
	classify.ToolUse:       catalog.CapFunctionCalling,
	classify.Summarization: catalog.CapReasoning,
	classify.Translation:   catalog.CapGeneral,
	classify.Creative:      catalog.CapGeneral,
	classify.Question:      catalog.CapGeneral,
	classify.Greeting:      catalog.CapGeneral,
	classify.General:       catalog.CapGeneral,
}

func (r *Router) routeQuality(c classify.Classification, maxCost float64) *catalog.Model {
	capability, ok := categoryCapability[c.Category]
	if !ok {
		capability = catalog.CapGeneral
	}
	if best := r.registry.BestQuality(capability, maxCost); best != nil {
		return best
	}
	model, _ := r.anyAvailableModel()
	return model
}

func (r *Router) routeBalanced(c classify.Classification, maxCost float64) *catalog.Model {
	switch c.Complexity {
	case classify.Trivial, classify.Simple:
		return r.routeSpeed(c)
	case classify.Complex, classify.Expert:
		return r.routeQuality(c, maxCost)
	default:
		return r.routeAuto(c, maxCost*0.7)
	}
}

func (r *Router) routeCostOptimized(c classify.Classification) *catalog.Model {
	available := r.registry.All()
	var filtered []*catalog.Model
	for _, m := range available {
		if m.Available {
			filtered = append(filtered, m)
		}
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].Cost < filtered[j].Cost })

	if len(filtered) == 0 {
		model, _ := r.anyAvailableModel()
		return model
	}

	if c.RequiresCode {
		for _, m := range filtered {
			if m.HasCapability(catalog.CapCode) {
				return m
			}
		}
	}
	return filtered[0]
}

func (r *Router) buildFallbackChain(primary *catalog.Model) []string {
	available := []*catalog.Model{}
	for _, m := range r.registry.All() {
		if m.Available && m.ModelID != primary.ModelID {
			available = append(available, m)
		}
	}
	sort.Slice(available, func(i, j int) bool { return available[i].GeneralQuality > available[j].GeneralQuality })

	limit := 3
	if len(available) < limit {
		limit = len(available)
	}
	chain := make([]string, limit)
	for i := 0; i < limit; i++ {
		chain[i] = available[i].ModelID
	}
	return chain
}

func (r *Router) anyAvailableModel() (*catalog.Model, error) {
	all := r.registry.All()
	for _, m := range all {
		if m.Available {
			return m, nil
		}
	}
	if len(all) > 0 {
		return all[0], nil
	}
	return nil, fmt.Errorf("router: no models available in registry")
}

func (r *Router) generateReasoning(model *catalog.Model, c classify.Classification) string {
	return fmt.Sprintf("Task: %s complexity | Category: %s | Selected: %s | Speed: %s",
		c.Complexity, c.Category, model.DisplayName, model.SpeedClass)
}
