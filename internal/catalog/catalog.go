// Package catalog is Portal's model registry: a concurrency-safe store
// of model metadata, capabilities, and live availability used by the
// router to pick a model and build fallback chains.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

type Capability string

const (
	CapGeneral         Capability = "general"
	CapCode            Capability = "code"
	CapMath            Capability = "math"
	CapReasoning       Capability = "reasoning"
	CapSpeed           Capability = "speed"
	CapVision          Capability = "vision"
	CapFunctionCalling Capability = "function_calling"
)

type SpeedClass string

const (
	SpeedUltraFast SpeedClass = "ultra_fast"
	SpeedFast      SpeedClass = "fast"
	SpeedMedium    SpeedClass = "medium"
	SpeedSlow      SpeedClass = "slow"
	SpeedVerySlow  SpeedClass = "very_slow"
)

var speedOrder = map[SpeedClass]int{
	SpeedUltraFast: 0,
	SpeedFast:      1,
	SpeedMedium:    2,
	SpeedSlow:      3,
	SpeedVerySlow:  4,
}

// Model is the complete metadata record for one locally-hosted model.
type Model struct {
	ModelID       string
	Backend       string
	DisplayName   string
	Parameters    string
	Quantization  string
	Capabilities  []Capability
	SpeedClass    SpeedClass
	ContextWindow int
	TokensPerSec  int

	RAMRequiredGB  int
	VRAMRequiredGB int

	GeneralQuality   float64
	CodeQuality      float64
	ReasoningQuality float64

	Cost float64

	Available bool

	ModelPath     string
	ModelType     string
	APIModelName  string
}

func (m *Model) HasCapability(c Capability) bool {
	for _, have := range m.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Registry is the concurrency-safe catalog. A single Registry is
// shared by the router and the execution engine.
type Registry struct {
	mu     sync.RWMutex
	models map[string]*Model

	httpClient *http.Client
}

func New() *Registry {
	r := &Registry{
		models:     make(map[string]*Model),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	r.registerDefaults()
	return r
}

func (r *Registry) Register(m *Model) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[m.ModelID] = m
}

func (r *Registry) Get(modelID string) (*Model, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[modelID]
	return m, ok
}

func (r *Registry) ByBackend(backend string) []*Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Model
	for _, m := range r.models {
		if m.Backend == backend {
			out = append(out, m)
		}
	}
	return out
}

func (r *Registry) All() []*Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Model, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, m)
	}
	return out
}

func (r *Registry) SetAvailable(modelID string, available bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.models[modelID]; ok {
		m.Available = available
	}
}

// Fastest returns the lowest-latency available model, optionally
// restricted to models with capability.
func (r *Registry) Fastest(capability Capability) *Model {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Model
	for _, m := range r.models {
		if !m.Available {
			continue
		}
		if capability != "" && !m.HasCapability(capability) {
			continue
		}
		if best == nil || betterSpeed(m, best) {
			best = m
		}
	}
	return best
}

func betterSpeed(candidate, current *Model) bool {
	co, cu := speedOrder[candidate.SpeedClass], speedOrder[current.SpeedClass]
	if co != cu {
		return co < cu
	}
	return candidate.TokensPerSec > current.TokensPerSec
}

// BestQuality returns the highest-quality available model with
// capability whose cost does not exceed maxCost.
func (r *Registry) BestQuality(capability Capability, maxCost float64) *Model {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Model
	var bestScore float64
	for _, m := range r.models {
		if !m.Available || !m.HasCapability(capability) || m.Cost > maxCost {
			continue
		}
		score := qualityFor(m, capability)
		if best == nil || score > bestScore {
			best, bestScore = m, score
		}
	}
	return best
}

func qualityFor(m *Model, capability Capability) float64 {
	switch capability {
	case CapCode:
		return m.CodeQuality
	case CapReasoning:
		return m.ReasoningQuality
	default:
		return m.GeneralQuality
	}
}

// DiscoverFromOllama queries an Ollama server's /api/tags endpoint and
// registers any model not already present in the catalog. Request and
// decode failures are returned to the caller; discovery is best-effort,
// and the caller can log the error and keep using the static catalog.
func (r *Registry) DiscoverFromOllama(ctx context.Context, baseURL string, markOthersUnavailable bool) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama discovery: unexpected status %d", resp.StatusCode)
	}

	var payload struct {
		Models []struct {
			Name string `json:"name"`
			Size int64  `json:"size"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	liveNames := make(map[string]bool, len(payload.Models))
	var registered []string

	for _, entry := range payload.Models {
		if entry.Name == "" {
			continue
		}
		liveNames[entry.Name] = true

		modelID := "ollama_" + strings.NewReplacer(":", "_", "/", "_").Replace(entry.Name)
		if existing, ok := r.models[modelID]; ok {
			existing.Available = true
			continue
		}

		params := entry.Size / 1_000_000_000
		label := fmt.Sprintf("%dB", params)
		if params == 0 {
			label = fmt.Sprintf("%dM", entry.Size/1_000_000)
		}

		r.models[modelID] = &Model{
			ModelID:          modelID,
			Backend:          "ollama",
			DisplayName:      entry.Name,
			Parameters:       label,
			Quantization:     "unknown",
			Capabilities:     []Capability{CapGeneral, CapFunctionCalling},
			SpeedClass:       SpeedMedium,
			ContextWindow:    8192,
			GeneralQuality:   0.7,
			CodeQuality:      0.6,
			ReasoningQuality: 0.6,
			Cost:             0.3,
			Available:        true,
			APIModelName:     entry.Name,
		}
		registered = append(registered, modelID)
	}

	if markOthersUnavailable {
		for _, m := range r.models {
			if m.Backend == "ollama" && !liveNames[m.APIModelName] {
				m.Available = false
			}
		}
	}

	return registered, nil
}

func (r *Registry) registerDefaults() {
	type def struct {
		id, backend, name, params, quant string
		caps                             []Capability
		speed                            SpeedClass
		ctxWindow, tps, ram              int
		general, code, reasoning, cost   float64
		apiName                          string
	}

	defaults := []def{
		{"ollama_qwen25_05b", "ollama", "Qwen2.5 0.5B", "0.5B", "Q4_K_M",
			[]Capability{CapGeneral, CapSpeed}, SpeedUltraFast, 32768, 200, 1,
			0.5, 0.3, 0.3, 0.05, "qwen2.5:0.5b-instruct-q4_K_M"},
		{"ollama_qwen25_1_5b", "ollama", "Qwen2.5 1.5B", "1.5B", "Q4_K_M",
			[]Capability{CapGeneral, CapSpeed}, SpeedUltraFast, 32768, 150, 2,
			0.6, 0.4, 0.4, 0.1, "qwen2.5:1.5b-instruct-q4_K_M"},
		{"ollama_qwen25_7b", "ollama", "Qwen2.5 7B", "7B", "Q4_K_M",
			[]Capability{CapGeneral, CapCode, CapMath}, SpeedFast, 32768, 80, 6,
			0.8, 0.75, 0.7, 0.3, "qwen2.5:7b-instruct-q4_K_M"},
		{"ollama_qwen25_14b", "ollama", "Qwen2.5 14B", "14B", "Q4_K_M",
			[]Capability{CapGeneral, CapCode, CapMath, CapReasoning}, SpeedMedium, 32768, 45, 10,
			0.85, 0.85, 0.85, 0.5, "qwen2.5:14b-instruct-q4_K_M"},
		{"ollama_qwen25_32b", "ollama", "Qwen2.5 32B", "32B", "Q4_K_M",
			[]Capability{CapGeneral, CapCode, CapMath, CapReasoning}, SpeedSlow, 32768, 25, 20,
			0.9, 0.9, 0.9, 0.7, "qwen2.5:32b-instruct-q4_K_M"},
		{"ollama_qwen25_coder", "ollama", "Qwen2.5 Coder 7B", "7B", "Q4_K_M",
			[]Capability{CapCode, CapGeneral}, SpeedFast, 32768, 75, 6,
			0.7, 0.9, 0.7, 0.3, "qwen2.5-coder:7b-instruct-q4_K_M"},
		{"ollama_deepseek_coder", "ollama", "DeepSeek Coder 16B", "16B", "Q4_K_M",
			[]Capability{CapCode, CapReasoning}, SpeedMedium, 16384, 40, 12,
			0.7, 0.95, 0.8, 0.5, "deepseek-coder:16b-instruct-q4_K_M"},
		{"ollama_llava", "ollama", "LLaVA 7B", "7B", "Q4_K_M",
			[]Capability{CapVision, CapGeneral}, SpeedMedium, 4096, 50, 8,
			0.7, 0.4, 0.6, 0.4, "llava:7b"},
		{"ollama_llama32_3b", "ollama", "Llama 3.2 3B", "3B", "Q4_K_M",
			[]Capability{CapGeneral, CapSpeed}, SpeedFast, 8192, 100, 3,
			0.65, 0.5, 0.55, 0.15, "llama3.2:3b-instruct-q4_K_M"},
	}

	for _, d := range defaults {
		r.models[d.id] = &Model{
			ModelID:          d.id,
			Backend:          d.backend,
			DisplayName:      d.name,
			Parameters:       d.params,
			Quantization:     d.quant,
			Capabilities:     d.caps,
			SpeedClass:       d.speed,
			ContextWindow:    d.ctxWindow,
			TokensPerSec:     d.tps,
			RAMRequiredGB:    d.ram,
			GeneralQuality:   d.general,
			CodeQuality:      d.code,
			ReasoningQuality: d.reasoning,
			Cost:             d.cost,
			Available:        true,
			APIModelName:     d.apiName,
		}
	}
}
