// Package models holds the parsed model catalogue of the browser session and
// the static capability descriptors exposed at /api/model-capabilities.
// Fetching the catalogue from the provider UI is an external concern; this
// package only stores, filters, and queries what the session reported.
package models

import (
	"sort"
	"strings"
	"sync"
)

// Model is one entry of the provider's model catalogue.
type Model struct {
	// ID is the model id clients pass in requests.
	ID string `json:"id"`

	// DisplayName is the UI-facing name, when known.
	DisplayName string `json:"display_name,omitempty"`
}

// Catalogue is the shared, concurrency-safe model list.
type Catalogue struct {
	mu       sync.RWMutex
	models   []Model
	excluded map[string]struct{}
	fallback string
}

// NewCatalogue creates a catalogue with the configured exclusion set and the
// fallback id reported when the catalogue is unavailable.
func NewCatalogue(excluded []string, fallback string) *Catalogue {
	ex := make(map[string]struct{}, len(excluded))
	for _, id := range excluded {
		ex[id] = struct{}{}
	}
	return &Catalogue{excluded: ex, fallback: fallback}
}

// Replace swaps in a freshly parsed model list.
func (c *Catalogue) Replace(models []Model) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.models = append([]Model(nil), models...)
}

// Contains reports whether id names a known, non-excluded model.
func (c *Catalogue) Contains(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, banned := c.excluded[id]; banned {
		return false
	}
	for _, m := range c.models {
		if m.ID == id {
			return true
		}
	}
	return false
}

// List returns the visible models sorted by id, or the single fallback model
// when the catalogue is empty.
func (c *Catalogue) List() []Model {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Model, 0, len(c.models))
	for _, m := range c.models {
		if _, banned := c.excluded[m.ID]; banned {
			continue
		}
		out = append(out, m)
	}
	if len(out) == 0 {
		return []Model{{ID: c.fallback}}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Empty reports whether no model list has been loaded yet.
func (c *Catalogue) Empty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.models) == 0
}

// Fallback returns the configured default model id.
func (c *Catalogue) Fallback() string {
	return c.fallback
}

// Capability describes what a family of models supports. Entries are keyed
// by model-name substring; the longest matching key wins.
type Capability struct {
	// ThinkingType is "none", "levels", or "budget".
	ThinkingType string `json:"thinking_type"`

	// ThinkingLevels lists the selectable effort levels for "levels" models.
	ThinkingLevels []string `json:"thinking_levels,omitempty"`

	// BudgetMin and BudgetMax bound the thinking-token budget for "budget"
	// models.
	BudgetMin int `json:"budget_min,omitempty"`
	BudgetMax int `json:"budget_max,omitempty"`

	// SupportsSearch reports whether search grounding can be toggled.
	SupportsSearch bool `json:"supports_search"`

	// SupportsURLContext reports whether URL context can be toggled.
	SupportsURLContext bool `json:"supports_url_context"`
}

// capabilityTable maps model-name substrings to descriptors. The table is a
// deployment-time contract, not discovered at runtime.
var capabilityTable = map[string]Capability{
	"gemini-2.5-pro": {
		ThinkingType:       "budget",
		BudgetMin:          128,
		BudgetMax:          32768,
		SupportsSearch:     true,
		SupportsURLContext: true,
	},
	"gemini-2.5-flash": {
		ThinkingType:       "budget",
		BudgetMin:          0,
		BudgetMax:          24576,
		SupportsSearch:     true,
		SupportsURLContext: true,
	},
	"gemini-2.0": {
		ThinkingType:   "none",
		SupportsSearch: true,
	},
	"gemma": {
		ThinkingType: "none",
	},
}

// CapabilityFor returns the descriptor whose key is the longest substring of
// the model id. The boolean reports whether any key matched.
func CapabilityFor(modelID string) (Capability, bool) {
	var (
		best    Capability
		bestLen = -1
	)
	lower := strings.ToLower(modelID)
	for key, capability := range capabilityTable {
		if strings.Contains(lower, key) && len(key) > bestLen {
			best = capability
			bestLen = len(key)
		}
	}
	return best, bestLen >= 0
}

// Capabilities returns the whole table keyed by substring, for the unkeyed
// /api/model-capabilities endpoint.
func Capabilities() map[string]Capability {
	out := make(map[string]Capability, len(capabilityTable))
	for k, v := range capabilityTable {
		out[k] = v
	}
	return out
}
