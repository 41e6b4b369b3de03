package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalogueContains(t *testing.T) {
	c := NewCatalogue([]string{"gemini-hidden"}, "gemini-2.5-pro")
	c.Replace([]Model{
		{ID: "gemini-2.5-pro"},
		{ID: "gemini-hidden"},
	})

	assert.True(t, c.Contains("gemini-2.5-pro"))
	assert.False(t, c.Contains("gemini-hidden"), "excluded models are invisible")
	assert.False(t, c.Contains("unknown"))
}

func TestCatalogueListSortedAndFiltered(t *testing.T) {
	c := NewCatalogue([]string{"gemma-3"}, "gemini-2.5-pro")
	c.Replace([]Model{
		{ID: "gemini-2.5-flash"},
		{ID: "gemma-3"},
		{ID: "gemini-2.0-flash"},
	})

	list := c.List()
	require.Len(t, list, 2)
	assert.Equal(t, "gemini-2.0-flash", list[0].ID)
	assert.Equal(t, "gemini-2.5-flash", list[1].ID)
}

func TestCatalogueFallbackWhenEmpty(t *testing.T) {
	c := NewCatalogue(nil, "gemini-2.5-pro")
	assert.True(t, c.Empty())

	list := c.List()
	require.Len(t, list, 1)
	assert.Equal(t, "gemini-2.5-pro", list[0].ID)
	assert.Equal(t, "gemini-2.5-pro", c.Fallback())

	c.Replace([]Model{{ID: "gemini-2.5-flash"}})
	assert.False(t, c.Empty())
}

func TestCapabilityForLongestMatch(t *testing.T) {
	capability, ok := CapabilityFor("models/gemini-2.5-pro-preview")
	require.True(t, ok)
	assert.Equal(t, "budget", capability.ThinkingType)
	assert.Equal(t, 128, capability.BudgetMin)
	assert.Equal(t, 32768, capability.BudgetMax)

	capability, ok = CapabilityFor("gemini-2.5-flash-lite")
	require.True(t, ok)
	assert.Equal(t, 0, capability.BudgetMin)
	assert.Equal(t, 24576, capability.BudgetMax)

	capability, ok = CapabilityFor("gemma-3-27b")
	require.True(t, ok)
	assert.Equal(t, "none", capability.ThinkingType)
	assert.False(t, capability.SupportsSearch)

	_, ok = CapabilityFor("claude-something")
	assert.False(t, ok)
}

func TestCapabilitiesSnapshot(t *testing.T) {
	table := Capabilities()
	assert.Contains(t, table, "gemini-2.5-pro")
	assert.Contains(t, table, "gemma")

	// Mutating the snapshot must not leak into the table.
	table["gemma"] = Capability{ThinkingType: "budget"}
	capability, _ := CapabilityFor("gemma-3")
	assert.Equal(t, "none", capability.ThinkingType)
}
