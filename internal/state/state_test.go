package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/config"
)

func TestParamCacheEnsureModel(t *testing.T) {
	p := NewParamCache()
	p.EnsureModel("gemini-2.5-pro")
	p.Set("temperature", "0.7")
	p.Set("top_p", "0.9")

	// Same model keeps the cache.
	assert.False(t, p.EnsureModel("gemini-2.5-pro"))
	v, ok := p.Get("temperature")
	require.True(t, ok)
	assert.Equal(t, "0.7", v)

	// A model change flushes everything.
	assert.True(t, p.EnsureModel("gemini-2.5-flash"))
	_, ok = p.Get("temperature")
	assert.False(t, ok)
	_, ok = p.Get("top_p")
	assert.False(t, ok)
	assert.Equal(t, "gemini-2.5-flash", p.LastKnownModel())
}

func TestParamCacheInvalidate(t *testing.T) {
	p := NewParamCache()
	p.EnsureModel("m")
	p.Set("temperature", "1.0")
	p.Set("max_output_tokens", "2048")

	p.Invalidate("temperature")
	_, ok := p.Get("temperature")
	assert.False(t, ok)
	_, ok = p.Get("max_output_tokens")
	assert.True(t, ok)

	p.InvalidateAll()
	_, ok = p.Get("max_output_tokens")
	assert.False(t, ok)
}

func TestNewAppState(t *testing.T) {
	cfg := &config.Config{DefaultModel: "gemini-2.5-pro", ExcludedModels: []string{"hidden"}}
	st := New(cfg)

	require.NotNil(t, st.Queue)
	require.NotNil(t, st.Bus)
	require.NotNil(t, st.Catalogue)
	require.NotNil(t, st.Params)
	assert.Equal(t, "gemini-2.5-pro", st.Catalogue.Fallback())
	assert.False(t, st.Catalogue.Contains("hidden"))
}

func TestHealthy(t *testing.T) {
	st := New(&config.Config{})
	assert.False(t, st.Healthy())

	st.Initialized.Store(true)
	assert.False(t, st.Healthy(), "worker must also be alive")

	st.WorkerAlive.Store(true)
	assert.True(t, st.Healthy())
}
