package watcher

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/config"
)

func writeEvent(path string) fsnotify.Event {
	return fsnotify.Event{Name: path, Op: fsnotify.Write}
}

func TestHandleEventReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("debug: true\n"), 0o600))

	var got []*config.Config
	w, err := NewWatcher(path, func(next *config.Config) { got = append(got, next) })
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()

	w.handleEvent(writeEvent(path))
	require.Len(t, got, 1)
	assert.True(t, got[0].Debug)

	// Unchanged content is deduplicated by hash.
	w.handleEvent(writeEvent(path))
	assert.Len(t, got, 1)

	// Real content changes fire again.
	require.NoError(t, os.WriteFile(path, []byte("debug: false\nport: 9000\n"), 0o600))
	w.handleEvent(writeEvent(path))
	require.Len(t, got, 2)
	assert.Equal(t, 9000, got[1].Port)
}

func TestHandleEventIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("debug: true\n"), 0o600))

	called := false
	w, err := NewWatcher(path, func(*config.Config) { called = true })
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()

	w.handleEvent(writeEvent(filepath.Join(dir, "other.yaml")))
	assert.False(t, called)

	// Chmod events do not trigger reloads.
	w.handleEvent(fsnotify.Event{Name: path, Op: fsnotify.Chmod})
	assert.False(t, called)
}

func TestHandleEventSkipsEmptyAndBrokenFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	called := false
	w, err := NewWatcher(path, func(*config.Config) { called = true })
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()

	// Truncate-then-write intermediate state.
	require.NoError(t, os.WriteFile(path, nil, 0o600))
	w.handleEvent(writeEvent(path))
	assert.False(t, called)

	// Malformed YAML keeps the previous config in effect.
	require.NoError(t, os.WriteFile(path, []byte("port: [broken"), 0o600))
	w.handleEvent(writeEvent(path))
	assert.False(t, called)
}
