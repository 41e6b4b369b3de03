package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/browser"
)

// diagSession is a session that also exposes the diagnostics surface.
type diagSession struct {
	browser.NopSession
}

func (diagSession) Screenshot(context.Context) ([]byte, error) { return []byte("png-bytes"), nil }
func (diagSession) PageHTML(context.Context) (string, error)   { return "<html></html>", nil }
func (diagSession) ElementTree(context.Context) (string, error) {
	return "body > main", nil
}
func (diagSession) ConsoleLog() []string                 { return []string{"console line"} }
func (diagSession) NetworkLog() []string                 { return nil }
func (diagSession) LocatorReport(context.Context) string { return "submit-button: ok" }

func TestCaptureMetadataOnly(t *testing.T) {
	base := t.TempDir()

	dir, err := Capture(base, "req42", "all submission strategies failed", browser.NopSession{})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(filepath.Base(dir), "snapshot-"))
	assert.True(t, strings.HasSuffix(dir, "-req42"))

	meta, err := os.ReadFile(filepath.Join(dir, "metadata.json"))
	require.NoError(t, err)
	assert.Equal(t, "req42", gjson.GetBytes(meta, "req_id").String())
	assert.Equal(t, "all submission strategies failed", gjson.GetBytes(meta, "reason").String())

	// Without a diagnostics surface nothing else is written.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestCaptureWithDiagnostics(t *testing.T) {
	dir, err := Capture(t.TempDir(), "req7", "boom", diagSession{})
	require.NoError(t, err)

	require.FileExists(t, filepath.Join(dir, "screenshot.png"))
	require.FileExists(t, filepath.Join(dir, "page.html"))
	require.FileExists(t, filepath.Join(dir, "elements.txt"))
	require.FileExists(t, filepath.Join(dir, "console.log"))
	require.FileExists(t, filepath.Join(dir, "locators.txt"))

	// The empty network log is skipped instead of written as a zero-byte file.
	assert.NoFileExists(t, filepath.Join(dir, "network.log"))
}
