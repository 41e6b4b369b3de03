package upload

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSandboxMaterializesDataURL(t *testing.T) {
	s := NewSandbox(t.TempDir(), "req1")
	payload := base64.StdEncoding.EncodeToString([]byte("fake png bytes"))

	path, err := s.Add("data:image/png;base64," + payload)
	require.NoError(t, err)
	assert.Equal(t, ".png", filepath.Ext(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "fake png bytes", string(data))
	assert.Equal(t, []string{path}, s.Files())
}

func TestSandboxPlainTextDataURL(t *testing.T) {
	s := NewSandbox(t.TempDir(), "req2")
	path, err := s.Add("data:text/plain,hello")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestSandboxLocalFile(t *testing.T) {
	local := filepath.Join(t.TempDir(), "doc.txt")
	require.NoError(t, os.WriteFile(local, []byte("x"), 0o600))

	s := NewSandbox(t.TempDir(), "req3")
	path, err := s.Add("file://" + local)
	require.NoError(t, err)
	assert.Equal(t, local, path)

	path, err = s.Add(local)
	require.NoError(t, err)
	assert.Equal(t, local, path)
	assert.Len(t, s.Files(), 2)
}

func TestSandboxRejectsBadRefs(t *testing.T) {
	s := NewSandbox(t.TempDir(), "req4")

	_, err := s.Add("relative/path.png")
	assert.Error(t, err)

	_, err = s.Add("https://example.com/image.png")
	assert.Error(t, err)

	_, err = s.Add("data:image/png;base64")
	assert.Error(t, err, "data URL without a comma is malformed")

	_, err = s.Add("data:image/png;base64,$$$not-base64$$$")
	assert.Error(t, err)

	_, err = s.Add(filepath.Join(t.TempDir(), "does-not-exist.bin"))
	assert.Error(t, err)

	_, err = s.Add(t.TempDir())
	assert.Error(t, err, "directories are not attachments")
}

func TestTruncateRefKeepsRunesIntact(t *testing.T) {
	// 62 ASCII bytes followed by a three-byte rune straddling the cut.
	ref := strings.Repeat("a", 62) + "世界"

	got := truncateRef(ref)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("a", 62) + "…", got)

	short := strings.Repeat("b", 64)
	assert.Equal(t, short, truncateRef(short))
}

func TestSandboxDestroy(t *testing.T) {
	base := t.TempDir()
	s := NewSandbox(base, "req5")
	path, err := s.Add("data:text/plain,scratch")
	require.NoError(t, err)

	s.Destroy()
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Destroy without materialized files is a no-op.
	NewSandbox(base, "req6").Destroy()
}
