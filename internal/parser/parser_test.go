package parser

import (
	"bytes"
	"compress/zlib"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wireFor builds a chunked+zlib wire buffer around raw envelope JSON, the
// way the provider serves streaming bodies.
func wireFor(t *testing.T, envelopes ...string) []byte {
	t.Helper()
	var compressed bytes.Buffer
	zw := zlib.NewWriter(&compressed)
	_, err := zw.Write([]byte(strings.Join(envelopes, "\n")))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return EncodeChunked(compressed.Bytes(), 16)
}

func TestParseTextDeltas(t *testing.T) {
	wire := wireFor(t,
		`[[[null,"Hello"]], "model"]`,
		`[[[null," world"]], "model"]`,
	)

	frame, err := Parse(wire)
	require.NoError(t, err)
	assert.True(t, frame.Done)
	assert.Equal(t, "Hello world", frame.Body)
	assert.Empty(t, frame.Reason)
	assert.Empty(t, frame.Functions)
}

func TestParseThinkingText(t *testing.T) {
	wire := wireFor(t,
		`[[[null,"pondering",1]], "model"]`,
		`[[[null,"answer"]], "model"]`,
	)

	frame, err := Parse(wire)
	require.NoError(t, err)
	assert.Equal(t, "answer", frame.Body)
	assert.Equal(t, "pondering", frame.Reason)
}

func TestParseToolCall(t *testing.T) {
	wire := wireFor(t,
		`[[[null,null,null,null,null,null,null,null,null,null,`+
			`["get_weather",[["city",[null,null,"Paris",null,null,null,null]],`+
			`["days",[null,3,null,null,null,null,null]]]]]], "model"]`,
	)

	frame, err := Parse(wire)
	require.NoError(t, err)
	require.Len(t, frame.Functions, 1)
	call := frame.Functions[0]
	assert.Equal(t, "get_weather", call.Name)
	assert.Equal(t, "Paris", call.Params["city"])
	assert.Equal(t, int64(3), call.Params["days"])
}

func TestParseTruncatedWireIsCumulative(t *testing.T) {
	wire := wireFor(t,
		`[[[null,"The answer is forty-two and nothing else matters here"]], "model"]`,
	)

	// Every prefix parses without error; the full buffer yields the text.
	var lastBody string
	for cut := 0; cut <= len(wire); cut += 5 {
		frame, err := Parse(wire[:cut])
		require.NoError(t, err, "prefix of %d bytes", cut)
		require.True(t, len(frame.Body) >= len(lastBody), "body never shrinks")
		lastBody = frame.Body
	}

	frame, err := Parse(wire)
	require.NoError(t, err)
	assert.True(t, frame.Done)
	assert.Equal(t, "The answer is forty-two and nothing else matters here", frame.Body)
}

func TestParseEmptyWire(t *testing.T) {
	frame, err := Parse(nil)
	require.NoError(t, err)
	assert.False(t, frame.Done)
	assert.Empty(t, frame.Body)
}

func TestParseSkipsUnrelatedContent(t *testing.T) {
	wire := wireFor(t,
		`{"unrelated":"noise"}`,
		`[[[null,"kept"]], "model"]`,
	)

	frame, err := Parse(wire)
	require.NoError(t, err)
	assert.Equal(t, "kept", frame.Body)
}

func TestInflateRawDeflate(t *testing.T) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	_, _ = zw.Write([]byte("payload"))
	require.NoError(t, zw.Close())

	out, err := Inflate(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), out)

	// Truncated tail: what inflated cleanly is still returned.
	out, err = Inflate(buf.Bytes()[:buf.Len()-4])
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), out)
}
