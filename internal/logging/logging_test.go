package logging

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	log "github.com/sirupsen/logrus"
)

func TestRequestTarget(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"/v1/models", "/v1/models"},
		{"/v1/models?limit=5", "/v1/models?limit=5"},
		{"/v1/chat/completions?key=sk-secret", "/v1/chat/completions?key=%5BREDACTED%5D"},
		{"/v1/chat/completions?key=sk-secret&stream=true", "/v1/chat/completions?key=%5BREDACTED%5D&stream=true"},
	}
	for _, tc := range cases {
		u, err := url.Parse(tc.raw)
		require.NoError(t, err)
		assert.Equal(t, tc.want, requestTarget(u), tc.raw)
	}
}

func TestEntryFormatterRendersSortedFields(t *testing.T) {
	entry := &log.Entry{
		Logger:  log.StandardLogger(),
		Time:    time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC),
		Level:   log.WarnLevel,
		Message: "/v1/queue\n",
		Data: log.Fields{
			"status": 404,
			"client": "127.0.0.1",
		},
	}

	out, err := entryFormatter{}.Format(entry)
	require.NoError(t, err)
	assert.Equal(t, "2026-08-25 12:00:00.000 WARNING /v1/queue client=127.0.0.1 status=404\n", string(out))
}
