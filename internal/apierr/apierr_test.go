package apierr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindHTTPStatus(t *testing.T) {
	cases := []struct {
		kind   Kind
		status int
		tag    string
	}{
		{KindBadRequest, 400, "invalid_request_error"},
		{KindUnauthorized, 401, "authentication_error"},
		{KindUnprocessable, 422, "model_switch_error"},
		{KindClientDisconnected, 499, "client_disconnected"},
		{KindUserCancelled, 499, "user_cancelled"},
		{KindServiceUnavailable, 503, "service_unavailable"},
		{KindGatewayTimeout, 504, "gateway_timeout"},
		{KindUpstreamError, 502, "upstream_error"},
		{KindQuotaExceeded, 502, "quota_exceeded"},
		{KindServerError, 500, "server_error"},
	}
	for _, tc := range cases {
		t.Run(tc.tag, func(t *testing.T) {
			assert.Equal(t, tc.status, tc.kind.HTTPStatus())
			assert.Equal(t, tc.tag, tc.kind.String())
		})
	}
}

func TestClassifyPassthrough(t *testing.T) {
	original := New(KindGatewayTimeout, "waited too long")
	assert.Same(t, original, Classify(original))

	wrapped := fmt.Errorf("context: %w", original)
	assert.Same(t, original, Classify(wrapped))
}

func TestClassifyUnknownBecomesServerError(t *testing.T) {
	cause := errors.New("element not found")
	classified := Classify(cause)
	assert.Equal(t, KindServerError, classified.Kind)
	assert.ErrorIs(t, classified, cause)
}

func TestClassifyNil(t *testing.T) {
	assert.Nil(t, Classify(nil))
}

func TestFromUpstream(t *testing.T) {
	quota := FromUpstream(429, "rate limited")
	assert.Equal(t, KindQuotaExceeded, quota.Kind)

	quota = FromUpstream(500, "daily Quota exhausted")
	assert.Equal(t, KindQuotaExceeded, quota.Kind)

	upstream := FromUpstream(503, "backend overloaded")
	assert.Equal(t, KindUpstreamError, upstream.Kind)
	assert.Contains(t, upstream.Message, "503")
}

func TestWrapAndIsKind(t *testing.T) {
	cause := errors.New("tls handshake failed")
	e := Wrap(KindUpstreamError, cause, "connecting to %s", "example.com")

	require.True(t, IsKind(e, KindUpstreamError))
	assert.False(t, IsKind(e, KindServerError))
	assert.False(t, IsKind(errors.New("plain"), KindServerError))
	assert.ErrorIs(t, e, cause)
	assert.Contains(t, e.Error(), "upstream_error")
	assert.Contains(t, e.Error(), "example.com")
}
