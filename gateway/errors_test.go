package gateway

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_classifyResponse(t *testing.T) {
	testcases := []struct {
		name          string
		status        int
		body          string
		want          Kind
		wantRetryable bool
		wantSystemic  bool
	}{
		{name: "unauthorized", status: 401, body: `{"error":"Unauthorized"}`, want: KindInvalidAPIKey, wantSystemic: true},
		{name: "forbidden", status: 403, want: KindInvalidAPIKey, wantSystemic: true},
		{name: "unknown instance", status: 404, body: `{"response":{"message":["The \"x\" instance does not exist"]}}`, want: KindInstanceNotFound, wantSystemic: true},
		{name: "number not on whatsapp", status: 400, body: `{"response":{"message":[{"exists":false,"number":"5511987654321"}]}}`, want: KindInvalidPhoneNumber},
		{name: "session closed", status: 500, body: `{"response":{"message":["Error: Connection Closed"]}}`, want: KindInstanceNotConnected, wantSystemic: true},
		{name: "upstream timeout", status: 504, want: KindRequestTimeout, wantRetryable: true},
		{name: "session closed as a single message", status: 400, body: `{"status":400,"response":{"message":"Connection Closed"}}`, want: KindInstanceNotConnected, wantSystemic: true},
		{name: "number on whatsapp", status: 400, body: `{"response":{"message":[{"exists":true,"number":"5511987654321"}]}}`, want: KindGatewayError, wantRetryable: true},
		{name: "closed session words inside another message", status: 500, body: `{"response":{"message":["upstream not connected yet, connection closed by peer"]}}`, want: KindGatewayError, wantRetryable: true},
		{name: "exists false outside the envelope", status: 500, body: `proxy said "exists":false`, want: KindGatewayError, wantRetryable: true},
		{name: "internal error", status: 500, body: "boom", want: KindGatewayError, wantRetryable: true},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			e := classifyResponse(tc.status, []byte(tc.body))
			assert.Equal(t, tc.want, e.Kind)
			assert.Equal(t, tc.status, e.StatusCode)
			assert.Equal(t, tc.wantRetryable, e.Retryable())
			assert.Equal(t, tc.wantSystemic, e.Systemic())
		})
	}
}

func Test_classifyTransport(t *testing.T) {
	assert.Equal(t, KindRequestTimeout, classifyTransport(fmt.Errorf("dial: %w", context.DeadlineExceeded)).Kind)
	assert.Equal(t, KindGatewayError, classifyTransport(errors.New("connection refused")).Kind)
}

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("sending: %w", &Error{Kind: KindInstanceNotConnected})
	assert.Equal(t, KindInstanceNotConnected, KindOf(wrapped))
	assert.True(t, IsSystemic(wrapped))
	assert.False(t, IsRetryable(wrapped))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.False(t, IsRetryable(errors.New("plain")))
}
