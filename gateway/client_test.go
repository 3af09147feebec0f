package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/3rs4lg4d0/stampbox/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	Method string
	Path   string
	APIKey string
	Body   map[string]any
}

// fakeGateway answers with the queued responses in order and records every
// request it receives.
type fakeGateway struct {
	mu        sync.Mutex
	requests  []recordedRequest
	responses []fakeResponse
}

type fakeResponse struct {
	status int
	body   string
	delay  time.Duration
}

func (f *fakeGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var body map[string]any
	_ = json.Unmarshal(raw, &body)

	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{Method: r.Method, Path: r.URL.Path, APIKey: r.Header.Get("apikey"), Body: body})
	resp := fakeResponse{status: http.StatusOK, body: `{}`}
	if len(f.responses) > 0 {
		resp = f.responses[0]
		f.responses = f.responses[1:]
	}
	f.mu.Unlock()

	if resp.delay > 0 {
		time.Sleep(resp.delay)
	}
	w.WriteHeader(resp.status)
	_, _ = w.Write([]byte(resp.body))
}

func (f *fakeGateway) recorded() []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedRequest, len(f.requests))
	copy(out, f.requests)
	return out
}

func newTestClient(t *testing.T, responses ...fakeResponse) (*Client, *fakeGateway, *[]time.Duration) {
	t.Helper()
	fg := &fakeGateway{responses: responses}
	srv := httptest.NewServer(fg)
	t.Cleanup(srv.Close)

	c := New(Settings{BaseURL: srv.URL + "/", APIKey: "secret", Timeout: time.Millisecond * 200}, WithLogger(&test.TestLogger{}))
	var slept []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return c, fg, &slept
}

func TestNew(t *testing.T) {
	assert.Panics(t, func() { New(Settings{}) })
	c := New(Settings{BaseURL: "http://gateway:8080/"}, WithHTTPClient(nil), WithLogger(nil))
	assert.Equal(t, "http://gateway:8080", c.settings.BaseURL)
	assert.Equal(t, defaultTimeout, c.settings.Timeout)
	assert.Equal(t, defaultRetryBaseDelay, c.settings.RetryBaseDelay)
	assert.NotNil(t, c.http)
}

func TestSendText(t *testing.T) {
	c, fg, _ := newTestClient(t, fakeResponse{status: http.StatusCreated, body: `{"key":{"id":"3EB0ABC"},"status":"PENDING"}`})

	res, err := c.SendText(context.Background(), "stampbox01", "(11) 98765-4321", "Hi Ana")
	require.NoError(t, err)
	assert.Equal(t, &SendResult{MessageID: "3EB0ABC", Status: "PENDING"}, res)

	reqs := fg.recorded()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodPost, reqs[0].Method)
	assert.Equal(t, "/message/sendText/stampbox01", reqs[0].Path)
	assert.Equal(t, "secret", reqs[0].APIKey)
	assert.Equal(t, map[string]any{"number": "5511987654321", "text": "Hi Ana"}, reqs[0].Body)
}

func TestSendText_invalidPhoneSkipsTheGateway(t *testing.T) {
	c, fg, _ := newTestClient(t)
	_, err := c.SendText(context.Background(), "stampbox01", "3265-4321", "Hi")
	assert.Equal(t, KindInvalidPhoneNumber, KindOf(err))
	assert.Empty(t, fg.recorded())
}

func TestSendMedia(t *testing.T) {
	c, fg, _ := newTestClient(t, fakeResponse{status: http.StatusCreated, body: `{"key":{"id":"3EB0DEF"},"status":"PENDING"}`})

	res, err := c.SendMedia(context.Background(), "stampbox01", "5511987654321", "https://cdn.example.com/promo.png", "Promo")
	require.NoError(t, err)
	assert.Equal(t, "3EB0DEF", res.MessageID)

	reqs := fg.recorded()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/message/sendMedia/stampbox01", reqs[0].Path)
	assert.Equal(t, "image", reqs[0].Body["mediatype"])
	assert.Equal(t, "https://cdn.example.com/promo.png", reqs[0].Body["media"])
	assert.Equal(t, "Promo", reqs[0].Body["caption"])
}

func TestInstanceOperations(t *testing.T) {
	c, fg, _ := newTestClient(t,
		fakeResponse{status: http.StatusCreated, body: `{"instance":{"instanceName":"stampbox01","status":"created"},"qrcode":{"base64":"data:image/png;base64,AAA"}}`},
		fakeResponse{status: http.StatusOK, body: `{"instance":{"instanceName":"stampbox01","state":"open"}}`},
		fakeResponse{status: http.StatusOK},
		fakeResponse{status: http.StatusOK, body: `{"webhook":{}}`},
		fakeResponse{status: http.StatusOK},
	)
	ctx := context.Background()

	inst, err := c.CreateInstance(ctx, "stampbox01")
	require.NoError(t, err)
	assert.Equal(t, &Instance{Name: "stampbox01", Status: "created", QRCode: "data:image/png;base64,AAA"}, inst)

	state, err := c.ConnectionState(ctx, "stampbox01")
	require.NoError(t, err)
	assert.Equal(t, "open", state)

	require.NoError(t, c.RestartInstance(ctx, "stampbox01"))
	require.NoError(t, c.SetWebhook(ctx, "stampbox01", WebhookConfig{
		URL:    "https://stampbox.example.com/webhooks/messaging",
		APIKey: "hook-secret",
		Events: []string{"MESSAGES_UPDATE", "SEND_MESSAGE"},
	}))
	require.NoError(t, c.DeleteInstance(ctx, "stampbox01"))

	reqs := fg.recorded()
	require.Len(t, reqs, 5)
	got := make([]string, len(reqs))
	for i, r := range reqs {
		got[i] = r.Method + " " + r.Path
	}
	assert.Equal(t, []string{
		"POST /instance/create",
		"GET /instance/connectionState/stampbox01",
		"POST /instance/restart/stampbox01",
		"POST /webhook/set/stampbox01",
		"DELETE /instance/delete/stampbox01",
	}, got)
	assert.Equal(t, "stampbox01", reqs[0].Body["instanceName"])
	webhook := reqs[3].Body["webhook"].(map[string]any)
	assert.Equal(t, true, webhook["enabled"])
	assert.Equal(t, map[string]any{"apikey": "hook-secret"}, webhook["headers"])
}

func TestErrorsAreClassified(t *testing.T) {
	testcases := []struct {
		name     string
		response fakeResponse
		want     Kind
	}{
		{name: "bad key", response: fakeResponse{status: http.StatusUnauthorized}, want: KindInvalidAPIKey},
		{name: "missing instance", response: fakeResponse{status: http.StatusNotFound}, want: KindInstanceNotFound},
		{name: "slow gateway", response: fakeResponse{status: http.StatusOK, delay: time.Millisecond * 400}, want: KindRequestTimeout},
		{name: "garbage body", response: fakeResponse{status: http.StatusOK, body: "<html>"}, want: KindGatewayError},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			c, _, _ := newTestClient(t, tc.response)
			_, err := c.ConnectionState(context.Background(), "stampbox01")
			assert.Equal(t, tc.want, KindOf(err))
		})
	}
}

func TestSendTextWithRetry(t *testing.T) {
	ok := fakeResponse{status: http.StatusCreated, body: `{"key":{"id":"3EB0ABC"},"status":"PENDING"}`}
	flaky := fakeResponse{status: http.StatusBadGateway, body: "bad gateway"}
	testcases := []struct {
		name         string
		responses    []fakeResponse
		maxAttempts  int
		wantErrKind  Kind
		wantRequests int
		wantSleeps   []time.Duration
	}{
		{
			name:         "first attempt succeeds",
			responses:    []fakeResponse{ok},
			maxAttempts:  3,
			wantRequests: 1,
		},
		{
			name:         "transient errors are retried with 2s and 4s delays",
			responses:    []fakeResponse{flaky, flaky, ok},
			maxAttempts:  3,
			wantRequests: 3,
			wantSleeps:   []time.Duration{time.Second * 2, time.Second * 4},
		},
		{
			name:         "attempts exhausted",
			responses:    []fakeResponse{flaky, flaky, flaky, flaky},
			maxAttempts:  4,
			wantErrKind:  KindGatewayError,
			wantRequests: 4,
			wantSleeps:   []time.Duration{time.Second * 2, time.Second * 4, time.Second * 8},
		},
		{
			name:         "permanent error is not retried",
			responses:    []fakeResponse{{status: http.StatusUnauthorized}, ok},
			maxAttempts:  3,
			wantErrKind:  KindInvalidAPIKey,
			wantRequests: 1,
		},
		{
			name:         "non positive attempts still try once",
			responses:    []fakeResponse{flaky},
			maxAttempts:  0,
			wantErrKind:  KindGatewayError,
			wantRequests: 1,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			c, fg, slept := newTestClient(t, tc.responses...)
			res, err := c.SendTextWithRetry(context.Background(), "stampbox01", "5511987654321", "Hi", tc.maxAttempts)
			if tc.wantErrKind != "" {
				assert.Nil(t, res)
				assert.Equal(t, tc.wantErrKind, KindOf(err))
			} else {
				require.NoError(t, err)
				assert.Equal(t, "3EB0ABC", res.MessageID)
			}
			assert.Len(t, fg.recorded(), tc.wantRequests)
			assert.Equal(t, tc.wantSleeps, *slept)
		})
	}
}

func TestSendMediaWithRetry(t *testing.T) {
	c, fg, slept := newTestClient(t,
		fakeResponse{status: http.StatusGatewayTimeout},
		fakeResponse{status: http.StatusInternalServerError, body: `{"response":{"message":["upstream failure"]}}`},
		fakeResponse{status: http.StatusCreated, body: `{"key":{"id":"3EB0MEDIA"},"status":"PENDING"}`},
	)
	res, err := c.SendMediaWithRetry(context.Background(), "stampbox01", "5511987654321", "https://cdn.example.com/promo.png", "Spring promo", 3)
	require.NoError(t, err)
	assert.Equal(t, "3EB0MEDIA", res.MessageID)
	assert.Equal(t, []time.Duration{time.Second * 2, time.Second * 4}, *slept)

	reqs := fg.recorded()
	require.Len(t, reqs, 3)
	for _, r := range reqs {
		assert.Equal(t, "/message/sendMedia/stampbox01", r.Path)
		assert.Equal(t, "https://cdn.example.com/promo.png", r.Body["media"])
	}
}

func TestSendMediaWithRetry_invalidNumberIsNotRetried(t *testing.T) {
	c, fg, slept := newTestClient(t,
		fakeResponse{status: http.StatusBadRequest, body: `{"response":{"message":[{"exists":false,"number":"5511987654321"}]}}`},
		fakeResponse{status: http.StatusCreated, body: `{"key":{"id":"3EB0MEDIA"}}`},
	)
	_, err := c.SendMediaWithRetry(context.Background(), "stampbox01", "5511987654321", "https://cdn.example.com/promo.png", "", 3)
	assert.Equal(t, KindInvalidPhoneNumber, KindOf(err))
	assert.Len(t, fg.recorded(), 1)
	assert.Empty(t, *slept)
}

func TestSendTextWithRetry_cancelledWhileWaiting(t *testing.T) {
	c, fg, _ := newTestClient(t, fakeResponse{status: http.StatusBadGateway}, fakeResponse{status: http.StatusBadGateway})
	c.sleep = sleepCtx
	c.settings.RetryBaseDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(time.Millisecond*50, cancel)
	_, err := c.SendTextWithRetry(ctx, "stampbox01", "5511987654321", "Hi", 3)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, fg.recorded(), 1)
}
