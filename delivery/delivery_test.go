package delivery

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/3rs4lg4d0/stampbox/campaign"
	"github.com/3rs4lg4d0/stampbox/gateway"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

type gatewayCall struct {
	Instance string
	Phone    string
	Text     string
	MediaURL string
}

// fakeGateway returns the errors queued for a phone in order, then succeeds.
// Every call takes latency, whatever the caller's deadline.
type fakeGateway struct {
	mu      sync.Mutex
	errs    map[string][]error
	calls   []gatewayCall
	latency time.Duration
}

var _ Gateway = (*fakeGateway)(nil)

func newFakeGateway() *fakeGateway {
	return &fakeGateway{errs: make(map[string][]error)}
}

func (g *fakeGateway) failWith(phone string, errs ...error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.errs[phone] = append(g.errs[phone], errs...)
}

func (g *fakeGateway) record(c gatewayCall) (*gateway.SendResult, error) {
	time.Sleep(g.latency)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, c)
	if errs := g.errs[c.Phone]; len(errs) > 0 {
		g.errs[c.Phone] = errs[1:]
		return nil, errs[0]
	}
	return &gateway.SendResult{MessageID: fmt.Sprintf("MSG%d", len(g.calls)), Status: "PENDING"}, nil
}

func (g *fakeGateway) Calls() []gatewayCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]gatewayCall, len(g.calls))
	copy(out, g.calls)
	return out
}

func (g *fakeGateway) SendText(_ context.Context, instance, phone, text string) (*gateway.SendResult, error) {
	return g.record(gatewayCall{Instance: instance, Phone: phone, Text: text})
}

func (g *fakeGateway) SendMedia(_ context.Context, instance, phone, mediaURL, caption string) (*gateway.SendResult, error) {
	return g.record(gatewayCall{Instance: instance, Phone: phone, Text: caption, MediaURL: mediaURL})
}

func (g *fakeGateway) SendTextWithRetry(ctx context.Context, instance, phone, text string, maxAttempts int) (*gateway.SendResult, error) {
	return retry(maxAttempts, func() (*gateway.SendResult, error) { return g.SendText(ctx, instance, phone, text) })
}

func (g *fakeGateway) SendMediaWithRetry(ctx context.Context, instance, phone, mediaURL, caption string, maxAttempts int) (*gateway.SendResult, error) {
	return retry(maxAttempts, func() (*gateway.SendResult, error) { return g.SendMedia(ctx, instance, phone, mediaURL, caption) })
}

func retry(maxAttempts int, send func() (*gateway.SendResult, error)) (*gateway.SendResult, error) {
	var err error
	for i := 0; i < maxAttempts; i++ {
		var res *gateway.SendResult
		if res, err = send(); err == nil || !gateway.IsRetryable(err) {
			return res, err
		}
	}
	return nil, err
}

var (
	errTimeout      = &gateway.Error{Kind: gateway.KindRequestTimeout, Message: "request timed out"}
	errInvalidPhone = &gateway.Error{Kind: gateway.KindInvalidPhoneNumber, Message: "not on whatsapp"}
	errDisconnected = &gateway.Error{Kind: gateway.KindInstanceNotConnected, Message: "connection closed"}
)

var baseTime = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newCampaign(businessID uuid.UUID, status campaign.Status) *campaign.Campaign {
	return &campaign.Campaign{
		ID:              uuid.New(),
		BusinessID:      businessID,
		Name:            "Spring promo",
		MessageTemplate: "Hi {first_name}, you have {stamps} stamps at {business}!",
		TriggerType:     campaign.TriggerCustomerEnrolled,
		Status:          status,
		CreatedAt:       baseTime,
	}
}

func Test_validateSettings(t *testing.T) {
	s := Settings{}
	validateSettings(&s)
	assert.Equal(t, Settings{SendAttempts: defaultSendAttempts, SweepInterval: defaultSweepInterval, SweepBatch: defaultSweepBatch, StoreTimeout: defaultStoreTimeout}, s)

	s = Settings{SendAttempts: 5, SweepInterval: time.Second, SweepBatch: 2, StoreTimeout: time.Second}
	validateSettings(&s)
	assert.Equal(t, Settings{SendAttempts: 5, SweepInterval: time.Second, SweepBatch: 2, StoreTimeout: time.Second}, s)
}
