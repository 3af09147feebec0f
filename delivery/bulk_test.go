package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/3rs4lg4d0/stampbox/campaign"
	"github.com/3rs4lg4d0/stampbox/gateway"
	"github.com/3rs4lg4d0/stampbox/queue"
	"github.com/3rs4lg4d0/stampbox/test"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bulkFixture struct {
	business   *campaign.Business
	campaign   *campaign.Campaign
	campaigns  *test.CampaignStore
	customers  *test.CustomerStore
	businesses *test.BusinessStore
	sends      *test.SendStore
	gateway    *fakeGateway
	sender     *BulkSender
}

func newBulkFixture(status campaign.Status, customers ...*campaign.Customer) *bulkFixture {
	b := &campaign.Business{ID: uuid.New(), Name: "Cafe Aroma", StampsRequired: 10, GatewayConnected: true}
	c := newCampaign(b.ID, status)
	for _, cu := range customers {
		cu.BusinessID = b.ID
	}
	f := &bulkFixture{
		business:   b,
		campaign:   c,
		campaigns:  test.NewCampaignStore(c),
		customers:  test.NewCustomerStore(customers...),
		businesses: test.NewBusinessStore(b),
		sends:      test.NewSendStore(),
		gateway:    newFakeGateway(),
	}
	f.sender = NewBulkSender(Settings{SendAttempts: 2}, f.campaigns, f.customers, f.businesses, f.sends, f.gateway, nil)
	return f
}

func customer(name, phone string, stamps int) *campaign.Customer {
	return &campaign.Customer{ID: uuid.New(), Name: name, Phone: phone, StampCount: stamps}
}

func TestNewBulkSender(t *testing.T) {
	assert.Panics(t, func() {
		NewBulkSender(Settings{}, nil, test.NewCustomerStore(), test.NewBusinessStore(), test.NewSendStore(), newFakeGateway(), nil)
	})
}

func TestBulkSender_Run(t *testing.T) {
	ana := customer("Ana Souza", "5511911111111", 4)
	bruno := customer("Bruno Lima", "5511922222222", 7)
	carla := customer("Carla Dias", "5511933333333", 1)
	f := newBulkFixture(campaign.StatusProcessing, ana, bruno, carla)
	f.sends.Sends[uuid.New()] = &campaign.Send{ID: uuid.New(), CampaignID: f.campaign.ID, CustomerID: carla.ID, Phone: carla.Phone, Status: campaign.SendDelivered}
	f.gateway.failWith(bruno.Phone, errTimeout, errInvalidPhone)

	res, err := f.sender.Run(context.Background(), f.campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, BulkResult{Sent: 1, Failed: 1, Skipped: 1}, res)

	calls := f.gateway.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "Hi Ana, you have 4 stamps at Cafe Aroma!", calls[0].Text)
	assert.Equal(t, gateway.InstanceName(f.business.ID), calls[0].Instance)

	snap := f.campaigns.Snapshot(f.campaign.ID)
	assert.Equal(t, 1, snap.SentCount)
	assert.Equal(t, 1, snap.FailedCount)

	statuses := map[uuid.UUID]campaign.SendStatus{}
	for _, s := range f.sends.All() {
		statuses[s.CustomerID] = s.Status
	}
	assert.Equal(t, map[uuid.UUID]campaign.SendStatus{
		ana.ID:   campaign.SendSent,
		bruno.ID: campaign.SendFailed,
		carla.ID: campaign.SendDelivered,
	}, statuses)

	// a second run finds everybody handled
	res, err = f.sender.Run(context.Background(), f.campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, BulkResult{Skipped: 3}, res)
}

func TestBulkSender_systemicFailureAborts(t *testing.T) {
	ana := customer("Ana Souza", "5511911111111", 4)
	bruno := customer("Bruno Lima", "5511922222222", 7)
	f := newBulkFixture(campaign.StatusProcessing, ana, bruno)
	f.gateway.failWith(ana.Phone, errDisconnected)

	_, err := f.sender.Run(context.Background(), f.campaign.ID)
	assert.Error(t, err)
	assert.False(t, queue.IsPermanent(err))
	assert.Equal(t, gateway.KindInstanceNotConnected, gateway.KindOf(err))
	assert.Empty(t, f.sends.All())

	// once the instance is back every customer is messaged
	res, err := f.sender.Run(context.Background(), f.campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)
}

func TestBulkSender_mediaSendsAreRetried(t *testing.T) {
	ana := customer("Ana Souza", "5511911111111", 4)
	f := newBulkFixture(campaign.StatusProcessing, ana)
	f.campaign.MediaURL = "https://cdn.example.com/spring.png"
	f.gateway.failWith(ana.Phone, errTimeout)

	res, err := f.sender.Run(context.Background(), f.campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, BulkResult{Sent: 1}, res)

	calls := f.gateway.Calls()
	require.Len(t, calls, 2)
	for _, c := range calls {
		assert.Equal(t, "https://cdn.example.com/spring.png", c.MediaURL)
		assert.Equal(t, "Hi Ana, you have 4 stamps at Cafe Aroma!", c.Text)
	}
}

// deadlineSends fails writes made with an expired context, as a database
// driver does.
type deadlineSends struct {
	*test.SendStore
}

func (s deadlineSends) Create(ctx context.Context, send *campaign.Send) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.SendStore.Create(ctx, send)
}

func (s deadlineSends) MarkSent(ctx context.Context, id uuid.UUID, providerMessageID string, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.SendStore.MarkSent(ctx, id, providerMessageID, at)
}

func TestBulkSender_jobOutlivesItsTimeout(t *testing.T) {
	customers := []*campaign.Customer{
		customer("Ana Souza", "5511911111111", 4),
		customer("Bruno Lima", "5511922222222", 7),
		customer("Carla Dias", "5511933333333", 1),
		customer("Davi Rocha", "5511944444444", 9),
	}
	f := newBulkFixture(campaign.StatusProcessing, customers...)
	f.gateway.latency = time.Millisecond * 60
	sender := NewBulkSender(Settings{SendAttempts: 1}, f.campaigns, f.customers, f.businesses, deadlineSends{f.sends}, f.gateway, nil)

	ctx := context.Background()
	q := queue.New("bulk", queue.NewMemoryStore(), queue.Settings{JobTimeout: time.Millisecond * 100, BackoffBase: time.Millisecond, MaxAttempts: 5})
	q.Handle(JobBulkCampaign, sender.Handle)
	_, err := q.Enqueue(ctx, JobBulkCampaign, BulkJob{CampaignID: f.campaign.ID})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		q.ProcessNext(ctx)
		return len(f.sends.All()) == len(customers)
	}, time.Second*5, time.Millisecond*5)

	// every customer got exactly one message although attempts hit the deadline
	perPhone := map[string]int{}
	for _, c := range f.gateway.Calls() {
		perPhone[c.Phone]++
	}
	for _, cu := range customers {
		assert.Equal(t, 1, perPhone[cu.Phone], cu.Name)
	}
	for _, s := range f.sends.All() {
		assert.Equal(t, campaign.SendSent, s.Status)
	}
	assert.Equal(t, len(customers), f.campaigns.Snapshot(f.campaign.ID).SentCount)
	assert.NotEqual(t, campaign.StatusFailed, f.campaigns.Snapshot(f.campaign.ID).Status)
}

func TestBulkSender_campaignStatus(t *testing.T) {
	testcases := []struct {
		name       string
		status     campaign.Status
		wantStatus campaign.Status
		wantCalls  int
	}{
		{name: "scheduled campaign is started", status: campaign.StatusScheduled, wantStatus: campaign.StatusProcessing, wantCalls: 1},
		{name: "completed campaign is left alone", status: campaign.StatusCompleted, wantStatus: campaign.StatusCompleted},
		{name: "failed campaign is left alone", status: campaign.StatusFailed, wantStatus: campaign.StatusFailed},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			f := newBulkFixture(tc.status, customer("Ana", "5511911111111", 1))
			_, err := f.sender.Run(context.Background(), f.campaign.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.wantStatus, f.campaigns.Snapshot(f.campaign.ID).Status)
			assert.Len(t, f.gateway.Calls(), tc.wantCalls)
		})
	}
}

func TestBulkSender_errors(t *testing.T) {
	f := newBulkFixture(campaign.StatusProcessing)
	_, err := f.sender.Run(context.Background(), uuid.New())
	assert.True(t, queue.IsPermanent(err))

	f.customers.Err = errors.New("connection reset")
	_, err = f.sender.Run(context.Background(), f.campaign.ID)
	assert.Error(t, err)
	assert.False(t, queue.IsPermanent(err))

	err = f.sender.Handle(context.Background(), &queue.Job{Type: JobBulkCampaign, Payload: []byte("nope")})
	assert.True(t, queue.IsPermanent(err))
}
