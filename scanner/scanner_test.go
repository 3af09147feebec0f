package scanner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/3rs4lg4d0/stampbox/campaign"
	"github.com/3rs4lg4d0/stampbox/event"
	"github.com/3rs4lg4d0/stampbox/test"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) Publish(_ context.Context, e event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) Events() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.Event(nil), r.events...)
}

var saoPaulo = time.FixedZone("BRT", -3*60*60)

func at(t time.Time) *time.Time { return &t }

func intPtr(v int) *int { return &v }

func Test_validateSettings(t *testing.T) {
	testcases := []struct {
		name string
		s    Settings
		want Settings
	}{
		{
			name: "defaults",
			s:    Settings{},
			want: Settings{RunAt: 9 * time.Hour, Location: time.Local, StoreTimeout: 30 * time.Second},
		},
		{
			name: "run at out of range",
			s:    Settings{RunAt: 25 * time.Hour, Location: saoPaulo},
			want: Settings{RunAt: 9 * time.Hour, Location: saoPaulo, StoreTimeout: 30 * time.Second},
		},
		{
			name: "custom",
			s:    Settings{RunAt: 6*time.Hour + 30*time.Minute, Location: time.UTC, StoreTimeout: time.Second},
			want: Settings{RunAt: 6*time.Hour + 30*time.Minute, Location: time.UTC, StoreTimeout: time.Second},
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			validateSettings(&tc.s)
			assert.Equal(t, tc.want, tc.s)
		})
	}
}

func TestNew(t *testing.T) {
	assert.Panics(t, func() { New(Settings{}, nil, test.NewCustomerStore(), &recorder{}) })
	assert.Panics(t, func() { New(Settings{}, test.NewCampaignStore(), test.NewCustomerStore(), nil) })
}

func TestWindow(t *testing.T) {
	s := New(Settings{Location: saoPaulo}, test.NewCampaignStore(), test.NewCustomerStore(), &recorder{})
	// 01:30 UTC on the 10th is still the 9th in Sao Paulo
	now := time.Date(2026, 3, 10, 1, 30, 0, 0, time.UTC)
	from, to := s.Window(now, 30)
	assert.Equal(t, time.Date(2026, 2, 7, 0, 0, 0, 0, saoPaulo), from)
	assert.Equal(t, time.Date(2026, 2, 8, 0, 0, 0, 0, saoPaulo), to)
}

func TestWindow_daylightSavingTransitions(t *testing.T) {
	newYork, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	s := New(Settings{Location: newYork}, test.NewCampaignStore(), test.NewCustomerStore(), &recorder{})

	testcases := []struct {
		name string
		now  time.Time
		from time.Time
		to   time.Time
		span time.Duration
	}{
		{
			name: "spring forward day is 23 hours long",
			now:  time.Date(2024, 3, 17, 12, 0, 0, 0, newYork),
			from: time.Date(2024, 3, 10, 0, 0, 0, 0, newYork),
			to:   time.Date(2024, 3, 11, 0, 0, 0, 0, newYork),
			span: 23 * time.Hour,
		},
		{
			name: "fall back day is 25 hours long",
			now:  time.Date(2024, 11, 10, 12, 0, 0, 0, newYork),
			from: time.Date(2024, 11, 3, 0, 0, 0, 0, newYork),
			to:   time.Date(2024, 11, 4, 0, 0, 0, 0, newYork),
			span: 25 * time.Hour,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			from, to := s.Window(tc.now, 7)
			assert.True(t, tc.from.Equal(from), "from %s", from)
			assert.True(t, tc.to.Equal(to), "to %s", to)
			assert.Equal(t, tc.span, to.Sub(from))
		})
	}
}

func TestRunOnce(t *testing.T) {
	business := uuid.New()
	other := uuid.New()
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	newCampaign := func(b uuid.UUID, days *int, active bool) *campaign.Campaign {
		return &campaign.Campaign{
			ID:            uuid.New(),
			BusinessID:    b,
			TriggerType:   campaign.TriggerDaysInactive,
			TriggerConfig: days,
			Active:        active,
		}
	}
	campaigns := test.NewCampaignStore(
		newCampaign(business, intPtr(30), true),
		newCampaign(business, intPtr(30), true), // same threshold is scanned once
		newCampaign(business, intPtr(7), true),
		newCampaign(other, intPtr(60), false),
		newCampaign(other, nil, true),
	)
	ana := &campaign.Customer{ID: uuid.New(), BusinessID: business, Name: "Ana", LastActivityAt: at(time.Date(2026, 2, 8, 0, 0, 0, 0, time.UTC))}
	bruno := &campaign.Customer{ID: uuid.New(), BusinessID: business, Name: "Bruno", LastActivityAt: at(time.Date(2026, 2, 8, 23, 59, 59, 0, time.UTC))}
	carla := &campaign.Customer{ID: uuid.New(), BusinessID: business, Name: "Carla", LastActivityAt: at(time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC))}
	davi := &campaign.Customer{ID: uuid.New(), BusinessID: business, Name: "Davi", LastActivityAt: at(time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC))}
	eva := &campaign.Customer{ID: uuid.New(), BusinessID: other, Name: "Eva", LastActivityAt: at(time.Date(2026, 1, 9, 12, 0, 0, 0, time.UTC))}
	never := &campaign.Customer{ID: uuid.New(), BusinessID: business, Name: "Never"}
	customers := test.NewCustomerStore(ana, bruno, carla, davi, eva, never)

	bus := &recorder{}
	published := &test.TestCounter{}
	s := New(Settings{Location: time.UTC}, campaigns, customers, bus, WithCounter(published))

	n, err := s.RunOnce(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, int64(3), published.Value())

	got := map[uuid.UUID]int{}
	for _, e := range bus.Events() {
		assert.Equal(t, event.KindInactive, e.Kind)
		assert.Equal(t, business, e.BusinessID)
		assert.Equal(t, now, e.OccurredAt)
		assert.NotEmpty(t, e.Metadata["lastActivityAt"])
		got[e.CustomerID] = e.Value
	}
	assert.Equal(t, map[uuid.UUID]int{ana.ID: 30, bruno.ID: 30, davi.ID: 7}, got)
}

func TestRunOnce_errors(t *testing.T) {
	business := uuid.New()
	campaigns := test.NewCampaignStore(&campaign.Campaign{
		ID:            uuid.New(),
		BusinessID:    business,
		TriggerType:   campaign.TriggerDaysInactive,
		TriggerConfig: intPtr(30),
		Active:        true,
	})
	customers := test.NewCustomerStore()
	tl := &test.TestLogger{}
	s := New(Settings{}, campaigns, customers, &recorder{}, WithLogger(tl))

	customers.Err = errors.New("connection reset")
	n, err := s.RunOnce(context.Background(), time.Now())
	assert.Error(t, err)
	assert.Equal(t, 0, n)
	assert.Contains(t, tl.Snapshot()[0], "could not scan business")

	campaigns.Err = errors.New("connection reset")
	_, err = s.RunOnce(context.Background(), time.Now())
	assert.ErrorContains(t, err, "could not read the inactivity thresholds")
}

func TestNextRun(t *testing.T) {
	s := New(Settings{RunAt: 9 * time.Hour, Location: saoPaulo}, test.NewCampaignStore(), test.NewCustomerStore(), &recorder{})
	testcases := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{
			name: "before the run time",
			now:  time.Date(2026, 3, 10, 8, 0, 0, 0, saoPaulo),
			want: time.Date(2026, 3, 10, 9, 0, 0, 0, saoPaulo),
		},
		{
			name: "exactly at the run time",
			now:  time.Date(2026, 3, 10, 9, 0, 0, 0, saoPaulo),
			want: time.Date(2026, 3, 11, 9, 0, 0, 0, saoPaulo),
		},
		{
			name: "after the run time",
			now:  time.Date(2026, 3, 10, 18, 0, 0, 0, saoPaulo),
			want: time.Date(2026, 3, 11, 9, 0, 0, 0, saoPaulo),
		},
		{
			name: "utc instant on the previous local day",
			now:  time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC),
			want: time.Date(2026, 3, 10, 9, 0, 0, 0, saoPaulo),
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.True(t, tc.want.Equal(s.NextRun(tc.now)), "got %s", s.NextRun(tc.now))
		})
	}
}

func TestStartStop(t *testing.T) {
	tl := &test.TestLogger{}
	s := New(Settings{}, test.NewCampaignStore(), test.NewCustomerStore(), &recorder{}, WithLogger(tl))
	s.Start(context.Background())
	s.Start(context.Background())
	s.Stop()
	s.Stop()
	require.Len(t, tl.Snapshot(), 1)
	assert.Contains(t, tl.Snapshot()[0], "inactivity scanner scheduled for")

	// never started
	New(Settings{}, test.NewCampaignStore(), test.NewCustomerStore(), &recorder{}).Stop()
}
