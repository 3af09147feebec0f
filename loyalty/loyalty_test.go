package loyalty

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/3rs4lg4d0/stampbox/delivery"
	"github.com/3rs4lg4d0/stampbox/event"
	"github.com/3rs4lg4d0/stampbox/gateway"
	"github.com/3rs4lg4d0/stampbox/outbox"
	"github.com/3rs4lg4d0/stampbox/repository"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type txKey struct{}

// fakeTx commits the records published inside fn only when fn succeeds.
type fakeTx struct {
	mu        sync.Mutex
	committed []*outbox.Outbox
	pending   []*outbox.Outbox
	rollbacks int
	beginErr  error
}

func (f *fakeTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if f.beginErr != nil {
		return f.beginErr
	}
	err := fn(context.WithValue(ctx, txKey{}, true))
	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		f.pending = nil
		f.rollbacks++
		return err
	}
	f.committed = append(f.committed, f.pending...)
	f.pending = nil
	return nil
}

func (f *fakeTx) Publish(ctx context.Context, o *outbox.Outbox) error {
	if ctx.Value(txKey{}) == nil {
		return errors.New("a transaction was expected")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, o)
	return nil
}

type fakeStamps struct {
	counts   map[uuid.UUID]int
	required int
	err      error
}

func (f *fakeStamps) IncrementStamps(ctx context.Context, _, customerID uuid.UUID, n int) (int, int, error) {
	if ctx.Value(txKey{}) == nil {
		return 0, 0, errors.New("a transaction was expected")
	}
	if f.err != nil {
		return 0, 0, f.err
	}
	c, ok := f.counts[customerID]
	if !ok {
		return 0, 0, repository.ErrNotFound
	}
	f.counts[customerID] = c + n
	return c + n, f.required, nil
}

type recorder struct {
	events []event.Event
}

func (r *recorder) Publish(_ context.Context, e event.Event) {
	r.events = append(r.events, e)
}

func (r *recorder) kinds() []event.Kind {
	var out []event.Kind
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

func TestNew(t *testing.T) {
	tx := &fakeTx{}
	assert.Panics(t, func() { New(nil, &fakeStamps{}, tx, &recorder{}, nil) })
	assert.Panics(t, func() { New(tx, &fakeStamps{}, tx, nil, nil) })
	assert.NotNil(t, New(tx, &fakeStamps{}, tx, &recorder{}, nil))
}

func TestAddStamps(t *testing.T) {
	business, customer := uuid.New(), uuid.New()
	testcases := []struct {
		name       string
		before     int
		required   int
		add        int
		want       Result
		wantEvents []event.Kind
	}{
		{
			name:       "below the reward",
			before:     3,
			required:   10,
			add:        1,
			want:       Result{Stamps: 4, StampsRequired: 10},
			wantEvents: []event.Kind{event.KindStampsReached},
		},
		{
			name:       "reaching the reward",
			before:     9,
			required:   10,
			add:        1,
			want:       Result{Stamps: 10, StampsRequired: 10, RewardUnlocked: true},
			wantEvents: []event.Kind{event.KindStampsReached, event.KindRewardUnlocked},
		},
		{
			name:       "jumping over the reward",
			before:     8,
			required:   10,
			add:        5,
			want:       Result{Stamps: 13, StampsRequired: 10, RewardUnlocked: true},
			wantEvents: []event.Kind{event.KindStampsReached, event.KindRewardUnlocked},
		},
		{
			name:       "already past the reward",
			before:     10,
			required:   10,
			add:        1,
			want:       Result{Stamps: 11, StampsRequired: 10},
			wantEvents: []event.Kind{event.KindStampsReached},
		},
		{
			name:       "business without reward",
			before:     0,
			required:   0,
			add:        1,
			want:       Result{Stamps: 1},
			wantEvents: []event.Kind{event.KindStampsReached},
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			tx := &fakeTx{}
			bus := &recorder{}
			s := New(tx, &fakeStamps{counts: map[uuid.UUID]int{customer: tc.before}, required: tc.required}, tx, bus, nil)
			s.now = func() time.Time { return time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC) }

			res, err := s.AddStamps(context.Background(), business, customer, tc.add)
			require.NoError(t, err)
			assert.Equal(t, tc.want, res)
			assert.Equal(t, tc.wantEvents, bus.kinds())
			for _, e := range bus.events {
				assert.Equal(t, tc.want.Stamps, e.Value)
				assert.Equal(t, business, e.BusinessID)
				assert.Equal(t, customer, e.CustomerID)
			}

			require.Len(t, tx.committed, 1)
			o := tx.committed[0]
			assert.Equal(t, outbox.EventPassUpdate, o.EventType)
			assert.Equal(t, "customer", o.AggregateType)
			assert.Equal(t, customer.String(), o.AggregateId)
			var pu PassUpdate
			require.NoError(t, json.Unmarshal(o.Payload, &pu))
			assert.Equal(t, PassUpdate{
				BusinessID:     business,
				CustomerID:     customer,
				Stamps:         tc.want.Stamps,
				StampsRequired: tc.required,
				UpdatedAt:      time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
			}, pu)
		})
	}
}

func TestAddStamps_failuresPublishNothing(t *testing.T) {
	business, customer := uuid.New(), uuid.New()
	testcases := []struct {
		name    string
		tx      *fakeTx
		stamps  *fakeStamps
		add     int
		wantErr error
	}{
		{name: "non positive stamps", tx: &fakeTx{}, stamps: &fakeStamps{counts: map[uuid.UUID]int{customer: 1}}, add: 0, wantErr: ErrInvalidStamps},
		{name: "unknown customer", tx: &fakeTx{}, stamps: &fakeStamps{counts: map[uuid.UUID]int{}}, add: 1, wantErr: repository.ErrNotFound},
		{name: "begin fails", tx: &fakeTx{beginErr: errors.New("pool exhausted")}, stamps: &fakeStamps{counts: map[uuid.UUID]int{customer: 1}}, add: 1},
		{name: "increment fails", tx: &fakeTx{}, stamps: &fakeStamps{err: errors.New("deadlock")}, add: 1},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			bus := &recorder{}
			s := New(tc.tx, tc.stamps, tc.tx, bus, nil)
			_, err := s.AddStamps(context.Background(), business, customer, tc.add)
			require.Error(t, err)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
			}
			assert.Empty(t, bus.events)
			assert.Empty(t, tc.tx.committed)
		})
	}
}

func TestEnrolled(t *testing.T) {
	tx := &fakeTx{}
	bus := &recorder{}
	business, customer := uuid.New(), uuid.New()
	New(tx, &fakeStamps{}, tx, bus, nil).Enrolled(context.Background(), business, customer)
	require.Len(t, bus.events, 1)
	assert.Equal(t, event.KindEnrolled, bus.events[0].Kind)
	assert.Equal(t, customer, bus.events[0].CustomerID)
	assert.False(t, bus.events[0].OccurredAt.IsZero())
}

func TestQueueDirectMessage(t *testing.T) {
	business := uuid.New()
	testcases := []struct {
		name      string
		msg       delivery.DirectMessage
		wantPhone string
		wantKind  gateway.Kind
		wantErr   error
	}{
		{name: "formatted phone", msg: delivery.DirectMessage{BusinessID: business, Phone: "(11) 98765-4321", Text: "test"}, wantPhone: "5511987654321"},
		{name: "media only", msg: delivery.DirectMessage{BusinessID: business, Phone: "5511987654321", MediaURL: "https://cdn.example.com/a.png"}, wantPhone: "5511987654321"},
		{name: "invalid phone", msg: delivery.DirectMessage{BusinessID: business, Phone: "12345", Text: "test"}, wantKind: gateway.KindInvalidPhoneNumber},
		{name: "empty message", msg: delivery.DirectMessage{BusinessID: business, Phone: "5511987654321"}, wantErr: ErrInvalidMessage},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			tx := &fakeTx{}
			s := New(tx, &fakeStamps{}, tx, &recorder{}, nil)
			id, err := s.QueueDirectMessage(context.Background(), tc.msg)
			switch {
			case tc.wantKind != "":
				assert.Equal(t, tc.wantKind, gateway.KindOf(err))
				assert.Empty(t, tx.committed)
				return
			case tc.wantErr != nil:
				assert.ErrorIs(t, err, tc.wantErr)
				assert.Empty(t, tx.committed)
				return
			}
			require.NoError(t, err)
			require.Len(t, tx.committed, 1)
			o := tx.committed[0]
			assert.Equal(t, outbox.EventWhatsAppMessage, o.EventType)
			assert.Equal(t, id.String(), o.AggregateId)
			var m delivery.DirectMessage
			require.NoError(t, json.Unmarshal(o.Payload, &m))
			assert.Equal(t, tc.wantPhone, m.Phone)
			assert.Equal(t, business, m.BusinessID)
		})
	}
}
