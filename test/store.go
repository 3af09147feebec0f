package test

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/3rs4lg4d0/stampbox/campaign"
	"github.com/3rs4lg4d0/stampbox/repository"
	"github.com/google/uuid"
)

// CampaignStore is an in-memory repository.Campaigns. Err, when set, is
// returned by every call.
type CampaignStore struct {
	mu        sync.Mutex
	Campaigns map[uuid.UUID]*campaign.Campaign
	Err       error
}

var _ repository.Campaigns = (*CampaignStore)(nil)

func NewCampaignStore(cs ...*campaign.Campaign) *CampaignStore {
	s := &CampaignStore{Campaigns: make(map[uuid.UUID]*campaign.Campaign)}
	for _, c := range cs {
		s.Campaigns[c.ID] = c
	}
	return s
}

// Snapshot returns a copy of the stored campaign.
func (s *CampaignStore) Snapshot(id uuid.UUID) campaign.Campaign {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.Campaigns[id]
}

func (s *CampaignStore) Get(_ context.Context, id uuid.UUID) (*campaign.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	c, ok := s.Campaigns[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *CampaignStore) FindActiveByTrigger(_ context.Context, businessID uuid.UUID, t campaign.TriggerType) ([]*campaign.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []*campaign.Campaign
	for _, c := range s.Campaigns {
		if c.BusinessID == businessID && c.TriggerType == t && c.Active {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *CampaignStore) FindDue(_ context.Context, now time.Time, limit int) ([]*campaign.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []*campaign.Campaign
	for _, c := range s.Campaigns {
		if c.Status == campaign.StatusScheduled && c.ScheduledFor != nil && !c.ScheduledFor.After(now) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.Before(*out[j].ScheduledFor) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *CampaignStore) Transition(_ context.Context, id uuid.UUID, next campaign.Status, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	c, ok := s.Campaigns[id]
	if !ok || !c.Status.CanTransitionTo(next) {
		return false, nil
	}
	c.Status = next
	if next == campaign.StatusCompleted || next == campaign.StatusFailed {
		c.CompletedAt = &at
	}
	return true, nil
}

func (s *CampaignStore) Schedule(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	c, ok := s.Campaigns[id]
	if !ok || c.Status != campaign.StatusDraft {
		return false, nil
	}
	c.Status = campaign.StatusScheduled
	c.ScheduledFor = &at
	return true, nil
}

func (s *CampaignStore) DeleteDraft(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	c, ok := s.Campaigns[id]
	if !ok || c.Status != campaign.StatusDraft {
		return false, nil
	}
	delete(s.Campaigns, id)
	return true, nil
}

func (s *CampaignStore) IncrementCounts(_ context.Context, id uuid.UUID, sent, failed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if c, ok := s.Campaigns[id]; ok {
		c.SentCount += sent
		c.FailedCount += failed
	}
	return nil
}

func (s *CampaignStore) InactivityThresholds(context.Context) ([]repository.InactivityThreshold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	seen := make(map[repository.InactivityThreshold]bool)
	var out []repository.InactivityThreshold
	for _, c := range s.Campaigns {
		if c.TriggerType != campaign.TriggerDaysInactive || !c.Active || c.TriggerConfig == nil {
			continue
		}
		t := repository.InactivityThreshold{BusinessID: c.BusinessID, Days: *c.TriggerConfig}
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BusinessID != out[j].BusinessID {
			return out[i].BusinessID.String() < out[j].BusinessID.String()
		}
		return out[i].Days < out[j].Days
	})
	return out, nil
}

// CustomerStore is an in-memory repository.Customers.
type CustomerStore struct {
	mu        sync.Mutex
	Customers map[uuid.UUID]*campaign.Customer
	Err       error
}

var _ repository.Customers = (*CustomerStore)(nil)

func NewCustomerStore(cs ...*campaign.Customer) *CustomerStore {
	s := &CustomerStore{Customers: make(map[uuid.UUID]*campaign.Customer)}
	for _, c := range cs {
		s.Customers[c.ID] = c
	}
	return s
}

func (s *CustomerStore) Get(_ context.Context, businessID, id uuid.UUID) (*campaign.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	c, ok := s.Customers[id]
	if !ok || c.BusinessID != businessID {
		return nil, repository.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *CustomerStore) FindByBusiness(_ context.Context, businessID uuid.UUID) ([]*campaign.Customer, error) {
	return s.find(func(c *campaign.Customer) bool { return c.BusinessID == businessID })
}

func (s *CustomerStore) FindInactive(_ context.Context, businessID uuid.UUID, from, to time.Time) ([]*campaign.Customer, error) {
	return s.find(func(c *campaign.Customer) bool {
		return c.BusinessID == businessID && c.LastActivityAt != nil &&
			!c.LastActivityAt.Before(from) && c.LastActivityAt.Before(to)
	})
}

func (s *CustomerStore) find(match func(c *campaign.Customer) bool) ([]*campaign.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []*campaign.Customer
	for _, c := range s.Customers {
		if match(c) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// SendStore is an in-memory repository.Sends applying the same monotonic
// compare-and-set rules as the SQL implementation.
type SendStore struct {
	mu    sync.Mutex
	Sends map[uuid.UUID]*campaign.Send
	Err   error
}

var _ repository.Sends = (*SendStore)(nil)

func NewSendStore(ss ...*campaign.Send) *SendStore {
	s := &SendStore{Sends: make(map[uuid.UUID]*campaign.Send)}
	for _, x := range ss {
		s.Sends[x.ID] = x
	}
	return s
}

// All returns a copy of every stored send.
func (s *SendStore) All() []campaign.Send {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]campaign.Send, 0, len(s.Sends))
	for _, x := range s.Sends {
		out = append(out, *x)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Phone < out[j].Phone })
	return out
}

func (s *SendStore) Create(_ context.Context, x *campaign.Send) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	if _, ok := s.Sends[x.ID]; ok {
		return false, nil
	}
	cp := *x
	if cp.Status == "" {
		cp.Status = campaign.SendQueued
	}
	s.Sends[x.ID] = &cp
	return true, nil
}

func (s *SendStore) Get(_ context.Context, id uuid.UUID) (*campaign.Send, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	x, ok := s.Sends[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *x
	return &cp, nil
}

func (s *SendStore) Exists(_ context.Context, campaignID, customerID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	for _, x := range s.Sends {
		if x.CampaignID == campaignID && x.CustomerID == customerID {
			return true, nil
		}
	}
	return false, nil
}

func (s *SendStore) MarkSent(_ context.Context, id uuid.UUID, providerMessageID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	x, ok := s.Sends[id]
	if !ok || x.Status != campaign.SendQueued {
		return false, nil
	}
	x.Status = campaign.SendSent
	x.ProviderMessageID = providerMessageID
	if x.SentAt == nil {
		x.SentAt = &at
	}
	return true, nil
}

func (s *SendStore) MarkFailed(_ context.Context, id uuid.UUID, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	x, ok := s.Sends[id]
	if !ok || !x.Status.CanAdvanceTo(campaign.SendFailed) {
		return false, nil
	}
	x.Status = campaign.SendFailed
	x.ErrorMessage = reason
	return true, nil
}

func (s *SendStore) AdvanceByProviderID(_ context.Context, providerMessageID string, next campaign.SendStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	for _, x := range s.Sends {
		if x.ProviderMessageID != providerMessageID {
			continue
		}
		if !x.Status.CanAdvanceTo(next) {
			return false, nil
		}
		x.Status = next
		switch next {
		case campaign.SendSent:
			if x.SentAt == nil {
				x.SentAt = &at
			}
		case campaign.SendDelivered:
			if x.DeliveredAt == nil {
				x.DeliveredAt = &at
			}
		case campaign.SendRead:
			if x.OpenedAt == nil {
				x.OpenedAt = &at
			}
		}
		return true, nil
	}
	return false, nil
}

// BusinessStore is an in-memory repository.Businesses.
type BusinessStore struct {
	mu         sync.Mutex
	Businesses map[uuid.UUID]*campaign.Business
	Err        error
}

var _ repository.Businesses = (*BusinessStore)(nil)

func NewBusinessStore(bs ...*campaign.Business) *BusinessStore {
	s := &BusinessStore{Businesses: make(map[uuid.UUID]*campaign.Business)}
	for _, b := range bs {
		s.Businesses[b.ID] = b
	}
	return s
}

func (s *BusinessStore) Get(_ context.Context, id uuid.UUID) (*campaign.Business, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	b, ok := s.Businesses[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *BusinessStore) SetGatewayConnected(_ context.Context, id uuid.UUID, connected bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	b, ok := s.Businesses[id]
	if !ok {
		return repository.ErrNotFound
	}
	b.GatewayConnected = connected
	return nil
}

// Connected reports the gateway flag of a business.
func (s *BusinessStore) Connected(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Businesses[id].GatewayConnected
}
