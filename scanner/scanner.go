// Package scanner synthesizes the daily customer.inactive events for the
// thresholds configured by active days_inactive campaigns.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/3rs4lg4d0/stampbox/event"
	"github.com/3rs4lg4d0/stampbox/logger"
	"github.com/3rs4lg4d0/stampbox/metrics"
	"github.com/3rs4lg4d0/stampbox/repository"
)

const (
	defaultRunAt        time.Duration = time.Hour * 9
	defaultStoreTimeout time.Duration = time.Second * 30
)

// Settings holds the scanner configuration.
type Settings struct {
	RunAt        time.Duration  // time of day of the daily run, as an offset from midnight
	Location     *time.Location // time zone of RunAt and of the day boundaries
	StoreTimeout time.Duration  // deadline of each repository call
}

// validateSettings sets defaults where needed.
func validateSettings(s *Settings) {
	if s.RunAt <= 0 || s.RunAt >= 24*time.Hour {
		s.RunAt = defaultRunAt
	}
	if s.Location == nil {
		s.Location = time.Local
	}
	if s.StoreTimeout <= 0 {
		s.StoreTimeout = defaultStoreTimeout
	}
}

// Scanner publishes one inactive event per customer whose last activity
// happened exactly the configured number of days ago.
type Scanner struct {
	settings     Settings
	campaigns    repository.Campaigns
	customers    repository.Customers
	bus          event.Publisher
	logger       logger.Logger
	publishedCtr metrics.Counter
	now          func() time.Time

	stateMu sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	done    chan struct{}
}

// opt allows optional configuration.
type opt func(s *Scanner)

// WithLogger allows clients to configure an optional logger.
func WithLogger(l logger.Logger) opt {
	return func(s *Scanner) {
		s.logger = logger.OrNop(l)
	}
}

// WithCounter configures a counter for published events.
func WithCounter(published metrics.Counter) opt {
	return func(s *Scanner) {
		s.publishedCtr = metrics.OrNop(published)
	}
}

// WithClock replaces the wall clock, used by tests.
func WithClock(now func() time.Time) opt {
	return func(s *Scanner) {
		s.now = now
	}
}

func New(s Settings, campaigns repository.Campaigns, customers repository.Customers, bus event.Publisher, options ...opt) *Scanner {
	if campaigns == nil || customers == nil || bus == nil {
		panic("you must provide the campaign and customer repositories and a publisher")
	}
	validateSettings(&s)
	sc := &Scanner{
		settings:     s,
		campaigns:    campaigns,
		customers:    customers,
		bus:          bus,
		logger:       &logger.NopLogger{},
		publishedCtr: &metrics.NopCounter{},
		now:          time.Now,
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, o := range options {
		o(sc)
	}
	return sc
}

// Window returns the [from, to) range of last activity instants that are
// exactly days old on the day of now.
func (s *Scanner) Window(now time.Time, days int) (time.Time, time.Time) {
	local := now.In(s.settings.Location)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.settings.Location)
	from := day.AddDate(0, 0, -days)
	return from, from.AddDate(0, 0, 1)
}

// RunOnce scans every distinct (business, days) threshold and returns the
// number of events published. A failing threshold is logged and the others
// are still scanned; the joined errors are returned.
func (s *Scanner) RunOnce(ctx context.Context, now time.Time) (int, error) {
	tctx, cancel := context.WithTimeout(ctx, s.settings.StoreTimeout)
	thresholds, err := s.campaigns.InactivityThresholds(tctx)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("could not read the inactivity thresholds: %w", err)
	}

	var published int
	var errs []error
	for _, t := range thresholds {
		if t.Days <= 0 {
			continue
		}
		from, to := s.Window(now, t.Days)
		fctx, cancel := context.WithTimeout(ctx, s.settings.StoreTimeout)
		customers, err := s.customers.FindInactive(fctx, t.BusinessID, from, to)
		cancel()
		if err != nil {
			s.logger.Error(fmt.Sprintf("could not scan business %s for %d days of inactivity", t.BusinessID, t.Days), err)
			errs = append(errs, err)
			continue
		}
		for _, cu := range customers {
			meta := map[string]string{}
			if cu.LastActivityAt != nil {
				meta["lastActivityAt"] = cu.LastActivityAt.UTC().Format(time.RFC3339)
			}
			s.bus.Publish(ctx, event.Event{
				Kind:       event.KindInactive,
				BusinessID: t.BusinessID,
				CustomerID: cu.ID,
				Value:      t.Days,
				Metadata:   meta,
				OccurredAt: now,
			})
			published++
			s.publishedCtr.Inc(1)
		}
	}
	s.logger.Info(fmt.Sprintf("inactivity scan: %d thresholds, %d events published", len(thresholds), published))
	return published, errors.Join(errs...)
}

// NextRun returns the first RunAt instant strictly after now.
func (s *Scanner) NextRun(now time.Time) time.Time {
	local := now.In(s.settings.Location)
	next := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.settings.Location).Add(s.settings.RunAt)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, s.settings.Location).Add(s.settings.RunAt)
	}
	return next
}

// Start launches the daily loop. Calling it more than once has no effect.
func (s *Scanner) Start(ctx context.Context) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	s.logger.Info(fmt.Sprintf("inactivity scanner scheduled for %s", s.NextRun(s.now())))
	go s.loop(ctx)
}

// Stop ends the daily loop and waits for a running scan.
func (s *Scanner) Stop() {
	s.stateMu.Lock()
	if s.stopped {
		s.stateMu.Unlock()
		return
	}
	s.stopped = true
	started := s.started
	close(s.stopCh)
	s.stateMu.Unlock()
	if started {
		<-s.done
	}
}

func (s *Scanner) loop(ctx context.Context) {
	defer close(s.done)
	for {
		now := s.now()
		timer := time.NewTimer(s.NextRun(now).Sub(now))
		select {
		case <-s.stopCh:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if _, err := s.RunOnce(ctx, s.now()); err != nil {
				s.logger.Error("inactivity scan incomplete", err)
			}
		}
	}
}
