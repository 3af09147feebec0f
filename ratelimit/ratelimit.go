// Package ratelimit implements a sliding-window log limiter keyed by an
// arbitrary string (the business id for test sends).
package ratelimit

import (
	"fmt"
	"time"

	"github.com/3rs4lg4d0/stampbox/logger"
)

const (
	defaultLimit  int           = 10
	defaultWindow time.Duration = time.Minute * 5
)

// Settings holds the limiter configuration.
type Settings struct {
	Limit  int           // requests allowed per window
	Window time.Duration // length of the sliding window
}

// validateSettings sets defaults where needed.
func validateSettings(s *Settings) {
	if s.Limit <= 0 {
		s.Limit = defaultLimit
	}
	if s.Window <= 0 {
		s.Window = defaultWindow
	}
}

// Store keeps the request log of every key. Update must apply fn atomically:
// fn receives the instants recorded for key and returns the ones to keep.
type Store interface {
	Update(key string, fn func(hits []time.Time) []time.Time) error
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter admits at most Limit requests per key in any Window long period.
type Limiter struct {
	settings Settings
	store    Store
	logger   logger.Logger
	now      func() time.Time
}

// opt allows optional configuration.
type opt func(l *Limiter)

// WithLogger allows clients to configure an optional logger.
func WithLogger(l logger.Logger) opt {
	return func(rl *Limiter) {
		rl.logger = logger.OrNop(l)
	}
}

// WithClock replaces the wall clock, used by tests.
func WithClock(now func() time.Time) opt {
	return func(l *Limiter) {
		l.now = now
	}
}

func New(s Settings, store Store, options ...opt) *Limiter {
	if store == nil {
		panic("you must provide a store")
	}
	validateSettings(&s)
	l := &Limiter{
		settings: s,
		store:    store,
		logger:   &logger.NopLogger{},
		now:      time.Now,
	}
	for _, o := range options {
		o(l)
	}
	return l
}

// Allow records a request for key when the window still has room. A store
// failure admits the request and is logged.
func (l *Limiter) Allow(key string) Decision {
	now := l.now()
	from := now.Add(-l.settings.Window)
	var d Decision
	err := l.store.Update(key, func(hits []time.Time) []time.Time {
		live := hits[:0]
		for _, h := range hits {
			if h.After(from) {
				live = append(live, h)
			}
		}
		if len(live) >= l.settings.Limit {
			d = Decision{RetryAfter: live[0].Add(l.settings.Window).Sub(now)}
			return live
		}
		live = append(live, now)
		d = Decision{Allowed: true, Remaining: l.settings.Limit - len(live)}
		return live
	})
	if err != nil {
		l.logger.Error(fmt.Sprintf("could not read the rate limit of '%s'", key), err)
		return Decision{Allowed: true, Remaining: l.settings.Limit - 1}
	}
	return d
}
