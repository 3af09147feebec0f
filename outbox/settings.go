package outbox

import (
	"time"
)

const (
	defaultPollingInterval time.Duration = time.Second * 5
	defaultBatchSize       int           = 10
	defaultMaxRetries      int           = 3
	defaultStoreTimeout    time.Duration = time.Second * 5
	defaultInFlightTTL     time.Duration = time.Minute * 10
)

// Settings holds the outbox poller configuration.
type Settings struct {
	PollingInterval time.Duration // interval between outbox scans; bounds the delivery latency of a committed record
	BatchSize       int           // maximum number of records enqueued per scan
	MaxRetries      int           // failed attempts after which a record becomes a dead letter
	StoreTimeout    time.Duration // deadline of every outbox store call
	InFlightTTL     time.Duration // how long an enqueued record is excluded from scans without news from the queue
}

// validateSettings sets defaults where needed.
func validateSettings(s *Settings) {
	if s.PollingInterval <= 0 {
		s.PollingInterval = defaultPollingInterval
	}
	if s.BatchSize <= 0 {
		s.BatchSize = defaultBatchSize
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = defaultMaxRetries
	}
	if s.StoreTimeout <= 0 {
		s.StoreTimeout = defaultStoreTimeout
	}
	if s.InFlightTTL <= 0 {
		s.InFlightTTL = defaultInFlightTTL
	}
}
