package outbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func Test_validateSettings(t *testing.T) {
	defaults := Settings{
		PollingInterval: defaultPollingInterval,
		BatchSize:       defaultBatchSize,
		MaxRetries:      defaultMaxRetries,
		StoreTimeout:    defaultStoreTimeout,
		InFlightTTL:     defaultInFlightTTL,
	}
	testcases := []struct {
		name  string
		given Settings
		want  Settings
	}{
		{name: "zero value falls back to defaults", want: defaults},
		{
			name:  "negative durations and sizes fall back to defaults",
			given: Settings{PollingInterval: -time.Second, BatchSize: -2, StoreTimeout: -1, InFlightTTL: -time.Minute},
			want:  defaults,
		},
		{
			name:  "partial override keeps the explicit fields",
			given: Settings{BatchSize: 250, MaxRetries: 8},
			want: Settings{
				PollingInterval: defaultPollingInterval,
				BatchSize:       250,
				MaxRetries:      8,
				StoreTimeout:    defaultStoreTimeout,
				InFlightTTL:     defaultInFlightTTL,
			},
		},
		{
			name:  "tight polling for a busy pipeline",
			given: Settings{PollingInterval: 200 * time.Millisecond, BatchSize: 500, MaxRetries: 3, StoreTimeout: 2 * time.Second, InFlightTTL: 30 * time.Second},
			want:  Settings{PollingInterval: 200 * time.Millisecond, BatchSize: 500, MaxRetries: 3, StoreTimeout: 2 * time.Second, InFlightTTL: 30 * time.Second},
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			s := tc.given
			validateSettings(&s)
			assert.Equal(t, tc.want, s)
		})
	}
}
