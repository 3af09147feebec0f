package test

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/3rs4lg4d0/stampbox/logger"
	"github.com/3rs4lg4d0/stampbox/metrics"
	"github.com/confluentinc/confluent-kafka-go/kafka"
	tally "github.com/uber-go/tally/v4"
)

// TestLogger records every line so tests can assert on logged output.
type TestLogger struct {
	mu    sync.Mutex
	Lines []string
}

var _ logger.Logger = (*TestLogger)(nil)

func (l *TestLogger) record(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Lines = append(l.Lines, level+": "+msg)
}

func (l *TestLogger) Debug(msg string) { l.record("debug", msg) }

func (l *TestLogger) Info(msg string) { l.record("info", msg) }

func (l *TestLogger) Warn(msg string) { l.record("warn", msg) }

func (l *TestLogger) Error(msg string, err error) {
	l.record("error", fmt.Sprintf("%s: %v", msg, err))
}

// Snapshot returns a copy of the recorded lines.
func (l *TestLogger) Snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.Lines))
	copy(out, l.Lines)
	return out
}

// TestCounter is a goroutine safe in-memory counter.
type TestCounter struct {
	v atomic.Int64
}

var _ metrics.Counter = (*TestCounter)(nil)

func (c *TestCounter) Inc(delta int64) { c.v.Add(delta) }

func (c *TestCounter) Value() int64 { return c.v.Load() }

type MockedTallyCounter struct {
	Ctr    int64
	Output chan int64
}

var _ tally.Counter = (*MockedTallyCounter)(nil)

func (c *MockedTallyCounter) Inc(delta int64) {
	c.Ctr += delta
	c.Output <- c.Ctr
}

type MockedKafkaProducer struct {
	MockedReportToSend kafka.Event
	Snitch             chan *kafka.Message
	RetVal             error
}

func (p *MockedKafkaProducer) Produce(msg *kafka.Message, internal chan kafka.Event) error {
	// send the message to the outside in order to assert it.
	p.Snitch <- msg

	// send a predefined delivery report to the delivery channel.
	internal <- p.MockedReportToSend

	return p.RetVal
}

type MockedKafkaEvent struct{}

func (*MockedKafkaEvent) String() string {
	return "mock"
}
