package tally

import (
	"fmt"
	"io"
	"time"

	"github.com/3rs4lg4d0/stampbox/logger"
	"github.com/3rs4lg4d0/stampbox/metrics"
	tally "github.com/uber-go/tally/v4"
)

type Counter struct {
	Counter tally.Counter
}

var _ metrics.Counter = (*Counter)(nil)

func (c *Counter) Inc(delta int64) {
	c.Counter.Inc(delta)
}

// Factory creates counters from a tally scope.
type Factory struct {
	Scope tally.Scope
}

var _ metrics.Factory = (*Factory)(nil)

// Counter returns a counter of the underlying scope. Tally has no help text so
// the second argument is ignored.
func (f *Factory) Counter(name, _ string) metrics.Counter {
	return &Counter{Counter: f.Scope.Counter(name)}
}

// LogReporter is a tally.StatsReporter that writes every non zero counter
// delta to a logger at info level. Only counters are reported.
type LogReporter struct {
	Logger logger.Logger
}

var _ tally.StatsReporter = (*LogReporter)(nil)

func (r *LogReporter) ReportCounter(name string, _ map[string]string, value int64) {
	if value != 0 {
		r.Logger.Info(fmt.Sprintf("counter %s +%d", name, value))
	}
}

func (*LogReporter) ReportGauge(string, map[string]string, float64) {}

func (*LogReporter) ReportTimer(string, map[string]string, time.Duration) {}

func (*LogReporter) ReportHistogramValueSamples(string, map[string]string, tally.Buckets, float64, float64, int64) {
}

func (*LogReporter) ReportHistogramDurationSamples(string, map[string]string, tally.Buckets, time.Duration, time.Duration, int64) {
}

func (*LogReporter) Capabilities() tally.Capabilities { return reporting{} }

func (*LogReporter) Flush() {}

type reporting struct{}

func (reporting) Reporting() bool { return true }

func (reporting) Tagging() bool { return false }

// NewRootScope returns a scope reporting to l every interval and the closer
// that flushes it.
func NewRootScope(prefix string, l logger.Logger, interval time.Duration) (tally.Scope, io.Closer) {
	return tally.NewRootScope(tally.ScopeOptions{
		Prefix:   prefix,
		Reporter: &LogReporter{Logger: logger.OrNop(l)},
	}, interval)
}
