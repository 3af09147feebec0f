package metrics

// Counter defines the contract for counters.
type Counter interface {
	// Inc increments the counter by a delta.
	Inc(delta int64)
}

type NopCounter struct{}

var _ Counter = (*NopCounter)(nil)

func (*NopCounter) Inc(delta int64) {} //nolint:all

// OrNop returns c, or a NopCounter when c is nil.
func OrNop(c Counter) Counter {
	if c == nil {
		return &NopCounter{}
	}
	return c
}

// Factory builds named counters. Every adapter exposes one so the wiring code
// does not depend on a concrete metrics backend.
type Factory interface {
	Counter(name, help string) Counter
}

// NopFactory hands out NopCounters.
type NopFactory struct{}

func (NopFactory) Counter(string, string) Counter { return &NopCounter{} }
