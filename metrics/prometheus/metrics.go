// Package prometheus adapts metrics.Counter to Prometheus counters.
package prometheus

import (
	"errors"
	"net/http"
	"sync"

	"github.com/3rs4lg4d0/stampbox/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Counter struct {
	Counter prometheus.Counter
}

var _ metrics.Counter = (*Counter)(nil)

func (c *Counter) Inc(delta int64) {
	c.Counter.Add(float64(delta))
}

// Factory registers counters on a Prometheus registry under a common
// namespace. Asking twice for the same name returns the same collector.
type Factory struct {
	namespace string
	registry  *prometheus.Registry

	mu       sync.Mutex
	counters map[string]*Counter
}

var _ metrics.Factory = (*Factory)(nil)

func NewFactory(namespace string, registry *prometheus.Registry) *Factory {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return &Factory{
		namespace: namespace,
		registry:  registry,
		counters:  make(map[string]*Counter),
	}
}

func (f *Factory) Counter(name, help string) metrics.Counter {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.counters[name]; ok {
		return c
	}
	pc := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: f.namespace,
		Name:      name,
		Help:      help,
	})
	if err := f.registry.Register(pc); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			pc = are.ExistingCollector.(prometheus.Counter)
		} else {
			panic(err)
		}
	}
	c := &Counter{Counter: pc}
	f.counters[name] = c
	return c
}

// Handler exposes the registry in the Prometheus text format.
func (f *Factory) Handler() http.Handler {
	return promhttp.HandlerFor(f.registry, promhttp.HandlerOpts{})
}
