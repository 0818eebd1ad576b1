// Package xmetrics wraps rcrowley/go-metrics in a small registry passed
// through construction (never a package-level global), replacing the
// "global singletons for metrics" anti-pattern called out in §9. Test mode
// uses NewNull, which records nothing.
package xmetrics

import (
	gometrics "github.com/rcrowley/go-metrics"
)

// Registry is the capability surface subsystems depend on. It is a narrow
// slice of rcrowley/go-metrics' Registry, enough for counters and gauges.
type Registry interface {
	Counter(name string) gometrics.Counter
	Gauge(name string) gometrics.Gauge
	Each(func(name string, i interface{}))
}

type registry struct {
	r gometrics.Registry
}

// New returns a Registry backed by a fresh rcrowley/go-metrics registry.
func New() Registry {
	return &registry{r: gometrics.NewRegistry()}
}

// NewNull returns a Registry whose counters and gauges discard updates;
// used by unit tests that don't care about metrics.
func NewNull() Registry {
	return nullRegistry{}
}

type nullRegistry struct{}

func (nullRegistry) Counter(string) gometrics.Counter { return gometrics.NilCounter{} }

func (nullRegistry) Gauge(string) gometrics.Gauge { return gometrics.NilGauge{} }

func (nullRegistry) Each(func(name string, i interface{})) {}

func (r *registry) Counter(name string) gometrics.Counter {
	return gometrics.GetOrRegisterCounter(name, r.r)
}

func (r *registry) Gauge(name string) gometrics.Gauge {
	return gometrics.GetOrRegisterGauge(name, r.r)
}

func (r *registry) Each(fn func(name string, i interface{})) {
	r.r.Each(fn)
}
