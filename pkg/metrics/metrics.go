// Package metrics exports evaluator activity as Prometheus metrics.
//
// Collector implements grantry.Observer; pass it to grantry.WithObserver.
package metrics

import (
	"errors"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/pthm/grantry"
)

const namespace = "grantry"

// Collector records check outcomes, latency and cache invalidations.
type Collector struct {
	checks        *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	invalidations prometheus.Counter
}

// New creates a Collector and registers it with reg. A nil reg uses
// prometheus.DefaultRegisterer. Registering twice on the same registry reuses
// the collectors already there.
func New(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		// Labels:
		// - outcome: granted | denied | error
		// - cached: true | false
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "evaluator",
			Name:      "checks_total",
			Help:      "Permission checks by outcome and whether the cache answered.",
		}, []string{"outcome", "cached"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "evaluator",
			Name:      "check_duration_seconds",
			Help:      "Time spent answering permission checks.",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}, []string{"cached"}),
		invalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "invalidations_total",
			Help:      "Cache invalidations requested.",
		}),
	}

	var err error
	if c.checks, err = register(reg, c.checks); err != nil {
		return nil, err
	}
	if c.latency, err = register(reg, c.latency); err != nil {
		return nil, err
	}
	if c.invalidations, err = register(reg, c.invalidations); err != nil {
		return nil, err
	}
	return c, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// ObserveCheck implements grantry.Observer.
func (c *Collector) ObserveCheck(outcome string, cached bool, elapsed time.Duration) {
	if outcome == "" {
		outcome = "unknown"
	}
	label := strconv.FormatBool(cached)
	c.checks.WithLabelValues(outcome, label).Inc()
	c.latency.WithLabelValues(label).Observe(elapsed.Seconds())
}

// ObserveInvalidation implements grantry.Observer.
func (c *Collector) ObserveInvalidation() {
	c.invalidations.Inc()
}

// WriteText writes every grantry metric family gathered from g in the
// Prometheus text exposition format.
func WriteText(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), namespace+"_") {
			continue
		}
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

var _ grantry.Observer = (*Collector)(nil)
