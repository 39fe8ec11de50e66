package filter

import (
	"errors"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fxsml/microprocessor"
)

// Metrics holds the Prometheus collectors of the Metrics filter.
type Metrics struct {
	invocations *prometheus.CounterVec   // Invocations by message, source and outcome
	duration    *prometheus.HistogramVec // Invocation duration by message and source
	published   *prometheus.CounterVec   // Published events by message and stream
	inFlight    prometheus.Gauge         // Invocations currently running

	running atomic.Int64
}

// NewMetrics creates the collectors and registers them with reg. Collectors
// that are already registered are reused, so several processors may share
// one registry.
func NewMetrics(reg prometheus.Registerer, namespace string) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "microprocessor"
	}
	m := &Metrics{
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "invocations_total",
			Help:      "Total number of handler and query invocations",
		}, []string{"message", "source", "outcome"}),

		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "invocation_duration_seconds",
			Help:      "Duration of handler and query invocations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"message", "source"}),

		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "published_events_total",
			Help:      "Total number of events published by handlers and queries",
		}, []string{"message", "stream"}),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "invocations_in_flight",
			Help:      "Number of invocations currently running",
		}),
	}

	var err error
	if m.invocations, err = register(reg, m.invocations); err != nil {
		return nil, err
	}
	if m.duration, err = register(reg, m.duration); err != nil {
		return nil, err
	}
	if m.published, err = register(reg, m.published); err != nil {
		return nil, err
	}
	if m.inFlight, err = register(reg, m.inFlight); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing, nil
		}
	}
	return c, err
}

// Observe records a finished invocation.
func (m *Metrics) Observe(inv *Invocation) {
	msg, source := inv.MessageType(), inv.Source.String()
	m.invocations.WithLabelValues(msg, source, inv.Outcome()).Inc()
	m.duration.WithLabelValues(msg, source).Observe(inv.Duration.Seconds())
	if inv.Output > 0 {
		m.published.WithLabelValues(msg, "output").Add(float64(inv.Output))
	}
	if inv.Metadata > 0 {
		m.published.WithLabelValues(msg, "metadata").Add(float64(inv.Metadata))
	}
}

// Filter returns a filter recording every invocation. It runs in
// ExceptionHandlingStage between Log and Recover. enabled may be nil.
func (m *Metrics) Filter(enabled func(ctx *microprocessor.Context) bool) microprocessor.Filter {
	observe := Observe(microprocessor.ExceptionHandlingStage, 5, m.Observe)
	return microprocessor.NewFilter(microprocessor.FilterConfig{
		Stage:    observe.Stage(),
		Position: observe.Position(),
		Enabled:  enabled,
		Handle: func(next microprocessor.HandleFunc) microprocessor.HandleFunc {
			next = observe.Handle(next)
			return func(ctx *microprocessor.Context, msg any) (microprocessor.HandleResult, error) {
				m.enter()
				defer m.leave()
				return next(ctx, msg)
			}
		},
		Execute: func(next microprocessor.ExecuteFunc) microprocessor.ExecuteFunc {
			next = observe.Execute(next)
			return func(ctx *microprocessor.Context, msg any) (microprocessor.ExecuteResult, error) {
				m.enter()
				defer m.leave()
				return next(ctx, msg)
			}
		},
	})
}

func (m *Metrics) enter() {
	m.inFlight.Set(float64(m.running.Add(1)))
}

func (m *Metrics) leave() {
	m.inFlight.Set(float64(m.running.Add(-1)))
}
