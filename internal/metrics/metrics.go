// Package metrics exposes delivery loop activity as Prometheus collectors,
// fed from the event bus.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"campbridge/internal/eventbus"
)

const namespace = "campbridge"

type Metrics struct {
	Polls              *prometheus.CounterVec
	EventsFetched      prometheus.Counter
	EventsDropped      prometheus.Counter
	Messages           *prometheus.CounterVec
	SendDuration       prometheus.Histogram
	Backoff            prometheus.Gauge
	CursorLag          prometheus.Gauge
	LastSuccessfulPoll prometheus.Gauge
}

func New() *Metrics {
	return &Metrics{
		Polls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "polls_total",
				Help:      "Total number of upstream fetches by outcome.",
			},
			[]string{"outcome"}, // events, rate_limited, server_error, fatal, unexpected, unreachable
		),
		EventsFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_fetched_total",
			Help:      "Total number of new upstream events fetched.",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_malformed_total",
			Help:      "Total number of upstream records dropped as malformed.",
		}),
		Messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_total",
				Help:      "Total number of events handled by result.",
			},
			[]string{"result"}, // sent, failed, skipped
		),
		SendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_duration_seconds",
			Help:      "Time spent sending one message, retries included.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		Backoff: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backoff_seconds",
			Help:      "Current delay before the next upstream fetch.",
		}),
		CursorLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cursor_lag_seconds",
			Help:      "Age of the last persisted cursor.",
		}),
		LastSuccessfulPoll: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_successful_poll_timestamp_seconds",
			Help:      "Unix time of the last fetch that returned events.",
		}),
	}
}

// MustRegister registers the delivery collectors plus the Go and process
// collectors, and a gauge for events dropped by the bus.
func (m *Metrics) MustRegister(reg *prometheus.Registry, bus eventbus.Bus) {
	reg.MustRegister(
		m.Polls, m.EventsFetched, m.EventsDropped, m.Messages, m.SendDuration,
		m.Backoff, m.CursorLag, m.LastSuccessfulPoll,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if bus != nil {
		reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "eventbus_dropped_total",
			Help:      "Lifecycle events dropped because a subscriber was full.",
		}, func() float64 { return float64(bus.Dropped()) }))
	}
}

// Observe applies one lifecycle event.
func (m *Metrics) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.FeedPolled:
		pe, ok := e.Data.(eventbus.PollEvent)
		if !ok {
			return
		}
		m.Polls.WithLabelValues(pe.Outcome).Inc()
		m.Backoff.Set(pe.Backoff.Seconds())
		m.EventsDropped.Add(float64(pe.Dropped))
		if pe.Outcome == "events" {
			m.EventsFetched.Add(float64(pe.Events))
			m.LastSuccessfulPoll.Set(float64(e.Time.UnixNano()) / 1e9)
		}
	case eventbus.DeliverySent, eventbus.DeliveryFailed:
		result := "sent"
		if e.Type == eventbus.DeliveryFailed {
			result = "failed"
		}
		m.Messages.WithLabelValues(result).Inc()
		if de, ok := e.Data.(eventbus.DeliveryEvent); ok {
			m.SendDuration.Observe(de.Took.Seconds())
		}
	case eventbus.DeliverySkipped:
		m.Messages.WithLabelValues("skipped").Inc()
	case eventbus.CursorSaved:
		if ce, ok := e.Data.(eventbus.CursorEvent); ok {
			m.CursorLag.Set(ce.Lag.Seconds())
		}
	}
}

// Consume applies bus events until ctx is done.
func (m *Metrics) Consume(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			m.Observe(e)
		}
	}
}
