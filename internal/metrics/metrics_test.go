package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"campbridge/internal/eventbus"
)

func TestObserve(t *testing.T) {
	m := New()
	reg := prometheus.NewRegistry()
	m.MustRegister(reg, eventbus.New())

	at := time.Unix(1700000000, 0)
	m.Observe(eventbus.Event{Type: eventbus.FeedPolled, Time: at, Data: eventbus.PollEvent{Outcome: "events", Events: 3, Dropped: 1, Backoff: time.Second}})
	m.Observe(eventbus.Event{Type: eventbus.FeedPolled, Time: at, Data: eventbus.PollEvent{Outcome: "rate_limited", Backoff: 2 * time.Second}})
	m.Observe(eventbus.Event{Type: eventbus.DeliverySent, Data: eventbus.DeliveryEvent{Took: 100 * time.Millisecond}})
	m.Observe(eventbus.Event{Type: eventbus.DeliverySent, Data: eventbus.DeliveryEvent{}})
	m.Observe(eventbus.Event{Type: eventbus.DeliveryFailed, Data: eventbus.DeliveryEvent{Error: "x"}})
	m.Observe(eventbus.Event{Type: eventbus.DeliverySkipped, Data: eventbus.DeliveryEvent{}})
	m.Observe(eventbus.Event{Type: eventbus.CursorSaved, Data: eventbus.CursorEvent{Lag: 90 * time.Second}})

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"polls events", testutil.ToFloat64(m.Polls.WithLabelValues("events")), 1},
		{"polls rate_limited", testutil.ToFloat64(m.Polls.WithLabelValues("rate_limited")), 1},
		{"events fetched", testutil.ToFloat64(m.EventsFetched), 3},
		{"events dropped", testutil.ToFloat64(m.EventsDropped), 1},
		{"sent", testutil.ToFloat64(m.Messages.WithLabelValues("sent")), 2},
		{"failed", testutil.ToFloat64(m.Messages.WithLabelValues("failed")), 1},
		{"skipped", testutil.ToFloat64(m.Messages.WithLabelValues("skipped")), 1},
		{"backoff", testutil.ToFloat64(m.Backoff), 2},
		{"lag", testutil.ToFloat64(m.CursorLag), 90},
		{"last poll", testutil.ToFloat64(m.LastSuccessfulPoll), 1700000000},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Fatalf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}

	expected := `
# HELP campbridge_messages_total Total number of events handled by result.
# TYPE campbridge_messages_total counter
campbridge_messages_total{result="failed"} 1
campbridge_messages_total{result="sent"} 2
campbridge_messages_total{result="skipped"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "campbridge_messages_total"); err != nil {
		t.Fatalf("gather: %v", err)
	}
}

func TestObserveIgnoresForeignPayloads(t *testing.T) {
	m := New()
	m.Observe(eventbus.Event{Type: eventbus.FeedPolled, Data: "not a poll event"})
	m.Observe(eventbus.Event{Type: "something.else"})
	if got := testutil.CollectAndCount(m.Polls); got != 0 {
		t.Fatalf("polls series = %d, want 0", got)
	}
}
