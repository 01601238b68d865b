// Package stats logs a periodic summary of delivery activity.
package stats

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"campbridge/internal/eventbus"
	logx "campbridge/pkg/logx"
)

// Summary is the activity seen between two reports.
type Summary struct {
	Since time.Time
	Until time.Time

	Polls        int
	RateLimited  int
	ServerErrors int
	Fetched      int
	Sent         int
	Failed       int
	Skipped      int

	Cursor string // last saved cursor, empty when none was saved
}

type Reporter struct {
	log    logx.Logger
	parser cron.Parser
	now    func() time.Time

	mu  sync.Mutex
	cur Summary
}

func New(log logx.Logger) *Reporter {
	r := &Reporter{
		log:    log,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		now:    time.Now,
	}
	r.cur.Since = r.now()
	return r
}

// Observe counts one lifecycle event.
func (r *Reporter) Observe(e eventbus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch e.Type {
	case eventbus.FeedPolled:
		r.cur.Polls++
		if pe, ok := e.Data.(eventbus.PollEvent); ok {
			r.cur.Fetched += pe.Events
		}
	case eventbus.FeedRateLimited:
		r.cur.RateLimited++
	case eventbus.FeedServerError:
		r.cur.ServerErrors++
	case eventbus.DeliverySent:
		r.cur.Sent++
	case eventbus.DeliveryFailed:
		r.cur.Failed++
	case eventbus.DeliverySkipped:
		r.cur.Skipped++
	case eventbus.CursorSaved:
		if ce, ok := e.Data.(eventbus.CursorEvent); ok {
			r.cur.Cursor = ce.Cursor
		}
	}
}

// Report returns the activity since the previous report and starts a new window.
func (r *Reporter) Report() Summary {
	now := r.now()
	r.mu.Lock()
	s := r.cur
	r.cur = Summary{Since: now}
	r.mu.Unlock()
	s.Until = now
	return s
}

func (r *Reporter) logReport() {
	s := r.Report()
	r.log.Info("delivery summary",
		logx.Duration("window", s.Until.Sub(s.Since).Round(time.Second)),
		logx.Int("polls", s.Polls),
		logx.Int("rate_limited", s.RateLimited),
		logx.Int("server_errors", s.ServerErrors),
		logx.Int("fetched", s.Fetched),
		logx.Int("sent", s.Sent),
		logx.Int("failed", s.Failed),
		logx.Int("skipped", s.Skipped),
		logx.String("cursor", s.Cursor),
	)
}

// Run counts bus events and logs a summary on schedule until ctx is done.
func (r *Reporter) Run(ctx context.Context, bus eventbus.Bus, schedule string) error {
	sched, err := r.parser.Parse(schedule)
	if err != nil {
		return fmt.Errorf("stats schedule %q: %w", schedule, err)
	}
	c := cron.New(cron.WithParser(r.parser))
	c.Schedule(sched, cron.FuncJob(r.logReport))

	ch, unsub := bus.Subscribe(256)
	defer unsub()

	c.Start()
	defer func() { <-c.Stop().Done() }()

	r.log.Debug("stats reporter started", logx.String("schedule", schedule))
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			r.Observe(e)
		}
	}
}
