// Package bridge runs the poll, format, send, commit cycle.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"campbridge/internal/cursor"
	"campbridge/internal/destination"
	"campbridge/internal/eventbus"
	"campbridge/internal/feed"
	logx "campbridge/pkg/logx"
)

// ErrFatalUpstream means upstream rejected the request in a way retrying
// cannot fix (HTTP 400/401).
var ErrFatalUpstream = errors.New("upstream rejected request")

// Fetcher is the feed poller.
type Fetcher interface {
	Fetch(ctx context.Context, since cursor.Cursor) feed.Outcome
}

// Formatter maps an event to a message, or reports a skip.
type Formatter interface {
	Format(ev feed.Event) (destination.OutboundMessage, bool)
}

// Saver is the write half of cursor.Store.
type Saver interface {
	Save(ctx context.Context, c cursor.Cursor) error
}

// Options wires the loop. Store, Fetcher, Formatter and Sender are required.
type Options struct {
	Store     Saver
	Journal   cursor.Journal // optional
	Fetcher   Fetcher
	Formatter Formatter
	Sender    destination.Sender
	Clock     Clock // default SystemClock()
	Pacer     Pacer // default no pacing
	Bus       eventbus.Bus
	Log       logx.Logger

	// Start is the resolved resume cursor. Stored reports that it was read
	// from the store; a computed default is not yet durable and the first
	// Flush writes it.
	Start  cursor.Cursor
	Stored bool

	PollInterval time.Duration
	MaxBackoff   time.Duration

	SendTimeout   time.Duration
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

// Status is a point-in-time view of the loop for health reporting.
type Status struct {
	Query       cursor.Cursor
	Committed   cursor.Cursor
	Saved       cursor.Cursor
	Backoff     time.Duration
	LastPoll    time.Time
	LastSuccess time.Time
}

// Loop is the single sequential delivery worker.
type Loop struct {
	opts    Options
	log     logx.Logger
	clock   Clock
	pacer   Pacer
	backoff *Backoff
	rng     *rand.Rand

	// mu guards the cursor fields and backoff; Run is the only writer,
	// Status and Flush read.
	mu          sync.Mutex
	query       cursor.Cursor
	committed   cursor.Cursor
	saved       cursor.Cursor
	boundary    map[string]struct{} // keys delivered at exactly committed
	lastPoll    time.Time
	lastSuccess time.Time
}

// New validates opts and fills in defaults. The loop starts at opts.Start.
func New(opts Options) (*Loop, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("bridge: cursor store is required")
	case opts.Fetcher == nil:
		return nil, errors.New("bridge: fetcher is required")
	case opts.Formatter == nil:
		return nil, errors.New("bridge: formatter is required")
	case opts.Sender == nil:
		return nil, errors.New("bridge: sender is required")
	}
	if _, err := cursor.Parse(string(opts.Start)); err != nil {
		return nil, fmt.Errorf("bridge: start cursor: %w", err)
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}
	if opts.Pacer == nil {
		opts.Pacer = NewPacer(0)
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 15 * time.Second
	}
	if opts.RetryMax < 0 {
		opts.RetryMax = 0
	}
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	var saved cursor.Cursor
	if opts.Stored {
		saved = opts.Start
	}
	return &Loop{
		opts:      opts,
		log:       log,
		clock:     opts.Clock,
		pacer:     opts.Pacer,
		backoff:   NewBackoff(opts.PollInterval, opts.MaxBackoff),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		query:     opts.Start,
		committed: opts.Start,
		saved:     saved,
		boundary:  map[string]struct{}{},
	}, nil
}

// Committed returns the timestamp of the last event whose send attempt completed.
func (l *Loop) Committed() cursor.Cursor {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.committed
}

// Status snapshots the cursors and backoff state.
func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Status{
		Query:       l.query,
		Committed:   l.committed,
		Saved:       l.saved,
		Backoff:     l.backoff.Interval(),
		LastPoll:    l.lastPoll,
		LastSuccess: l.lastSuccess,
	}
}

// Run polls until ctx is cancelled (returning nil) or upstream reports a
// fatal client error (returning an error wrapping ErrFatalUpstream).
func (l *Loop) Run(ctx context.Context) error {
	l.log.Info("delivery loop started",
		logx.String("since", string(l.Committed())),
		logx.Duration("poll_interval", l.backoff.Interval()),
	)
	for {
		if err := l.clock.Sleep(ctx, l.backoff.Interval()); err != nil {
			l.log.Info("delivery loop stopped", logx.String("committed", string(l.Committed())))
			return nil
		}

		since := l.queryCursor()
		out := l.opts.Fetcher.Fetch(ctx, since)
		if ctx.Err() != nil && out.Kind == feed.OutcomeUnreachable {
			// The fetch was aborted by shutdown, not by upstream.
			continue
		}
		now := l.clock.Now()

		l.mu.Lock()
		l.backoff.Observe(out.Kind)
		l.lastPoll = now
		if out.Kind == feed.OutcomeEvents {
			l.lastSuccess = now
		}
		l.mu.Unlock()

		switch out.Kind {
		case feed.OutcomeEvents:
			fresh := l.fresh(out.Events)
			l.publishPoll(eventbus.FeedPolled, out, len(fresh), since)
			if out.Dropped > 0 {
				l.log.Warn("malformed events dropped", logx.Int("count", out.Dropped))
			}
			if len(fresh) > 0 {
				l.log.Debug("events fetched",
					logx.Int("count", len(fresh)),
					logx.String("since", string(since)),
				)
				l.deliver(ctx, fresh)
			}

		case feed.OutcomeRateLimited:
			l.publishPoll(eventbus.FeedPolled, out, 0, since)
			l.publishPoll(eventbus.FeedRateLimited, out, 0, since)
			l.log.Warn("upstream rate limited; backing off",
				logx.Duration("next_poll_in", l.backoff.Interval()),
			)

		case feed.OutcomeServerError:
			l.publishPoll(eventbus.FeedPolled, out, 0, since)
			l.publishPoll(eventbus.FeedServerError, out, 0, since)
			l.log.Warn("upstream server error; retrying",
				logx.Int("status", out.Status),
				logx.String("body", out.Body),
			)

		case feed.OutcomeUnexpected:
			l.publishPoll(eventbus.FeedPolled, out, 0, since)
			l.log.Warn("unexpected upstream status; retrying",
				logx.Int("status", out.Status),
				logx.String("body", out.Body),
			)

		case feed.OutcomeUnreachable:
			l.publishPoll(eventbus.FeedPolled, out, 0, since)
			l.log.Warn("upstream unreachable; retrying",
				logx.Err(out.Err),
				logx.Duration("next_poll_in", l.backoff.Interval()),
			)

		case feed.OutcomeFatal:
			l.publishPoll(eventbus.FeedPolled, out, 0, since)
			l.log.Error("upstream rejected request; check credentials and account id",
				logx.Int("status", out.Status),
				logx.String("body", out.Body),
			)
			return fmt.Errorf("%w: HTTP %d: %s", ErrFatalUpstream, out.Status, out.Body)
		}
	}
}

func (l *Loop) queryCursor() cursor.Cursor {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.query
}

// fresh drops events already covered by the committed cursor and returns the
// rest oldest-first. When anything remains the query cursor moves to the
// newest timestamp right away.
func (l *Loop) fresh(events []feed.Event) []feed.Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]feed.Event, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		switch c := cursor.Compare(ev.Cursor, l.committed); {
		case c < 0:
			continue
		case c == 0:
			if _, seen := l.boundary[ev.Key()]; seen {
				continue
			}
		}
		out = append(out, ev)
	}
	// Upstream is newest-first; keep that order for equal instants but never
	// let the cursor step backwards if it isn't.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Cursor.Before(out[j].Cursor) })

	if n := len(out); n > 0 && l.query.Before(out[n-1].Cursor) {
		l.query = out[n-1].Cursor
	}
	return out
}

func (l *Loop) deliver(ctx context.Context, events []feed.Event) {
	for _, ev := range events {
		if ctx.Err() != nil {
			return
		}
		msg, ok := l.opts.Formatter.Format(ev)
		if !ok {
			l.publish(eventbus.DeliverySkipped, eventbus.DeliveryEvent{EventID: ev.ID, Cursor: string(ev.Cursor)})
			l.commit(ctx, ev)
			continue
		}
		if err := l.pacer.Wait(ctx); err != nil {
			return
		}
		l.sendOne(ctx, ev, msg)
		l.commit(ctx, ev)
	}
}

func (l *Loop) sendOne(ctx context.Context, ev feed.Event, msg destination.OutboundMessage) {
	start := l.clock.Now()
	res, attempts, err := l.send(ctx, msg)
	took := l.clock.Now().Sub(start)

	de := eventbus.DeliveryEvent{
		EventID:  ev.ID,
		Cursor:   string(ev.Cursor),
		Topic:    msg.Topic,
		Attempts: attempts,
		Took:     took,
	}
	rec := cursor.DeliveryRecord{At: l.clock.Now(), EventID: ev.ID, Cursor: ev.Cursor, Topic: msg.Topic}

	switch {
	case err != nil:
		de.Error = err.Error()
		rec.Error = de.Error
		l.log.Warn("send failed",
			logx.Err(err),
			logx.Int64("event_id", ev.ID),
			logx.String("topic", msg.Topic),
			logx.Int("attempts", attempts),
		)
		l.publish(eventbus.DeliveryFailed, de)
	case !res.OK:
		de.Error = res.Msg
		rec.Error = res.Msg
		l.log.Warn("destination rejected message",
			logx.String("msg", res.Msg),
			logx.Int64("event_id", ev.ID),
			logx.String("topic", msg.Topic),
		)
		l.publish(eventbus.DeliveryFailed, de)
	default:
		de.MessageID = res.ID
		rec.OK = true
		rec.MessageID = res.ID
		l.log.Info("message sent",
			logx.String("message_id", res.ID),
			logx.Int64("event_id", ev.ID),
			logx.String("topic", msg.Topic),
		)
		l.publish(eventbus.DeliverySent, de)
	}

	if j := l.opts.Journal; j != nil {
		jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.opts.SendTimeout)
		if err := j.AppendDelivery(jctx, rec); err != nil {
			l.log.Warn("delivery journal append failed", logx.Err(err))
		}
		cancel()
	}
}

// send delivers msg, retrying transport failures. It runs detached from ctx
// cancellation so an in-flight send completes; retries stop once ctx is done.
func (l *Loop) send(ctx context.Context, msg destination.OutboundMessage) (destination.Result, int, error) {
	detached := context.WithoutCancel(ctx)
	var lastErr error
	attempt := 0
	for attempt < l.opts.RetryMax+1 {
		attempt++
		sctx, cancel := context.WithTimeout(detached, l.opts.SendTimeout)
		res, err := l.opts.Sender.Send(sctx, msg)
		cancel()
		if err == nil {
			return res, attempt, nil
		}
		lastErr = err
		if attempt > l.opts.RetryMax || ctx.Err() != nil {
			break
		}
		d := retryDelay(l.opts.RetryBase, l.opts.RetryMaxDelay, attempt, l.rng)
		l.log.Debug("send failed; retrying", logx.Err(err), logx.Int("attempt", attempt), logx.Duration("delay", d))
		if err := l.clock.Sleep(ctx, d); err != nil {
			break
		}
	}
	return destination.Result{}, attempt, lastErr
}

// commit records ev as the last completed event and persists it.
func (l *Loop) commit(ctx context.Context, ev feed.Event) {
	l.mu.Lock()
	switch c := cursor.Compare(ev.Cursor, l.committed); {
	case c > 0:
		l.committed = ev.Cursor
		l.boundary = map[string]struct{}{ev.Key(): {}}
	case c == 0:
		l.boundary[ev.Key()] = struct{}{}
	}
	l.mu.Unlock()

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.opts.SendTimeout)
	defer cancel()
	if err := l.Flush(sctx); err != nil {
		l.log.Error("cursor save failed; will retry", logx.Err(err), logx.String("cursor", string(ev.Cursor)))
	}
}

// Flush persists the committed cursor if it changed since the last save.
// It is safe to call after Run has returned.
func (l *Loop) Flush(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.committed == l.saved {
		return nil
	}
	if err := l.opts.Store.Save(ctx, l.committed); err != nil {
		return err
	}
	l.saved = l.committed

	var lag time.Duration
	if t, err := l.committed.Time(); err == nil {
		lag = l.clock.Now().Sub(t)
	}
	l.publish(eventbus.CursorSaved, eventbus.CursorEvent{Cursor: string(l.committed), Lag: lag})
	return nil
}

func (l *Loop) publishPoll(typ string, out feed.Outcome, fresh int, since cursor.Cursor) {
	pe := eventbus.PollEvent{
		Outcome: out.Kind.String(),
		Status:  out.Status,
		Events:  fresh,
		Dropped: out.Dropped,
		Backoff: l.backoff.Interval(),
		Since:   string(since),
	}
	if out.Err != nil {
		pe.Error = out.Err.Error()
	}
	l.publish(typ, pe)
}

func (l *Loop) publish(typ string, data any) {
	if l.opts.Bus == nil {
		return
	}
	l.opts.Bus.Publish(eventbus.Event{Type: typ, Time: l.clock.Now(), Data: data})
}
