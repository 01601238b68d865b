package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"campbridge/internal/cursor"
	"campbridge/internal/destination"
	"campbridge/internal/eventbus"
	"campbridge/internal/feed"
	"campbridge/internal/format"
	logx "campbridge/pkg/logx"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

type memStore struct {
	mu    sync.Mutex
	value cursor.Cursor
	saves []cursor.Cursor
	err   error
}

func (s *memStore) Save(ctx context.Context, c cursor.Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.value = c
	s.saves = append(s.saves, c)
	return nil
}

// scriptedFetcher replays outcomes, then cancels the run.
type scriptedFetcher struct {
	script []feed.Outcome
	since  []cursor.Cursor
	cancel context.CancelFunc
}

func (f *scriptedFetcher) Fetch(ctx context.Context, since cursor.Cursor) feed.Outcome {
	f.since = append(f.since, since)
	if len(f.script) == 0 {
		f.cancel()
		return feed.Outcome{Kind: feed.OutcomeUnreachable, Err: context.Canceled}
	}
	out := f.script[0]
	f.script = f.script[1:]
	return out
}

type fakeSender struct {
	mu     sync.Mutex
	sent   []destination.OutboundMessage
	calls  int
	onSend func(n int, msg destination.OutboundMessage) (destination.Result, error)
}

func (s *fakeSender) Send(ctx context.Context, msg destination.OutboundMessage) (destination.Result, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()
	if ctx.Err() != nil {
		return destination.Result{}, ctx.Err()
	}
	if s.onSend != nil {
		res, err := s.onSend(n, msg)
		if err != nil || !res.OK {
			return res, err
		}
	}
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	s.mu.Unlock()
	return destination.Result{OK: true, ID: fmt.Sprint(n)}, nil
}

type memJournal struct {
	mu   sync.Mutex
	recs []cursor.DeliveryRecord
}

func (j *memJournal) AppendDelivery(ctx context.Context, r cursor.DeliveryRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.recs = append(j.recs, r)
	return nil
}

const start = cursor.Cursor("2014-01-02T09:00:00.000-05:00")

func ev(id int64, ts string) feed.Event {
	return feed.Event{
		ID:        id,
		CreatedAt: ts,
		Cursor:    cursor.Cursor(ts),
		Bucket:    feed.Named{Name: "X"},
		Creator:   feed.Named{Name: "Ann"},
		Action:    "created",
		Target:    "Todo",
		HTMLURL:   fmt.Sprintf("http://x/%d", id),
	}
}

func events(evs ...feed.Event) feed.Outcome {
	return feed.Outcome{Kind: feed.OutcomeEvents, Status: 200, Events: evs}
}

type harness struct {
	loop    *Loop
	store   *memStore
	fetcher *scriptedFetcher
	sender  *fakeSender
	clock   *fakeClock
	journal *memJournal
	bus     eventbus.Bus
	ctx     context.Context
}

func newHarness(t *testing.T, script ...feed.Outcome) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h := &harness{
		store:   &memStore{value: start},
		fetcher: &scriptedFetcher{script: script, cancel: cancel},
		sender:  &fakeSender{},
		clock:   &fakeClock{now: time.Date(2014, 1, 3, 0, 0, 0, 0, time.UTC)},
		journal: &memJournal{},
		bus:     eventbus.New(),
		ctx:     ctx,
	}
	loop, err := New(Options{
		Store:        h.store,
		Journal:      h.journal,
		Fetcher:      h.fetcher,
		Formatter:    format.New("basecamp", logx.Nop()),
		Sender:       h.sender,
		Clock:        h.clock,
		Bus:          h.bus,
		Start:        start,
		Stored:       true,
		PollInterval: time.Second,
		MaxBackoff:   10 * time.Minute,
		SendTimeout:  time.Second,
		RetryMax:     1,
		RetryBase:    time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.loop = loop
	return h
}

func (h *harness) run(t *testing.T) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- h.loop.Run(h.ctx) }()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
		return nil
	}
}

func TestBackoffSequence(t *testing.T) {
	b := NewBackoff(time.Second, 10*time.Minute)
	got := []time.Duration{b.Interval()}
	for i := 0; i < 3; i++ {
		b.Observe(feed.OutcomeRateLimited)
		got = append(got, b.Interval())
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("intervals = %v, want %v", got, want)
		}
	}

	for _, k := range []feed.Kind{feed.OutcomeEvents, feed.OutcomeServerError, feed.OutcomeUnexpected} {
		b.Observe(feed.OutcomeRateLimited)
		b.Observe(k)
		if b.Interval() != time.Second {
			t.Fatalf("after %v interval = %v, want reset", k, b.Interval())
		}
	}

	capped := NewBackoff(time.Second, 5*time.Second)
	for i := 0; i < 10; i++ {
		capped.Observe(feed.OutcomeUnreachable)
	}
	if capped.Interval() != 5*time.Second {
		t.Fatalf("capped interval = %v", capped.Interval())
	}
}

func TestRunSingleEventScenario(t *testing.T) {
	h := newHarness(t, events(ev(1, "2014-01-02T10:00:00.000-05:00")))
	if err := h.run(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(h.sender.sent) != 1 {
		t.Fatalf("sent = %d messages", len(h.sender.sent))
	}
	msg := h.sender.sent[0]
	if msg.To != "basecamp" || msg.Topic != "X" || msg.Body != "**Ann** created [Todo](http://x/1)." {
		t.Fatalf("msg = %+v", msg)
	}
	if h.store.value != "2014-01-02T10:00:00.000-05:00" {
		t.Fatalf("persisted = %q", h.store.value)
	}
	if h.loop.Committed() != h.store.value {
		t.Fatalf("committed = %q", h.loop.Committed())
	}
	if len(h.journal.recs) != 1 || !h.journal.recs[0].OK || h.journal.recs[0].MessageID != "1" {
		t.Fatalf("journal = %+v", h.journal.recs)
	}
}

func TestRunDeliversOldestFirstAndPersistsEach(t *testing.T) {
	h := newHarness(t, events(
		ev(3, "2014-01-02T10:00:03.000-05:00"),
		ev(2, "2014-01-02T10:00:02.000-05:00"),
		ev(1, "2014-01-02T10:00:01.000-05:00"),
	))
	if err := h.run(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []cursor.Cursor{
		"2014-01-02T10:00:01.000-05:00",
		"2014-01-02T10:00:02.000-05:00",
		"2014-01-02T10:00:03.000-05:00",
	}
	if fmt.Sprint(h.store.saves) != fmt.Sprint(want) {
		t.Fatalf("saves = %v, want %v", h.store.saves, want)
	}
	for i, m := range h.sender.sent {
		if wantURL := fmt.Sprintf("(http://x/%d).", i+1); m.Body[len(m.Body)-len(wantURL):] != wantURL {
			t.Fatalf("message %d = %q", i, m.Body)
		}
	}
	// The second fetch already asks from the newest timestamp.
	if len(h.fetcher.since) != 2 || h.fetcher.since[1] != want[2] {
		t.Fatalf("since = %v", h.fetcher.since)
	}
}

func TestRunBackoffIntervals(t *testing.T) {
	rl := feed.Outcome{Kind: feed.OutcomeRateLimited, Status: 429}
	h := newHarness(t, rl, rl, rl, events(), feed.Outcome{Kind: feed.OutcomeServerError, Status: 502})
	if err := h.run(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []time.Duration{1, 2, 4, 8, 1, 1}
	if len(h.clock.sleeps) != len(want) {
		t.Fatalf("sleeps = %v", h.clock.sleeps)
	}
	for i, w := range want {
		if h.clock.sleeps[i] != w*time.Second {
			t.Fatalf("sleeps = %v, want %v seconds", h.clock.sleeps, want)
		}
	}
	for i, s := range h.fetcher.since {
		if s != start {
			t.Fatalf("fetch %d since = %q, want unchanged %q", i, s, start)
		}
	}
	if len(h.store.saves) != 0 {
		t.Fatalf("saves = %v, want none", h.store.saves)
	}
}

func TestRunFatalLeavesCursorUntouched(t *testing.T) {
	h := newHarness(t,
		feed.Outcome{Kind: feed.OutcomeServerError, Status: 500},
		feed.Outcome{Kind: feed.OutcomeFatal, Status: 401, Body: "HTTP Basic: Access denied."},
		events(ev(1, "2014-01-02T10:00:00.000-05:00")),
	)
	err := h.run(t)
	if !errors.Is(err, ErrFatalUpstream) {
		t.Fatalf("Run err = %v, want ErrFatalUpstream", err)
	}
	if err := h.loop.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(h.store.saves) != 0 || h.store.value != start {
		t.Fatalf("store = %q saves=%v, want untouched", h.store.value, h.store.saves)
	}
	if len(h.sender.sent) != 0 {
		t.Fatal("nothing should be sent after a fatal error")
	}
}

func TestCancelMidSendPersistsLastCompleted(t *testing.T) {
	h := newHarness(t, events(
		ev(3, "2014-01-02T10:00:03.000-05:00"),
		ev(2, "2014-01-02T10:00:02.000-05:00"),
		ev(1, "2014-01-02T10:00:01.000-05:00"),
	))
	h.sender.onSend = func(n int, msg destination.OutboundMessage) (destination.Result, error) {
		if n == 2 {
			// Interrupt arrives while the second send is in flight.
			h.fetcher.cancel()
		}
		return destination.Result{OK: true}, nil
	}
	if err := h.run(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := h.loop.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(h.sender.sent) != 2 {
		t.Fatalf("sent = %d, want 2", len(h.sender.sent))
	}
	if h.store.value != "2014-01-02T10:00:02.000-05:00" {
		t.Fatalf("persisted = %q, want second event", h.store.value)
	}
}

func TestBoundaryEventsNotRedelivered(t *testing.T) {
	t1 := "2014-01-02T10:00:01.000-05:00"
	t2 := "2014-01-02T10:00:02.000-05:00"
	t3 := "2014-01-02T10:00:03.000-05:00"
	h := newHarness(t,
		events(ev(2, t2), ev(1, t1)),
		// since is inclusive: event 2 comes back, alongside a new event at the same instant.
		events(ev(4, t2), ev(2, t2)),
		events(ev(5, t3), ev(4, t2), ev(2, t2)),
	)
	if err := h.run(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	var got []string
	for _, m := range h.sender.sent {
		got = append(got, m.Body[len(m.Body)-5:])
	}
	want := []string{"x/1).", "x/2).", "x/4).", "x/5)."}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("delivered = %v, want %v", got, want)
	}
	if h.store.value != cursor.Cursor(t3) {
		t.Fatalf("persisted = %q", h.store.value)
	}
}

func TestSendFailuresDoNotStopProgress(t *testing.T) {
	h := newHarness(t, events(
		ev(2, "2014-01-02T10:00:02.000-05:00"),
		ev(1, "2014-01-02T10:00:01.000-05:00"),
	))
	sub, unsub := h.bus.Subscribe(32)
	defer unsub()
	h.sender.onSend = func(n int, msg destination.OutboundMessage) (destination.Result, error) {
		switch n {
		case 1, 2:
			return destination.Result{}, errors.New("connection reset")
		default:
			return destination.Result{OK: false, Msg: "stream does not exist"}, nil
		}
	}
	if err := h.run(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if h.sender.calls != 3 {
		t.Fatalf("send calls = %d, want 3 (one retry for transport error only)", h.sender.calls)
	}
	if h.store.value != "2014-01-02T10:00:02.000-05:00" {
		t.Fatalf("persisted = %q", h.store.value)
	}
	failed := 0
	for len(sub) > 0 {
		if e := <-sub; e.Type == eventbus.DeliveryFailed {
			failed++
		}
	}
	if failed != 2 {
		t.Fatalf("delivery.failed events = %d, want 2", failed)
	}
	if len(h.journal.recs) != 2 || h.journal.recs[0].OK || h.journal.recs[1].Error != "stream does not exist" {
		t.Fatalf("journal = %+v", h.journal.recs)
	}
}

func TestSkippedEventAdvancesCursor(t *testing.T) {
	bad := ev(2, "2014-01-02T10:00:02.000-05:00")
	bad.Creator.Name = ""
	h := newHarness(t, events(bad, ev(1, "2014-01-02T10:00:01.000-05:00")))
	if err := h.run(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(h.sender.sent) != 1 {
		t.Fatalf("sent = %d", len(h.sender.sent))
	}
	if h.store.value != bad.Cursor {
		t.Fatalf("persisted = %q, want %q", h.store.value, bad.Cursor)
	}
}

func TestFlushRetriesAfterSaveError(t *testing.T) {
	h := newHarness(t, events(ev(1, "2014-01-02T10:00:01.000-05:00")))
	h.store.err = errors.New("disk full")
	if err := h.run(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if h.loop.Status().Saved != start {
		t.Fatalf("saved = %q, want start", h.loop.Status().Saved)
	}
	h.store.err = nil
	if err := h.loop.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if h.store.value != "2014-01-02T10:00:01.000-05:00" {
		t.Fatalf("persisted = %q", h.store.value)
	}
	// Nothing dirty: second flush writes nothing.
	n := len(h.store.saves)
	_ = h.loop.Flush(context.Background())
	if len(h.store.saves) != n {
		t.Fatal("clean flush wrote again")
	}
}

func TestDefaultStartIsPersistedByFlush(t *testing.T) {
	for _, tc := range []struct {
		name   string
		stored bool
		saves  int
	}{
		{"stored", true, 0},
		{"default", false, 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			store := &memStore{}
			loop, err := New(Options{
				Store:     store,
				Fetcher:   &scriptedFetcher{},
				Formatter: format.New("s", logx.Nop()),
				Sender:    &fakeSender{},
				Start:     start,
				Stored:    tc.stored,
			})
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if err := loop.Flush(context.Background()); err != nil {
				t.Fatalf("Flush: %v", err)
			}
			if len(store.saves) != tc.saves {
				t.Fatalf("saves = %v, want %d", store.saves, tc.saves)
			}
			if tc.saves == 1 && store.value != start {
				t.Fatalf("persisted = %q, want %q", store.value, start)
			}
			if loop.Status().Saved != start {
				t.Fatalf("saved = %q after flush", loop.Status().Saved)
			}
		})
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error for empty options")
	}
	_, err := New(Options{
		Store:     &memStore{},
		Fetcher:   &scriptedFetcher{},
		Formatter: format.New("s", logx.Nop()),
		Sender:    &fakeSender{},
		Start:     "garbage",
	})
	if !errors.Is(err, cursor.ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
}

type countingPacer struct{ waits int }

func (p *countingPacer) Wait(ctx context.Context) error {
	p.waits++
	return ctx.Err()
}

func TestPacerGatesEverySend(t *testing.T) {
	h := newHarness(t)
	bad := ev(3, "2014-01-02T10:00:03.000-05:00")
	bad.Bucket.Name = ""
	h.fetcher.script = []feed.Outcome{events(bad, ev(2, "2014-01-02T10:00:02.000-05:00"), ev(1, "2014-01-02T10:00:01.000-05:00"))}
	pacer := &countingPacer{}
	h.loop.pacer = pacer
	if err := h.run(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if pacer.waits != 2 || len(h.sender.sent) != 2 {
		t.Fatalf("waits = %d, sent = %d; want 2 each (skips are not paced)", pacer.waits, len(h.sender.sent))
	}
}

func TestPacerLimits(t *testing.T) {
	if l := NewPacer(0); l.Limit() != rate.Inf {
		t.Fatalf("pace 0 limit = %v, want Inf", l.Limit())
	}
	l := NewPacer(200 * time.Millisecond)
	if l.Limit() != rate.Every(200*time.Millisecond) || l.Burst() != 1 {
		t.Fatalf("limit = %v burst = %d", l.Limit(), l.Burst())
	}
	SetPace(l, time.Second)
	if l.Limit() != rate.Every(time.Second) {
		t.Fatalf("after SetPace limit = %v", l.Limit())
	}
}
