package feed

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"campbridge/internal/cursor"
	logx "campbridge/pkg/logx"
)

type upstream struct {
	mu     sync.Mutex
	status int
	body   string
	reqs   []*http.Request
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	u.reqs = append(u.reqs, r.Clone(context.Background()))
	status, body := u.status, u.body
	u.mu.Unlock()
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func newPoller(t *testing.T, u *upstream, log logx.Logger) *Poller {
	t.Helper()
	srv := httptest.NewServer(u)
	t.Cleanup(srv.Close)
	return New(Config{
		BaseURL:   srv.URL + "/",
		AccountID: "999",
		Username:  "bot",
		Password:  "pw",
		UserAgent: "campbridge-test",
		Timeout:   2 * time.Second,
	}, log)
}

const since = cursor.Cursor("2014-01-02T10:00:00.000-05:00")

func TestFetchRequestShape(t *testing.T) {
	u := &upstream{status: 200, body: "[]"}
	p := newPoller(t, u, logx.Nop())

	for i := 0; i < 2; i++ {
		if out := p.Fetch(context.Background(), since); out.Kind != OutcomeEvents {
			t.Fatalf("kind = %v", out.Kind)
		}
	}
	if len(u.reqs) != 2 {
		t.Fatalf("requests = %d", len(u.reqs))
	}
	for _, r := range u.reqs {
		if r.URL.Path != "/999/api/v1/events.json" {
			t.Fatalf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("since"); got != string(since) {
			t.Fatalf("since = %q, want %q", got, since)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "bot" || pass != "pw" {
			t.Fatalf("basic auth = %q %q %v", user, pass, ok)
		}
		if ua := r.UserAgent(); ua != "campbridge-test" {
			t.Fatalf("user agent = %q", ua)
		}
	}
	if u.reqs[0].URL.RawQuery != u.reqs[1].URL.RawQuery {
		t.Fatalf("queries differ: %q vs %q", u.reqs[0].URL.RawQuery, u.reqs[1].URL.RawQuery)
	}
}

func TestFetchClassifiesStatus(t *testing.T) {
	cases := []struct {
		status int
		want   Kind
	}{
		{200, OutcomeEvents},
		{429, OutcomeRateLimited},
		{500, OutcomeServerError},
		{503, OutcomeServerError},
		{400, OutcomeFatal},
		{401, OutcomeFatal},
		{403, OutcomeUnexpected},
		{404, OutcomeUnexpected},
		{418, OutcomeUnexpected},
		{302, OutcomeUnexpected},
	}
	for _, tc := range cases {
		u := &upstream{status: tc.status, body: "[]"}
		if tc.status != 200 {
			u.body = "denied"
		}
		p := newPoller(t, u, logx.Nop())
		out := p.Fetch(context.Background(), since)
		if out.Kind != tc.want {
			t.Fatalf("status %d: kind = %v, want %v", tc.status, out.Kind, tc.want)
		}
		if tc.status != 200 && out.Status != tc.status {
			t.Fatalf("status %d: out.Status = %d", tc.status, out.Status)
		}
		if tc.want == OutcomeFatal && out.Body != "denied" {
			t.Fatalf("status %d: body = %q", tc.status, out.Body)
		}
	}
}

func TestFetchDecodesEventsIndividually(t *testing.T) {
	body := `[
 {"id": 2, "created_at": "2014-01-02T10:00:01.000-05:00", "bucket": {"name": "X"}, "creator": {"name": "Ann"},
  "action": "created", "target": "Todo", "html_url": "http://x/2"},
 {"id": "not-a-number", "created_at": "2014-01-02T10:00:00.500-05:00"},
 {"id": 3, "created_at": "whenever"},
 {"id": 1, "created_at": "2014-01-02T15:00:00Z", "bucket": {"name": "X"}, "creator": {"name": "Bob"},
  "action": "completed", "target": "", "excerpt": "done", "html_url": "http://x/1"}
]`
	var buf bytes.Buffer
	p := newPoller(t, &upstream{status: 200, body: body}, logx.NewJSON(&buf, "debug"))
	out := p.Fetch(context.Background(), since)
	if out.Kind != OutcomeEvents {
		t.Fatalf("kind = %v, err = %v", out.Kind, out.Err)
	}
	if len(out.Events) != 2 || out.Dropped != 2 {
		t.Fatalf("events = %d dropped = %d", len(out.Events), out.Dropped)
	}
	if out.Events[0].ID != 2 || out.Events[1].ID != 1 {
		t.Fatalf("order changed: %+v", out.Events)
	}
	if out.Events[1].Cursor != "2014-01-02T15:00:00.000+00:00" {
		t.Fatalf("normalized cursor = %q", out.Events[1].Cursor)
	}
	if n := strings.Count(buf.String(), `"level":"error"`); n != 2 {
		t.Fatalf("error logs = %d, want 2: %s", n, buf.String())
	}
}

func TestFetchBadBodyIsUnreachable(t *testing.T) {
	p := newPoller(t, &upstream{status: 200, body: "<html>maintenance</html>"}, logx.Nop())
	out := p.Fetch(context.Background(), since)
	if out.Kind != OutcomeUnreachable || !errors.Is(out.Err, errNotArray) {
		t.Fatalf("out = %+v", out)
	}
}

func TestFetchTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()
	p := New(Config{BaseURL: addr, AccountID: "1", Timeout: time.Second}, logx.Nop())
	out := p.Fetch(context.Background(), since)
	if out.Kind != OutcomeUnreachable || out.Err == nil {
		t.Fatalf("out = %+v", out)
	}
}
