// Package feed fetches activity events from the upstream API and classifies
// the HTTP outcome.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"campbridge/internal/cursor"
	logx "campbridge/pkg/logx"
)

// Kind classifies one fetch.
type Kind int

const (
	OutcomeEvents Kind = iota + 1
	OutcomeRateLimited
	OutcomeServerError
	OutcomeFatal
	OutcomeUnexpected
	OutcomeUnreachable
)

func (k Kind) String() string {
	switch k {
	case OutcomeEvents:
		return "events"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeServerError:
		return "server_error"
	case OutcomeFatal:
		return "fatal"
	case OutcomeUnexpected:
		return "unexpected"
	case OutcomeUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// Outcome is the result of one fetch.
type Outcome struct {
	Kind Kind

	// Events are newest-first, as upstream delivers them.
	Events []Event
	// Dropped counts records that failed to decode.
	Dropped int

	Status int
	Body   string // truncated response body for non-200 statuses
	Err    error  // transport or decode failure (OutcomeUnreachable)
}

const (
	maxBodyBytes  = 32 << 20
	maxErrorBody  = 512
	eventsPathFmt = "%s/%s/api/v1/events.json"
)

// Config is the upstream endpoint and credentials.
type Config struct {
	BaseURL   string
	AccountID string
	Username  string
	Password  string
	UserAgent string
	Timeout   time.Duration
}

// Poller issues timestamped fetches. It holds no cursor state.
type Poller struct {
	cfg    Config
	client *http.Client
	log    logx.Logger
}

type Option func(*Poller)

// WithHTTPClient replaces the default client (tests, proxies).
func WithHTTPClient(c *http.Client) Option {
	return func(p *Poller) {
		if c != nil {
			p.client = c
		}
	}
}

// New returns a Poller for cfg. A trailing slash on BaseURL is ignored.
func New(cfg Config, log logx.Logger, opts ...Option) *Poller {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	p := &Poller{
		cfg:    cfg,
		client: &http.Client{},
		log:    log,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// URL returns the request URL for cursor c.
func (p *Poller) URL(c cursor.Cursor) string {
	q := url.Values{}
	q.Set("since", c.String())
	return fmt.Sprintf(eventsPathFmt, p.cfg.BaseURL, url.PathEscape(p.cfg.AccountID)) + "?" + q.Encode()
}

// Fetch asks upstream for events at or after c.
func (p *Poller) Fetch(ctx context.Context, c cursor.Cursor) Outcome {
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL(c), http.NoBody)
	if err != nil {
		return Outcome{Kind: OutcomeUnreachable, Err: err}
	}
	req.SetBasicAuth(p.cfg.Username, p.cfg.Password)
	req.Header.Set("User-Agent", p.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return Outcome{Kind: OutcomeUnreachable, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		out := Outcome{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		out.Kind = classify(resp.StatusCode)
		return out
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Outcome{Kind: OutcomeUnreachable, Status: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	events, dropped, err := p.decode(raw)
	if err != nil {
		return Outcome{Kind: OutcomeUnreachable, Status: resp.StatusCode, Err: err}
	}
	return Outcome{Kind: OutcomeEvents, Status: resp.StatusCode, Events: events, Dropped: dropped}
}

func classify(status int) Kind {
	switch {
	case status == http.StatusOK:
		return OutcomeEvents
	case status == http.StatusTooManyRequests:
		return OutcomeRateLimited
	case status == http.StatusBadRequest || status == http.StatusUnauthorized:
		return OutcomeFatal
	case status >= 500:
		return OutcomeServerError
	default:
		return OutcomeUnexpected
	}
}

var errNotArray = errors.New("response body is not a JSON array")

// decode parses the array record by record so one bad record only drops itself.
func (p *Poller) decode(raw []byte) ([]Event, int, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", errNotArray, err)
	}
	events := make([]Event, 0, len(items))
	dropped := 0
	for i, item := range items {
		var ev Event
		if err := json.Unmarshal(item, &ev); err != nil {
			dropped++
			p.log.Error("malformed event dropped", logx.Int("index", i), logx.Err(err))
			continue
		}
		c, err := cursor.Normalize(ev.CreatedAt)
		if err != nil {
			dropped++
			p.log.Error("event without usable created_at dropped",
				logx.Int("index", i),
				logx.Int64("event_id", ev.ID),
				logx.Err(err),
			)
			continue
		}
		ev.Cursor = c
		events = append(events, ev)
	}
	return events, dropped, nil
}
