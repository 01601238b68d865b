package cursor

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Layout is the upstream timestamp format: millisecond precision with a
// numeric offset (never "Z").
const Layout = "2006-01-02T15:04:05.000-07:00"

var pattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{3}[+-]\d{2}:\d{2}$`)

var (
	// ErrCorruptState is returned by Load when the persisted value is missing
	// or does not look like a cursor. Callers fall back to the default window.
	ErrCorruptState = errors.New("cursor: corrupt or missing state")

	// ErrNotWritable means the configured state location cannot be written.
	ErrNotWritable = errors.New("cursor: state path not writable")

	// ErrInvalid is returned by Parse for a value that is not a timestamp.
	ErrInvalid = errors.New("cursor: invalid timestamp")
)

// Cursor marks progress through the upstream event stream: "events at or
// after this instant". The string is passed to upstream untouched.
type Cursor string

func (c Cursor) String() string { return string(c) }

func (c Cursor) IsZero() bool { return c == "" }

// Time parses the cursor instant.
func (c Cursor) Time() (time.Time, error) {
	return time.Parse(Layout, string(c))
}

// Before reports whether c is strictly earlier than o.
func (c Cursor) Before(o Cursor) bool { return Compare(c, o) < 0 }

// Compare orders cursors by instant, falling back to string order when
// either side does not parse.
func Compare(a, b Cursor) int {
	ta, errA := a.Time()
	tb, errB := b.Time()
	if errA != nil || errB != nil {
		return strings.Compare(string(a), string(b))
	}
	return ta.Compare(tb)
}

// Parse validates s against the cursor format. Surrounding whitespace is ignored.
func Parse(s string) (Cursor, error) {
	s = strings.TrimSpace(s)
	if !pattern.MatchString(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalid, truncate(s, 64))
	}
	if _, err := time.Parse(Layout, s); err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalid, s, err)
	}
	return Cursor(s), nil
}

// Normalize accepts either the exact cursor format or any RFC 3339 timestamp,
// re-rendering the latter in Layout.
func Normalize(s string) (Cursor, error) {
	if c, err := Parse(s); err == nil {
		return c, nil
	}
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalid, truncate(s, 64))
	}
	return Format(t), nil
}

// Format renders t as a cursor, truncating to milliseconds.
func Format(t time.Time) Cursor {
	return Cursor(t.Format(Layout))
}

// Default is the first-ever cursor: now minus the initial lookback window.
func Default(now time.Time, hours int) Cursor {
	return Format(now.Add(-time.Duration(hours) * time.Hour))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
