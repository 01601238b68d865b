package format

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"campbridge/internal/feed"
	logx "campbridge/pkg/logx"
)

func event() feed.Event {
	return feed.Event{
		CreatedAt: "2014-01-02T10:00:00.000-05:00",
		Bucket:    feed.Named{Name: "X"},
		Creator:   feed.Named{Name: "Ann"},
		Action:    "created",
		Target:    "Todo",
		HTMLURL:   "http://x",
	}
}

func TestMessageScenario(t *testing.T) {
	msg, err := Message(event(), "basecamp")
	if err != nil {
		t.Fatalf("Message: %v", err)
	}
	if msg.To != "basecamp" || msg.Topic != "X" {
		t.Fatalf("msg = %+v", msg)
	}
	if want := "**Ann** created [Todo](http://x)."; msg.Body != want {
		t.Fatalf("body = %q, want %q", msg.Body, want)
	}
}

func TestMessageBody(t *testing.T) {
	cases := []struct {
		name string
		edit func(*feed.Event)
		want string
	}{
		{
			name: "markup stripped from action",
			edit: func(e *feed.Event) { e.Action = `commented on <a href="/x">a</a> <strong>to-do</strong>` },
			want: "**Ann** commented on a to-do [Todo](http://x).",
		},
		{
			name: "entities decoded",
			edit: func(e *feed.Event) {
				e.Action = "moved &amp; renamed"
				e.Target = "R&amp;D &lt;plan&gt;"
			},
			want: "**Ann** moved & renamed [R&D <plan>](http://x).",
		},
		{
			name: "empty target keeps link",
			edit: func(e *feed.Event) { e.Target = "" },
			want: "**Ann** created [](http://x).",
		},
		{
			name: "excerpt blockquoted",
			edit: func(e *feed.Event) { e.Excerpt = "  first line\nsecond &quot;line&quot;  " },
			want: "**Ann** created [Todo](http://x).\n> first line\n> second \"line\"",
		},
		{
			name: "excerpt markup kept, entities decoded",
			edit: func(e *feed.Event) { e.Excerpt = "<b>bold</b> &amp; plain" },
			want: "**Ann** created [Todo](http://x).\n> <b>bold</b> & plain",
		},
		{
			name: "blank excerpt ignored",
			edit: func(e *feed.Event) { e.Excerpt = "   \n " },
			want: "**Ann** created [Todo](http://x).",
		},
		{
			name: "unicode survives decoding",
			edit: func(e *feed.Event) {
				e.Creator.Name = "Zoë 山田"
				e.Target = "caf&eacute; ☕ &#x1F600;"
			},
			want: "**Zoë 山田** created [café ☕ 😀](http://x).",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev := event()
			tc.edit(&ev)
			msg, err := Message(ev, "s")
			if err != nil {
				t.Fatalf("Message: %v", err)
			}
			if msg.Body != tc.want {
				t.Fatalf("body = %q, want %q", msg.Body, tc.want)
			}
		})
	}
}

func TestTopicTruncation(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{strings.Repeat("a", 60), strings.Repeat("a", 60)},
		{strings.Repeat("a", 61), strings.Repeat("a", 57) + "..."},
		{strings.Repeat("é", 70), strings.Repeat("é", 57) + "..."},
	}
	for _, tc := range cases {
		got := Topic(tc.in)
		if got != tc.want {
			t.Fatalf("Topic(%d runes) = %q", utf8.RuneCountInString(tc.in), got)
		}
		if n := utf8.RuneCountInString(got); n > MaxTopicLen {
			t.Fatalf("topic length %d > %d", n, MaxTopicLen)
		}
	}
}

func TestValidEventsProduceLinkedTarget(t *testing.T) {
	names := []string{"", "Ann", strings.Repeat("Long bucket name ", 10)}
	for _, bucket := range names[1:] {
		for _, target := range names {
			ev := event()
			ev.Bucket.Name = bucket
			ev.Target = target
			msg, err := Message(ev, "s")
			if err != nil {
				t.Fatalf("Message: %v", err)
			}
			if utf8.RuneCountInString(msg.Topic) > MaxTopicLen {
				t.Fatalf("topic too long: %q", msg.Topic)
			}
			if !strings.Contains(msg.Body, "Ann") || !strings.Contains(msg.Body, "["+target+"](http://x)") {
				t.Fatalf("body = %q", msg.Body)
			}
		}
	}
}

func TestFormatSkipLogsOnce(t *testing.T) {
	cases := []struct {
		name string
		edit func(*feed.Event)
		err  error
	}{
		{"no bucket", func(e *feed.Event) { e.Bucket.Name = "" }, ErrMissingBucket},
		{"no creator", func(e *feed.Event) { e.Creator.Name = " " }, ErrMissingCreator},
		{"no permalink", func(e *feed.Event) { e.HTMLURL = "" }, ErrMissingPermalink},
		{"nothing at all", func(e *feed.Event) { *e = feed.Event{} }, ErrMissingBucket},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev := event()
			tc.edit(&ev)
			if _, err := Message(ev, "s"); !errors.Is(err, tc.err) {
				t.Fatalf("Message err = %v, want %v", err, tc.err)
			}

			var buf bytes.Buffer
			f := New("s", logx.NewJSON(&buf, "debug"))
			if _, ok := f.Format(ev); ok {
				t.Fatal("Format ok = true, want skip")
			}
			out := strings.TrimSpace(buf.String())
			if lines := strings.Split(out, "\n"); len(lines) != 1 {
				t.Fatalf("log lines = %d, want 1: %s", len(lines), out)
			}
			if !strings.Contains(out, `"level":"error"`) {
				t.Fatalf("log entry is not an error: %s", out)
			}
		})
	}
}
