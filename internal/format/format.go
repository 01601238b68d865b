// Package format turns upstream events into chat messages.
package format

import (
	"errors"
	"html"
	"regexp"
	"strings"
	"unicode/utf8"

	"campbridge/internal/destination"
	"campbridge/internal/feed"
	logx "campbridge/pkg/logx"
)

// MaxTopicLen is the destination's topic limit, in characters.
const MaxTopicLen = 60

const ellipsis = "..."

var tagRE = regexp.MustCompile(`<[^<>]+>`)

var (
	ErrMissingBucket    = errors.New("event has no bucket name")
	ErrMissingCreator   = errors.New("event has no creator name")
	ErrMissingPermalink = errors.New("event has no html_url")
)

// Message maps ev to a message for destination to, or returns one of the
// ErrMissing* errors.
func Message(ev feed.Event, to string) (destination.OutboundMessage, error) {
	bucket := strings.TrimSpace(ev.Bucket.Name)
	creator := strings.TrimSpace(ev.Creator.Name)
	url := strings.TrimSpace(ev.HTMLURL)
	switch {
	case bucket == "":
		return destination.OutboundMessage{}, ErrMissingBucket
	case creator == "":
		return destination.OutboundMessage{}, ErrMissingCreator
	case url == "":
		return destination.OutboundMessage{}, ErrMissingPermalink
	}

	action := html.UnescapeString(tagRE.ReplaceAllString(ev.Action, ""))
	target := html.UnescapeString(ev.Target)
	excerpt := strings.TrimSpace(html.UnescapeString(ev.Excerpt))

	var b strings.Builder
	b.WriteString("**")
	b.WriteString(creator)
	b.WriteString("** ")
	b.WriteString(strings.TrimSpace(action))
	b.WriteString(" [")
	b.WriteString(target)
	b.WriteString("](")
	b.WriteString(url)
	b.WriteString(").")
	if excerpt != "" {
		b.WriteString("\n")
		b.WriteString(quote(excerpt))
	}

	return destination.OutboundMessage{
		To:    to,
		Topic: Topic(bucket),
		Body:  b.String(),
	}, nil
}

// Topic truncates name to MaxTopicLen characters, marking the cut with "...".
func Topic(name string) string {
	if utf8.RuneCountInString(name) <= MaxTopicLen {
		return name
	}
	r := []rune(name)
	return string(r[:MaxTopicLen-len(ellipsis)]) + ellipsis
}

func quote(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	for i, l := range lines {
		lines[i] = "> " + l
	}
	return strings.Join(lines, "\n")
}

// Formatter binds Message to a destination and logs skipped events.
type Formatter struct {
	to  string
	log logx.Logger
}

func New(to string, log logx.Logger) *Formatter {
	return &Formatter{to: to, log: log}
}

// Format returns the message for ev, or false after logging exactly one
// error when ev cannot be rendered.
func (f *Formatter) Format(ev feed.Event) (destination.OutboundMessage, bool) {
	msg, err := Message(ev, f.to)
	if err != nil {
		f.log.Error("event skipped",
			logx.Err(err),
			logx.Int64("event_id", ev.ID),
			logx.String("created_at", ev.CreatedAt),
			logx.String("html_url", ev.HTMLURL),
		)
		return destination.OutboundMessage{}, false
	}
	return msg, true
}
