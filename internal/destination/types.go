package destination

import "context"

// OutboundMessage is one chat message derived from one upstream event.
type OutboundMessage struct {
	// To is the destination identifier (stream name or chat id), fixed per process.
	To    string
	Topic string
	Body  string
}

// Result is the destination's answer to a send.
// OK=false carries the destination's own error message in Msg.
type Result struct {
	OK  bool
	ID  string
	Msg string
}

// Sender delivers one message. A non-nil error means the request never got a
// usable answer (transport failure); destination-side rejections come back as
// Result{OK: false}.
type Sender interface {
	Send(ctx context.Context, msg OutboundMessage) (Result, error)
}
