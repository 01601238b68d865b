package eventbus

import "time"

// Event types published by the delivery loop.
const (
	FeedPolled      = "feed.polled"
	FeedRateLimited = "feed.rate_limited"
	FeedServerError = "feed.server_error"

	DeliverySent    = "delivery.sent"
	DeliveryFailed  = "delivery.failed"
	DeliverySkipped = "delivery.skipped"

	CursorSaved = "cursor.saved"
)

// PollEvent is the payload of the feed.* events.
type PollEvent struct {
	Outcome string
	Status  int
	Events  int // fresh events after boundary de-dup
	Dropped int // malformed records
	Backoff time.Duration
	Since   string
	Error   string
}

// DeliveryEvent is the payload of the delivery.* events.
type DeliveryEvent struct {
	EventID   int64
	Cursor    string
	Topic     string
	MessageID string
	Attempts  int
	Error     string
	Took      time.Duration
}

// CursorEvent is the payload of cursor.saved.
type CursorEvent struct {
	Cursor string
	// Lag is the age of the saved cursor instant.
	Lag time.Duration
}
