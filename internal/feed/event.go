package feed

import (
	"strconv"

	"campbridge/internal/cursor"
)

// Event is one upstream activity record.
type Event struct {
	ID        int64  `json:"id,omitempty"`
	CreatedAt string `json:"created_at"`
	Bucket    Named  `json:"bucket"`
	Creator   Named  `json:"creator"`
	Action    string `json:"action"`
	Target    string `json:"target"`
	Excerpt   string `json:"excerpt"`
	HTMLURL   string `json:"html_url"`

	// Cursor is CreatedAt validated as a cursor; set by the poller.
	Cursor cursor.Cursor `json:"-"`
}

type Named struct {
	Name string `json:"name"`
}

// Key identifies the event for boundary de-duplication.
func (e Event) Key() string {
	if e.ID != 0 {
		return "id:" + strconv.FormatInt(e.ID, 10)
	}
	return "url:" + e.HTMLURL
}
