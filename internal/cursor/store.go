package cursor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "campbridge/pkg/logx"
)

// Store is the durable owner of the persisted cursor.
type Store interface {
	// Load returns an error wrapping ErrCorruptState when nothing valid is stored.
	Load(ctx context.Context) (Cursor, error)
	// Save atomically replaces the stored value.
	Save(ctx context.Context, c Cursor) error
	Close() error
}

// Journal records every send attempt. Failures never block delivery.
type Journal interface {
	AppendDelivery(ctx context.Context, r DeliveryRecord) error
}

// DeliveryRecord is one send attempt for one upstream event.
type DeliveryRecord struct {
	At        time.Time `json:"at"`
	EventID   int64     `json:"event_id,omitempty"`
	Cursor    Cursor    `json:"cursor"`
	Topic     string    `json:"topic,omitempty"`
	OK        bool      `json:"ok"`
	MessageID string    `json:"message_id,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Config configures the cursor store.
//
// Driver values:
//   - "file": plain text file, replaced via temp file + rename
//   - "sqlite": single-row table in an SQLite database
type Config struct {
	Driver      string
	Path        string
	Journal     bool
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Open initializes the configured store and verifies it can be written.
// Failures wrap ErrNotWritable.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("%w: state.path is required", ErrNotWritable)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown state driver: " + cfg.Driver)
	}
}

// JournalOf returns the store's delivery journal, or nil when journaling is off.
func JournalOf(s Store) Journal {
	j, ok := s.(interface {
		Journal
		journalEnabled() bool
	})
	if !ok || !j.journalEnabled() {
		return nil
	}
	return j
}
