package cursor

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "campbridge/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db      *sql.DB
	log     logx.Logger
	journal bool
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotWritable, err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotWritable, err)
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, journal: cfg.Journal}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = FULL")

	// Migrations end with a write, so a read-only database fails here.
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: migrate: %v", ErrNotWritable, err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Load(ctx context.Context) (Cursor, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM cursor WHERE id = 1`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: no cursor row", ErrCorruptState)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	c, err := Parse(v)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	return c, nil
}

func (s *sqliteStore) Save(ctx context.Context, c Cursor) error {
	if _, err := Parse(string(c)); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO cursor(id, value, updated_at) VALUES(1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		string(c), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) journalEnabled() bool { return s.journal }

func (s *sqliteStore) AppendDelivery(ctx context.Context, r DeliveryRecord) error {
	if !s.journal {
		return nil
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	var eventID any
	if r.EventID != 0 {
		eventID = r.EventID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries(at, event_id, cursor, topic, ok, message_id, err)
		 VALUES(?,?,?,?,?,?,?)`,
		r.At.UTC().Format(time.RFC3339Nano), eventID, string(r.Cursor), nullStr(r.Topic),
		r.OK, nullStr(r.MessageID), nullStr(r.Error),
	)
	return err
}

// countDeliveries returns the number of journaled send attempts.
func (s *sqliteStore) countDeliveries(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM deliveries`).Scan(&n)
	return n, err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
