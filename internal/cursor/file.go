package cursor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	logx "campbridge/pkg/logx"
)

// fileStore keeps the cursor as one line of plain text.
//
// Files:
//   - <path>                  (cursor, replaced via temp file + rename)
//   - <path>.journal.jsonl    (optional append-only delivery journal)
type fileStore struct {
	log  logx.Logger
	path string

	mu      sync.Mutex
	journal *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := filepath.Clean(cfg.Path)
	dir := filepath.Dir(path)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotWritable, err)
	}
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrNotWritable, path)
	}
	if err := checkWritable(dir); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotWritable, err)
	}

	s := &fileStore{log: log, path: path}
	if cfg.Journal {
		jf, err := os.OpenFile(path+".journal.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("%w: journal: %v", ErrNotWritable, err)
		}
		s.journal = jf
	}
	return s, nil
}

// checkWritable creates and removes a scratch file so an unwritable directory is
// reported at startup rather than on the first save.
func checkWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".campbridge-check-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

func (s *fileStore) Load(ctx context.Context) (Cursor, error) {
	_ = ctx
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s does not exist", ErrCorruptState, s.path)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	c, err := Parse(string(b))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	return c, nil
}

func (s *fileStore) Save(ctx context.Context, c Cursor) error {
	_ = ctx
	if _, err := Parse(string(c)); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.WriteString(string(c) + "\n"); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		s.log.Debug("cursor chmod failed", logx.Err(err))
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return err
	}
	syncDir(dir)
	return nil
}

// syncDir makes the rename durable where the platform supports it.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

func (s *fileStore) journalEnabled() bool { return s.journal != nil }

func (s *fileStore) AppendDelivery(ctx context.Context, r DeliveryRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	return json.NewEncoder(s.journal).Encode(r)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}
