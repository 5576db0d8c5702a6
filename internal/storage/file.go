package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "postbot/pkg/logx"
)

// fileStore keeps all records in one JSON document keyed by id.
//
// There is no in-memory cache: each operation reads the document, and each
// mutation writes a complete new document to a temp file in the same
// directory, fsyncs it and renames it over the old one.
type fileStore struct {
	log  logx.Logger
	path string

	mu     sync.Mutex
	closed bool
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}

	s := &fileStore{log: log.With(logx.String("comp", "storage.file")), path: path}

	_, err := os.Stat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := s.writeLocked(map[string]Record{}); err != nil {
			return nil, err
		}
		s.log.Info("created empty schedule store", logx.String("path", path))
	case err != nil:
		return nil, fmt.Errorf("stat %s: %w", path, err)
	default:
		if _, err := s.readLocked(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fileStore) List(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	doc, err := s.readLocked()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(doc))
	for _, r := range doc {
		out = append(out, r)
	}
	sortRecords(out)
	return out, nil
}

func (s *fileStore) Get(ctx context.Context, id string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Record{}, ErrClosed
	}
	doc, err := s.readLocked()
	if err != nil {
		return Record{}, err
	}
	r, ok := doc[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (s *fileStore) Upsert(ctx context.Context, r Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	return s.mutate(ctx, func(doc map[string]Record) (bool, error) {
		doc[r.ID] = r
		return true, nil
	})
}

func (s *fileStore) Delete(ctx context.Context, id string) (bool, error) {
	existed := false
	err := s.mutate(ctx, func(doc map[string]Record) (bool, error) {
		if _, ok := doc[id]; !ok {
			return false, nil
		}
		delete(doc, id)
		existed = true
		return true, nil
	})
	return existed, err
}

func (s *fileStore) Update(ctx context.Context, id string, fn func(*Record) error) (Record, error) {
	var out Record
	err := s.mutate(ctx, func(doc map[string]Record) (bool, error) {
		r, ok := doc[id]
		if !ok {
			return false, ErrNotFound
		}
		if err := fn(&r); err != nil {
			return false, err
		}
		r.ID = id
		if err := r.Validate(); err != nil {
			return false, err
		}
		doc[id] = r
		out = r
		return true, nil
	})
	return out, err
}

// mutate runs one read-modify-write cycle. fn reports whether the document
// changed; unchanged documents are not rewritten.
func (s *fileStore) mutate(ctx context.Context, fn func(map[string]Record) (bool, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	doc, err := s.readLocked()
	if err != nil {
		return err
	}
	changed, err := fn(doc)
	if err != nil || !changed {
		return err
	}
	return s.writeLocked(doc)
}

func (s *fileStore) readLocked() (map[string]Record, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	doc := map[string]Record{}
	if len(strings.TrimSpace(string(b))) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.path, err)
	}
	for id, r := range doc {
		if r.ID == "" {
			r.ID = id
			doc[id] = r
		}
	}
	return doc, nil
}

func (s *fileStore) writeLocked(doc map[string]Record) error {
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode schedules: %w", err)
	}
	b = append(b, '\n')

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return fmt.Errorf("replace %s: %w", s.path, err)
	}
	// Persist the rename itself. Not supported everywhere, so best effort.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
