package storage

import (
	"context"
	"errors"
	"sort"
	"strings"

	logx "postbot/pkg/logx"
)

// Store persists schedule records.
//
// Mutations are atomic with respect to each other. I/O errors are returned,
// never swallowed.
type Store interface {
	List(ctx context.Context) ([]Record, error)
	// Get returns ErrNotFound when id is unknown.
	Get(ctx context.Context, id string) (Record, error)
	Upsert(ctx context.Context, r Record) error
	// Delete reports whether the record existed.
	Delete(ctx context.Context, id string) (bool, error)
	// Update applies fn to an existing record and persists the result.
	// It returns ErrNotFound without calling fn when id is unknown, so a
	// record deleted concurrently is never recreated.
	Update(ctx context.Context, id string, fn func(*Record) error) (Record, error)
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "file", "json":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// sortRecords orders by creation time, then id, so listings are stable.
func sortRecords(out []Record) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
}
