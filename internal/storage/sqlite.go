package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	logx "postbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const recordColumns = `id, destination_id, content, kind, fire_at, cron_expr, status, created_at, updated_at, last_fired_at, last_error`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	// Serializes read-modify-write cycles the same way the file driver does.
	mu sync.Mutex
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = FULL")

	st := &sqliteStore{db: db, log: log.With(logx.String("comp", "storage.sqlite"))}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
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
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *sqliteStore) List(ctx context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM schedules`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortRecords(out)
	return out, nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return Record{}, ErrClosed
	}
	return getRecord(ctx, s.db, id)
}

func (s *sqliteStore) Upsert(ctx context.Context, r Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}
	return s.inTx(ctx, func(tx *sql.Tx) error { return putRecord(ctx, tx, r) })
}

func (s *sqliteStore) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return false, ErrClosed
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) Update(ctx context.Context, id string, fn func(*Record) error) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return Record{}, ErrClosed
	}
	var out Record
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		r, err := getRecord(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(&r); err != nil {
			return err
		}
		r.ID = id
		if err := r.Validate(); err != nil {
			return err
		}
		out = r
		return putRecord(ctx, tx, r)
	})
	return out, err
}

func (s *sqliteStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func getRecord(ctx context.Context, q queryer, id string) (Record, error) {
	row := q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM schedules WHERE id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return r, err
}

func putRecord(ctx context.Context, tx *sql.Tx, r Record) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO schedules(`+recordColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   destination_id=excluded.destination_id, content=excluded.content, kind=excluded.kind,
		   fire_at=excluded.fire_at, cron_expr=excluded.cron_expr, status=excluded.status,
		   created_at=excluded.created_at, updated_at=excluded.updated_at,
		   last_fired_at=excluded.last_fired_at, last_error=excluded.last_error`,
		r.ID, r.DestinationID, r.Content, string(r.Kind),
		nullStr(r.FireAt), nullStr(r.CronExpr), nullStr(string(r.Status)),
		nullTime(r.CreatedAt), nullTime(r.UpdatedAt), nullTime(r.LastFiredAt), nullStr(r.LastError),
	)
	return err
}

func scanRecord(sc rowScanner) (Record, error) {
	var (
		r                                 Record
		kind                              string
		fireAt, cronExpr, status, lastErr sql.NullString
		created, updated, fired           sql.NullString
	)
	if err := sc.Scan(&r.ID, &r.DestinationID, &r.Content, &kind, &fireAt, &cronExpr, &status,
		&created, &updated, &fired, &lastErr); err != nil {
		return Record{}, err
	}
	k, err := ParseKind(kind)
	if err != nil {
		return Record{}, fmt.Errorf("record %s: %w", r.ID, err)
	}
	r.Kind = k
	r.FireAt = fireAt.String
	r.CronExpr = cronExpr.String
	r.Status = Status(status.String)
	r.LastError = lastErr.String
	r.CreatedAt = parseNullTime(created)
	r.UpdatedAt = parseNullTime(updated)
	r.LastFiredAt = parseNullTime(fired)
	return r, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func parseNullTime(v sql.NullString) time.Time {
	if !v.Valid || v.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return time.Time{}
	}
	return t
}
