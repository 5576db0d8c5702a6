package schedule

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"postbot/internal/dispatch"
	"postbot/internal/storage"
	"postbot/internal/task/scheduler"
	logx "postbot/pkg/logx"
)

const idAttempts = 8

type Service struct {
	// mu orders create/edit/delete so the record write and the trigger
	// registration for one id are never interleaved with another mutation.
	mu sync.Mutex

	store    storage.Store
	triggers Triggers
	gate     Deliverer
	log      logx.Logger

	now   func() time.Time
	newID func() string
}

type Option func(*Service)

// WithNow overrides the clock used for timestamps and time parsing.
func WithNow(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithIDGenerator overrides record id allocation.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) {
		if fn != nil {
			s.newID = fn
		}
	}
}

func New(store storage.Store, triggers Triggers, gate Deliverer, log logx.Logger, opts ...Option) *Service {
	s := &Service{
		store:    store,
		triggers: triggers,
		gate:     gate,
		log:      log.With(logx.String("comp", "schedule")),
		now:      time.Now,
		newID:    randomID,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// randomID returns 8 lowercase hex characters taken from a random UUID.
func randomID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:4])
}

func (s *Service) loc() *time.Location { return s.triggers.Location() }

// Location is the reference timezone time expressions are read in.
func (s *Service) Location() *time.Location { return s.loc() }

// Create validates req, stores a record and registers its trigger.
func (s *Service) Create(ctx context.Context, req CreateRequest) (storage.Record, error) {
	if req.DestinationID == 0 {
		return storage.Record{}, fmt.Errorf("%w: destination is required", ErrInvalidDestination)
	}
	if err := validateContent(req.Content); err != nil {
		return storage.Record{}, err
	}
	when, err := ParseWhen(req.When, s.loc(), s.now())
	if err != nil {
		return storage.Record{}, err
	}
	return s.create(ctx, req.DestinationID, req.Content, when)
}

// CreateRecurring stores and registers a recurring delivery for a raw cron
// expression.
func (s *Service) CreateRecurring(ctx context.Context, destinationID int64, content, cronExpr string) (storage.Record, error) {
	if destinationID == 0 {
		return storage.Record{}, fmt.Errorf("%w: destination is required", ErrInvalidDestination)
	}
	if err := validateContent(content); err != nil {
		return storage.Record{}, err
	}
	cronExpr = strings.TrimSpace(cronExpr)
	if err := scheduler.ValidateCron(cronExpr); err != nil {
		return storage.Record{}, fmt.Errorf("%w: %v", ErrInvalidCron, err)
	}
	return s.create(ctx, destinationID, content, When{Kind: scheduler.KindRecurring, CronExpr: cronExpr})
}

func (s *Service) create(ctx context.Context, dest int64, content string, when When) (storage.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.allocID(ctx)
	if err != nil {
		return storage.Record{}, err
	}
	now := s.now()
	rec := storage.Record{
		ID:            id,
		DestinationID: dest,
		Content:       content,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	applyWhen(&rec, when, s.loc())

	if err := s.store.Upsert(ctx, rec); err != nil {
		return storage.Record{}, fmt.Errorf("store schedule %s: %w", id, err)
	}
	if err := s.register(rec, when, scheduler.OriginInteractive); err != nil {
		if _, derr := s.store.Delete(ctx, id); derr != nil {
			s.log.Error("rollback of unregistered schedule failed", logx.String("id", id), logx.Err(derr))
		}
		return storage.Record{}, err
	}
	s.log.Info("schedule created",
		logx.String("id", id),
		logx.Int64("destination", dest),
		logx.String("kind", string(rec.Kind)),
		logx.String("when", whenText(rec)))
	return rec, nil
}

func (s *Service) allocID(ctx context.Context) (string, error) {
	for range idAttempts {
		id := s.newID()
		if s.triggers.Exists(id) {
			continue
		}
		_, err := s.store.Get(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return id, nil
		}
		if err != nil {
			return "", fmt.Errorf("check schedule id: %w", err)
		}
	}
	return "", errors.New("could not allocate a unique schedule id")
}

// List returns every stored record with its live trigger state.
func (s *Service) List(ctx context.Context) ([]View, error) {
	recs, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	out := make([]View, 0, len(recs))
	for _, r := range recs {
		out = append(out, s.view(r))
	}
	return out, nil
}

// Get returns storage.ErrNotFound when id is unknown.
func (s *Service) Get(ctx context.Context, id string) (View, error) {
	r, err := s.store.Get(ctx, strings.TrimSpace(id))
	if err != nil {
		return View{}, err
	}
	return s.view(r), nil
}

func (s *Service) view(r storage.Record) View {
	v := View{Record: r}
	v.NextFire, v.Live = s.triggers.NextFire(r.ID)
	if !v.Live && r.Kind == storage.KindOnce && (r.Status == storage.StatusPending || r.Status == "") {
		if at, err := ParseStoredTime(r.FireAt, s.loc()); err == nil && !at.After(s.now()) {
			v.Status = StatusMissed
		}
	}
	return v
}

// Edit replaces the content of a record and, when newWhen is set, its time.
// An empty content keeps the current one. A new time converts the record to
// the kind of the expression.
//
// The trigger is re-registered under the same id when the time changed or a
// live trigger exists. A fired or missed once record is not re-armed by a
// content-only edit.
func (s *Service) Edit(ctx context.Context, id, newContent string, newWhen *string) (storage.Record, error) {
	id = strings.TrimSpace(id)
	if newContent == "" && newWhen == nil {
		return storage.Record{}, fmt.Errorf("%w: nothing to change", ErrInvalidContent)
	}
	if newContent != "" {
		if err := validateContent(newContent); err != nil {
			return storage.Record{}, err
		}
	}
	var when *When
	if newWhen != nil {
		w, err := ParseWhen(*newWhen, s.loc(), s.now())
		if err != nil {
			return storage.Record{}, err
		}
		when = &w
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return storage.Record{}, err
	}
	wasLive := s.triggers.Exists(id)
	if newContent != "" {
		rec.Content = newContent
	}
	if when != nil {
		applyWhen(&rec, *when, s.loc())
	}
	rec.UpdatedAt = s.now()
	if err := s.store.Upsert(ctx, rec); err != nil {
		return storage.Record{}, fmt.Errorf("store schedule %s: %w", id, err)
	}

	if when == nil && !wasLive {
		s.log.Info("schedule edited", logx.String("id", id), logx.Bool("rearmed", false))
		return rec, nil
	}
	var w When
	if when != nil {
		w = *when
	} else if w, err = whenOf(rec, s.loc()); err != nil {
		return rec, err
	}
	s.triggers.Remove(id)
	if err := s.register(rec, w, scheduler.OriginEdited); err != nil {
		return rec, err
	}
	s.log.Info("schedule edited",
		logx.String("id", id),
		logx.Bool("rearmed", true),
		logx.String("when", whenText(rec)))
	return rec, nil
}

// Delete removes the trigger, then the record. It reports whether either
// existed.
func (s *Service) Delete(ctx context.Context, id string) (bool, error) {
	id = strings.TrimSpace(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	live := s.triggers.Remove(id)
	stored, err := s.store.Delete(ctx, id)
	if err != nil {
		return live, fmt.Errorf("delete schedule %s: %w", id, err)
	}
	if live || stored {
		s.log.Info("schedule deleted", logx.String("id", id))
	}
	return live || stored, nil
}

func (s *Service) register(rec storage.Record, w When, origin scheduler.Origin) error {
	cmd := scheduler.Command{
		DestinationID: rec.DestinationID,
		Content:       rec.Content,
		Origin:        origin,
	}
	switch w.Kind {
	case scheduler.KindOnce:
		return s.triggers.ScheduleOnce(rec.ID, w.At, cmd, s.deliver)
	case scheduler.KindRecurring:
		if err := s.triggers.ScheduleRecurring(rec.ID, w.CronExpr, cmd, s.deliver); err != nil {
			if errors.Is(err, scheduler.ErrInvalidCron) {
				return fmt.Errorf("%w: %v", ErrInvalidCron, err)
			}
			return err
		}
		return nil
	default:
		return fmt.Errorf("unknown trigger kind %q", w.Kind)
	}
}

// deliver is the trigger handler. It runs on a task engine worker.
func (s *Service) deliver(ctx context.Context, cmd scheduler.Command) error {
	res := s.gate.Deliver(ctx, cmd)
	now := s.now()

	_, err := s.store.Update(ctx, cmd.ID, func(r *storage.Record) error {
		r.LastFiredAt = now
		r.LastError = ""
		if res.Err != nil {
			r.LastError = res.Err.Error()
		}
		if r.Kind != storage.KindOnce || cmd.Kind != scheduler.KindOnce {
			return nil
		}
		// An edit during the send re-armed the record for another time.
		if at, err := ParseStoredTime(r.FireAt, s.loc()); err != nil || !at.Truncate(time.Second).Equal(cmd.At.Truncate(time.Second)) {
			return nil
		}
		switch res.Outcome {
		case dispatch.OutcomeSent:
			r.Status = storage.StatusDelivered
		case dispatch.OutcomeSuppressed:
			r.Status = storage.StatusSuppressed
		default:
			r.Status = storage.StatusFailed
		}
		return nil
	})
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.log.Debug("schedule deleted during delivery", logx.String("id", cmd.ID))
	case err != nil:
		s.log.Error("record delivery status", logx.String("id", cmd.ID), logx.Err(err))
	}
	return res.Err
}

// validateContent checks the length bound and rejects blank messages, which
// neither platform will post.
func validateContent(content string) error {
	n := utf8.RuneCountInString(content)
	if n < 1 || n > MaxContentLength {
		return fmt.Errorf("%w: length must be 1-%d characters, got %d", ErrInvalidContent, MaxContentLength, n)
	}
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("%w: message is blank", ErrInvalidContent)
	}
	return nil
}

func applyWhen(r *storage.Record, w When, loc *time.Location) {
	r.LastError = ""
	switch w.Kind {
	case scheduler.KindOnce:
		r.Kind = storage.KindOnce
		r.FireAt = FormatStoredTime(w.At, loc)
		r.CronExpr = ""
		r.Status = storage.StatusPending
	case scheduler.KindRecurring:
		r.Kind = storage.KindRecurring
		r.CronExpr = w.CronExpr
		r.FireAt = ""
		r.Status = storage.StatusActive
	}
}

// whenOf rebuilds the trigger time of a stored record.
func whenOf(r storage.Record, loc *time.Location) (When, error) {
	switch r.Kind {
	case storage.KindOnce:
		at, err := ParseStoredTime(r.FireAt, loc)
		if err != nil {
			return When{}, fmt.Errorf("%w: %v", ErrInvalidWhen, err)
		}
		return When{Kind: scheduler.KindOnce, At: at}, nil
	case storage.KindRecurring:
		return When{Kind: scheduler.KindRecurring, CronExpr: r.CronExpr}, nil
	default:
		return When{}, fmt.Errorf("%w: record %s has kind %q", storage.ErrInvalidRecord, r.ID, r.Kind)
	}
}

func whenText(r storage.Record) string {
	if r.Kind == storage.KindRecurring {
		return r.CronExpr
	}
	return r.FireAt
}
