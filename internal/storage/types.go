package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound      = errors.New("storage: record not found")
	ErrClosed        = errors.New("storage: closed")
	ErrInvalidRecord = errors.New("storage: invalid record")
)

// Config configures storage.
//
// Driver values:
//   - "file" (default): JSON document at Path
//   - "sqlite": SQLite database file at Path
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type Kind string

const (
	KindOnce      Kind = "once"
	KindRecurring Kind = "recurring"
)

// UnmarshalJSON accepts the legacy "cron" spelling for recurring records.
func (k *Kind) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "once":
		return KindOnce, nil
	case "recurring", "cron":
		return KindRecurring, nil
	default:
		return "", fmt.Errorf("unknown record kind %q", s)
	}
}

// Status is bookkeeping only; it never drives scheduling decisions.
type Status string

const (
	StatusPending    Status = "pending"
	StatusActive     Status = "active" // recurring records
	StatusDelivered  Status = "delivered"
	StatusSuppressed Status = "suppressed"
	StatusFailed     Status = "failed"
)

// Record is the durable description of a requested delivery.
// Exactly one of FireAt / CronExpr is set, matching Kind.
type Record struct {
	ID            string `json:"id"`
	DestinationID int64  `json:"destination_id"`
	Content       string `json:"content"`
	Kind          Kind   `json:"kind"`
	FireAt        string `json:"fire_at,omitempty"`
	CronExpr      string `json:"cron_expr,omitempty"`

	Status      Status    `json:"status,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitzero"`
	UpdatedAt   time.Time `json:"updated_at,omitzero"`
	LastFiredAt time.Time `json:"last_fired_at,omitzero"`
	LastError   string    `json:"last_error,omitempty"`
}

// Validate checks the structural invariant of a record.
// Content length and time syntax are checked by callers at creation.
func (r Record) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidRecord)
	}
	switch r.Kind {
	case KindOnce:
		if r.FireAt == "" || r.CronExpr != "" {
			return fmt.Errorf("%w: once record %s needs fire_at only", ErrInvalidRecord, r.ID)
		}
	case KindRecurring:
		if r.CronExpr == "" || r.FireAt != "" {
			return fmt.Errorf("%w: recurring record %s needs cron_expr only", ErrInvalidRecord, r.ID)
		}
	default:
		return fmt.Errorf("%w: record %s has kind %q", ErrInvalidRecord, r.ID, r.Kind)
	}
	return nil
}

// UnmarshalJSON also reads documents written by the first generation of the
// bot (channel_id, type, when, cron).
func (r *Record) UnmarshalJSON(b []byte) error {
	type plain Record
	var aux struct {
		plain
		ChannelID *int64  `json:"channel_id"`
		Type      *string `json:"type"`
		When      *string `json:"when"`
		Cron      *string `json:"cron"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*r = Record(aux.plain)
	if r.DestinationID == 0 && aux.ChannelID != nil {
		r.DestinationID = *aux.ChannelID
	}
	if r.Kind == "" && aux.Type != nil {
		k, err := ParseKind(*aux.Type)
		if err != nil {
			return err
		}
		r.Kind = k
	}
	if r.FireAt == "" && aux.When != nil {
		r.FireAt = *aux.When
	}
	if r.CronExpr == "" && aux.Cron != nil {
		r.CronExpr = *aux.Cron
	}
	return nil
}
