// Package schedule implements the boundary operations on scheduled
// deliveries: create, list, get, edit and delete, plus startup recovery.
//
// Every operation keeps the durable record and the live trigger in step. The
// record is written first; a trigger is registered only for a stored record.
package schedule

import (
	"context"
	"errors"
	"time"

	"postbot/internal/dispatch"
	"postbot/internal/storage"
	"postbot/internal/task/scheduler"
)

// MaxContentLength is the longest accepted message, in characters.
const MaxContentLength = 1800

var (
	ErrInvalidWhen        = errors.New("invalid time expression")
	ErrInvalidContent     = errors.New("invalid message content")
	ErrInvalidCron        = errors.New("invalid cron expression")
	ErrInvalidDestination = errors.New("invalid destination")
)

// StatusMissed is derived for listing only: a pending once record whose time
// passed with no live trigger. It is never stored.
const StatusMissed storage.Status = "missed"

// Triggers is the subset of the trigger engine the service drives.
type Triggers interface {
	ScheduleOnce(id string, at time.Time, cmd scheduler.Command, fn scheduler.Handler) error
	ScheduleRecurring(id, expr string, cmd scheduler.Command, fn scheduler.Handler) error
	Remove(id string) bool
	Exists(id string) bool
	NextFire(id string) (time.Time, bool)
	Location() *time.Location
}

// Deliverer sends a fired command. *dispatch.Gate implements it.
type Deliverer interface {
	Deliver(ctx context.Context, cmd scheduler.Command) dispatch.Result
}

type CreateRequest struct {
	DestinationID int64  `json:"destination_id"`
	Content       string `json:"content"`
	When          string `json:"when"`
}

// View is a record plus its live trigger state.
type View struct {
	storage.Record
	Live     bool      `json:"live"`
	NextFire time.Time `json:"next_fire,omitzero"`
}

// Report summarizes a recovery pass.
type Report struct {
	Total      int `json:"total"`
	Registered int `json:"registered"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}
