package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"postbot/internal/eventbus"
	"postbot/internal/task/engine"
	logx "postbot/pkg/logx"
)

// DefaultTimezone is the reference timezone when none is configured.
const DefaultTimezone = "Asia/Tokyo"

type Config struct {
	Timezone string // IANA name
}

type Kind string

const (
	KindOnce      Kind = "once"
	KindRecurring Kind = "recurring"
)

// Origin records how a trigger was registered. Dispatch pacing keys off it.
type Origin string

const (
	OriginInteractive Origin = "interactive"
	OriginEdited      Origin = "edited"
	OriginRecovered   Origin = "recovered"
)

// Command is the value handed to a Handler when a trigger fires.
type Command struct {
	ID            string
	DestinationID int64
	Content       string
	Kind          Kind
	Origin        Origin
	At            time.Time // once: the registered fire time
}

// Handler runs on a task engine worker, never on the timer goroutine.
type Handler func(ctx context.Context, cmd Command) error

// Executor is the host execution context fired triggers are handed to.
type Executor interface {
	Enqueue(t engine.Task) error
}

type trigger struct {
	cmd Command
	fn  Handler

	at       time.Time     // once
	spec     string        // recurring
	schedule cron.Schedule // recurring

	timer   *time.Timer
	entryID cron.EntryID

	// guarded by Service.mu
	removed bool
	fired   bool // once: handed to the executor
}

type Service struct {
	mu sync.Mutex

	log  logx.Logger
	cfg  Config
	loc  *time.Location
	bus  eventbus.Bus
	exec Executor

	parser   cron.Parser
	c        *cron.Cron
	triggers map[string]*trigger

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time

	now func() time.Time
}

// TriggerInfo describes a live trigger.
type TriggerInfo struct {
	ID            string    `json:"id"`
	Kind          Kind      `json:"kind"`
	DestinationID int64     `json:"destination_id"`
	Spec          string    `json:"spec,omitempty"`
	Next          time.Time `json:"next,omitzero"`
	Pending       bool      `json:"pending"` // once trigger fired, waiting for a worker
}

// TriggerEvent is the payload of trigger.* bus events.
type TriggerEvent struct {
	ID     string `json:"id"`
	Kind   Kind   `json:"kind"`
	Origin Origin `json:"origin"`
	Error  string `json:"error,omitempty"`
}
