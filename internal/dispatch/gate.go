// Package dispatch delivers fired commands to their destination, applying the
// per-destination minimum interval and classifying send failures.
//
// Failures are logged and dropped. Nothing here retries.
package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"postbot/internal/eventbus"
	"postbot/internal/task/scheduler"
	"postbot/internal/transport"
	logx "postbot/pkg/logx"
)

const DefaultMinInterval = 5 * time.Second

// PacePolicy selects which sends consult the minimum-interval rule.
type PacePolicy string

const (
	// PaceInteractiveOnce paces only one-shot sends created by a user
	// command. Recovered, edited and recurring sends bypass the rule.
	PaceInteractiveOnce PacePolicy = "interactive_once"
	PaceAll             PacePolicy = "all"
	PaceNone            PacePolicy = "none"
)

func ParsePacePolicy(s string) (PacePolicy, error) {
	switch PacePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PaceInteractiveOnce:
		return PaceInteractiveOnce, nil
	case PaceAll:
		return PaceAll, nil
	case PaceNone:
		return PaceNone, nil
	default:
		return "", errors.New("unknown pace policy: " + s)
	}
}

type Config struct {
	MinInterval time.Duration
	PacePolicy  PacePolicy
	// RatePerSec caps sends across all destinations. 0 disables the cap.
	RatePerSec float64
}

func (c Config) withDefaults() Config {
	if c.MinInterval <= 0 {
		c.MinInterval = DefaultMinInterval
	}
	if c.PacePolicy == "" {
		c.PacePolicy = PaceInteractiveOnce
	}
	return c
}

// Clock is the time source used for pacing decisions.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type Outcome string

const (
	OutcomeSent             Outcome = "sent"
	OutcomeSuppressed       Outcome = "suppressed"
	OutcomePermissionDenied Outcome = "permission_denied"
	OutcomeFailed           Outcome = "failed"
)

// Result is the classified result of one delivery attempt.
type Result struct {
	Outcome Outcome
	Err     error
}

// Event is the payload of dispatch.* bus events.
type Event struct {
	ID            string  `json:"id"`
	DestinationID int64   `json:"destination_id"`
	Outcome       Outcome `json:"outcome"`
	Error         string  `json:"error,omitempty"`
}

// paceEntry is the pace state of one destination. guard is held across a
// paced send; mu only protects last.
type paceEntry struct {
	guard sync.Mutex

	mu   sync.Mutex
	last time.Time
}

func (e *paceEntry) lastSent() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

func (e *paceEntry) markSent(t time.Time) {
	e.mu.Lock()
	if t.After(e.last) {
		e.last = t
	}
	e.mu.Unlock()
}

// Gate owns the destination pace state. One Gate is shared by every
// delivery path.
type Gate struct {
	log    logx.Logger
	bus    eventbus.Bus
	sender transport.Sender
	clock  Clock

	cfgMu  sync.RWMutex
	cfg    Config
	global *rate.Limiter

	pace sync.Map // destination id -> *paceEntry
}

type Option func(*Gate)

func WithClock(c Clock) Option {
	return func(g *Gate) {
		if c != nil {
			g.clock = c
		}
	}
}

func WithBus(b eventbus.Bus) Option { return func(g *Gate) { g.bus = b } }

func New(cfg Config, sender transport.Sender, log logx.Logger, opts ...Option) *Gate {
	g := &Gate{
		log:    log.With(logx.String("comp", "dispatch")),
		sender: sender,
		clock:  systemClock{},
	}
	for _, o := range opts {
		o(g)
	}
	g.Apply(cfg)
	return g
}

// Apply swaps the pacing configuration. Pace state is kept.
func (g *Gate) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), max(1, int(cfg.RatePerSec)))
	}
	g.cfgMu.Lock()
	g.cfg = cfg
	g.global = lim
	g.cfgMu.Unlock()
}

// SetSender replaces the transport. Used when the adapter is (re)started.
func (g *Gate) SetSender(s transport.Sender) {
	g.cfgMu.Lock()
	g.sender = s
	g.cfgMu.Unlock()
}

func (g *Gate) snapshot() (Config, *rate.Limiter, transport.Sender) {
	g.cfgMu.RLock()
	defer g.cfgMu.RUnlock()
	return g.cfg, g.global, g.sender
}

// Paced reports whether cmd is subject to the minimum-interval rule.
func (g *Gate) Paced(cmd scheduler.Command) bool {
	cfg, _, _ := g.snapshot()
	return paced(cfg.PacePolicy, cmd)
}

func paced(p PacePolicy, cmd scheduler.Command) bool {
	switch p {
	case PaceAll:
		return true
	case PaceNone:
		return false
	default:
		return cmd.Kind == scheduler.KindOnce && cmd.Origin == scheduler.OriginInteractive
	}
}

// LastSent returns the time of the last successful send to dest.
func (g *Gate) LastSent(dest int64) (time.Time, bool) {
	v, ok := g.pace.Load(dest)
	if !ok {
		return time.Time{}, false
	}
	last := v.(*paceEntry).lastSent()
	return last, !last.IsZero()
}

func (g *Gate) entry(dest int64) *paceEntry {
	v, _ := g.pace.LoadOrStore(dest, &paceEntry{})
	return v.(*paceEntry)
}

// Deliver sends cmd.Content to cmd.DestinationID.
//
// A paced send holds the destination guard for the duration of the send, so
// two paced sends to the same destination cannot both pass the check.
// Unpaced sends never wait on the guard; a hung send only occupies its own
// caller.
func (g *Gate) Deliver(ctx context.Context, cmd scheduler.Command) Result {
	cfg, global, sender := g.snapshot()
	e := g.entry(cmd.DestinationID)

	isPaced := paced(cfg.PacePolicy, cmd)
	if isPaced {
		e.guard.Lock()
		defer e.guard.Unlock()
	}

	now := g.clock.Now()
	if isPaced {
		if last := e.lastSent(); !last.IsZero() && now.Sub(last) < cfg.MinInterval {
			res := Result{Outcome: OutcomeSuppressed}
			g.log.Info("delivery suppressed by minimum interval",
				logx.String("id", cmd.ID),
				logx.Int64("destination", cmd.DestinationID),
				logx.Duration("since_last", now.Sub(last)))
			g.publish(eventbus.DispatchSuppressed, cmd, res)
			return res
		}
	}

	if sender == nil {
		return g.fail(cmd, errors.New("dispatch: no transport"))
	}
	if global != nil {
		if err := global.Wait(ctx); err != nil {
			return g.fail(cmd, err)
		}
	}
	if err := sender.Send(ctx, cmd.DestinationID, cmd.Content); err != nil {
		return g.fail(cmd, err)
	}

	e.markSent(now)
	res := Result{Outcome: OutcomeSent}
	g.log.Debug("delivered",
		logx.String("id", cmd.ID),
		logx.Int64("destination", cmd.DestinationID),
		logx.String("origin", string(cmd.Origin)))
	g.publish(eventbus.DispatchSent, cmd, res)
	return res
}

func (g *Gate) fail(cmd scheduler.Command, err error) Result {
	res := Result{Outcome: OutcomeFailed, Err: err}
	if errors.Is(err, transport.ErrPermissionDenied) {
		res.Outcome = OutcomePermissionDenied
		g.log.Warn("missing permission to post",
			logx.String("id", cmd.ID),
			logx.Int64("destination", cmd.DestinationID))
	} else {
		g.log.Error("delivery failed",
			logx.String("id", cmd.ID),
			logx.Int64("destination", cmd.DestinationID),
			logx.Err(err))
	}
	g.publish(eventbus.DispatchFailed, cmd, res)
	return res
}

func (g *Gate) publish(typ string, cmd scheduler.Command, res Result) {
	if g.bus == nil {
		return
	}
	ev := Event{ID: cmd.ID, DestinationID: cmd.DestinationID, Outcome: res.Outcome}
	if res.Err != nil {
		ev.Error = res.Err.Error()
	}
	g.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}
