// Package router turns incoming chat messages into schedule operations.
package router

import (
	"context"
	"errors"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"postbot/internal/runtime/supervisor"
	"postbot/internal/schedule"
	"postbot/internal/storage"
	"postbot/internal/transport"
	logx "postbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	// AccessAdmin allows owners and, on platforms that have them, chat
	// administrators. With Config.AdminOnly off it allows everyone.
	AccessAdmin
)

type Command struct {
	// Route is a space-separated command path, e.g. "schedule add".
	Route       string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration
	Handle      HandlerFunc
}

type Request struct {
	Msg     transport.Message
	Command string

	// Raw is the message text after the route, untouched.
	Raw   string
	Args  []string // positionals
	Flags map[string]string
	Bools map[string]bool

	ReqID  string
	Logger logx.Logger
}

type Config struct {
	// Prefix marks a message as a command ("/" or "!").
	Prefix       string
	OwnerUserIDs []int64
	AdminOnly    bool
	Workers      int
	Timeout      time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Prefix) == "" {
		c.Prefix = "/"
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// ScheduleService is the boundary the command surface drives.
type ScheduleService interface {
	Create(ctx context.Context, req schedule.CreateRequest) (storage.Record, error)
	CreateRecurring(ctx context.Context, destinationID int64, content, cronExpr string) (storage.Record, error)
	List(ctx context.Context) ([]schedule.View, error)
	Get(ctx context.Context, id string) (schedule.View, error)
	Edit(ctx context.Context, id, newContent string, newWhen *string) (storage.Record, error)
	Delete(ctx context.Context, id string) (bool, error)
	Location() *time.Location
}

// DestinationFormatter is implemented by adapters that render destinations
// in a platform-specific way (e.g. Discord channel mentions).
type DestinationFormatter interface {
	FormatDestination(id int64) string
}

type Router struct {
	log     logx.Logger
	adapter transport.Adapter
	svc     ScheduleService

	mu       sync.RWMutex
	cfg      Config
	commands map[string]Command // route -> command
	alias    map[string]string  // menu name -> route

	jobs chan func()
}

func New(cfg Config, adapter transport.Adapter, svc ScheduleService, log logx.Logger) *Router {
	r := &Router{
		log:     log.With(logx.String("comp", "router")),
		adapter: adapter,
		svc:     svc,
		cfg:     cfg.withDefaults(),
		jobs:    make(chan func(), 256),
	}
	r.setRegistry(r.builtinCommands())
	return r
}

// SetConfig swaps prefix, owners and access mode. Safe during hot reload.
func (r *Router) SetConfig(cfg Config) {
	cfg = cfg.withDefaults()
	cfg.OwnerUserIDs = slices.Clone(cfg.OwnerUserIDs)
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

func (r *Router) config() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

func (r *Router) setRegistry(cmds []Command) {
	byRoute := map[string]Command{}
	alias := map[string]string{}
	for _, c := range cmds {
		route := strings.Join(strings.Fields(c.Route), " ")
		if route == "" || c.Handle == nil {
			continue
		}
		c.Route = route
		byRoute[route] = c
		if strings.Contains(route, " ") {
			if menu := sanitizeMenuCommand(route); menu != "" {
				alias[menu] = route
			}
		}
	}
	r.mu.Lock()
	r.commands = byRoute
	r.alias = alias
	r.mu.Unlock()
}

// MenuCommands lists the top-level commands for platform command menus.
func (r *Router) MenuCommands() []transport.BotCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]bool{}
	var out []transport.BotCommand
	for route := range r.commands {
		top, _ := cutWord(route)
		if seen[top] {
			continue
		}
		seen[top] = true
		desc := top
		if c, ok := r.commands[top+" help"]; ok {
			desc = c.Description
		}
		out = append(out, transport.BotCommand{Command: sanitizeMenuCommand(top), Description: desc})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Command < out[j].Command })
	return out
}

// Run consumes messages until ctx is done or in is closed. Commands run on a
// small worker pool under a supervisor.
func (r *Router) Run(ctx context.Context, in <-chan transport.Message) error {
	cfg := r.config()
	sup := supervisor.New(ctx,
		supervisor.WithLogger(r.log),
		supervisor.WithCancelOnError(false),
	)
	for i := 0; i < cfg.Workers; i++ {
		sup.GoRestart("router.worker."+strconv.Itoa(i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-r.jobs:
					job()
				}
			}
		}, supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}

	if up, ok := r.adapter.(transport.CommandMenuUpdater); ok {
		sup.Go("router.menu.update", func(c context.Context) error {
			mctx, cancel := context.WithTimeout(c, 5*time.Second)
			defer cancel()
			if err := up.UpdateMenuCommands(mctx, r.MenuCommands()); err != nil {
				r.log.Warn("menu update failed", logx.Err(err))
			}
			return nil
		})
	}

	r.log.Info("command dispatcher started", logx.Int("workers", cfg.Workers), logx.String("prefix", cfg.Prefix))
	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			req, cmd, ok := r.route(msg)
			if !ok {
				continue
			}
			select {
			case r.jobs <- func() { _ = r.execute(ctx, req, cmd) }:
			default:
				r.reply(ctx, msg, "Busy, try again in a moment.")
			}
		}
	}
}

// Handle routes and executes one message synchronously.
func (r *Router) Handle(ctx context.Context, msg transport.Message) error {
	req, cmd, ok := r.route(msg)
	if !ok {
		return nil
	}
	return r.execute(ctx, req, cmd)
}

func (r *Router) route(msg transport.Message) (*Request, Command, bool) {
	cfg := r.config()
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, cfg.Prefix) {
		return nil, Command{}, false
	}
	word, rest := cutWord(strings.TrimPrefix(text, cfg.Prefix))
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i] // /schedule@mybot
	}
	word = strings.ToLower(word)

	r.mu.RLock()
	cmds, alias := r.commands, r.alias
	r.mu.RUnlock()

	route := word
	if full, ok := alias[word]; ok {
		route = full
	} else if sub, after := cutWord(rest); sub != "" {
		if _, ok := cmds[word+" "+strings.ToLower(sub)]; ok {
			route = word + " " + strings.ToLower(sub)
			rest = after
		}
	}
	cmd, ok := cmds[route]
	if !ok {
		// Known group without a subcommand shows its help.
		if h, ok := cmds[route+" help"]; ok {
			cmd = h
		} else {
			return nil, Command{}, false
		}
	}

	pos, flags, bools := parseFlags(tokenizeCommandLine(rest))
	rid := newReqID()
	return &Request{
		Msg:     msg,
		Command: cmd.Route,
		Raw:     rest,
		Args:    pos,
		Flags:   flags,
		Bools:   bools,
		ReqID:   rid,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.DestinationID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Route),
		),
	}, cmd, true
}

func (r *Router) execute(ctx context.Context, req *Request, cmd Command) error {
	if cmd.Access == AccessAdmin && !r.authorized(ctx, req.Msg) {
		r.reply(ctx, req.Msg, "This command is for administrators only.")
		return nil
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = r.config().Timeout
	}
	final := Chain(cmd.Handle,
		MWPanicRecover(),
		MWRequestLog(),
		MWTimeout(timeout),
	)
	return final(ctx, req)
}

func (r *Router) authorized(ctx context.Context, msg transport.Message) bool {
	cfg := r.config()
	if slices.Contains(cfg.OwnerUserIDs, msg.FromID) {
		return true
	}
	if !cfg.AdminOnly {
		return true
	}
	ok, err := r.adapter.IsAdmin(ctx, msg)
	if err != nil {
		r.log.Warn("admin check failed", logx.Int64("from_id", msg.FromID), logx.Err(err))
		return false
	}
	return ok
}

func (r *Router) reply(ctx context.Context, msg transport.Message, text string) {
	if err := r.adapter.Send(ctx, msg.DestinationID, text); err != nil {
		r.log.Warn("reply failed", logx.Int64("chat_id", msg.DestinationID), logx.Err(err))
	}
}

// replyErr answers a failed operation. Input errors are the user's and are
// not returned; anything else is.
func (r *Router) replyErr(ctx context.Context, req *Request, err error) error {
	switch {
	case errors.Is(err, schedule.ErrInvalidWhen):
		r.reply(ctx, req.Msg, "Invalid date/time. Use YYYY-MM-DD HH:MM, MM/DD HH:MM, today HH:MM or tomorrow HH:MM.")
	case errors.Is(err, schedule.ErrInvalidCron):
		r.reply(ctx, req.Msg, "Invalid recurring expression: "+err.Error())
	case errors.Is(err, schedule.ErrInvalidContent):
		r.reply(ctx, req.Msg, "Message must be 1-"+strconv.Itoa(schedule.MaxContentLength)+" characters.")
	case errors.Is(err, schedule.ErrInvalidDestination):
		r.reply(ctx, req.Msg, "Invalid destination.")
	case errors.Is(err, storage.ErrNotFound):
		r.reply(ctx, req.Msg, "No schedule with that ID.")
	default:
		r.reply(ctx, req.Msg, "Failed: internal error (ref "+req.ReqID+").")
		return err
	}
	return nil
}
