package app

import (
	"context"
	"fmt"
	"time"

	"postbot/internal/api"
	"postbot/internal/config"
	"postbot/internal/dispatch"
	"postbot/internal/eventbus"
	"postbot/internal/runtime/supervisor"
	"postbot/internal/schedule"
	"postbot/internal/storage"
	"postbot/internal/task/engine"
	"postbot/internal/task/scheduler"
	"postbot/internal/transport"
	"postbot/internal/transport/discord"
	"postbot/internal/transport/router"
	"postbot/internal/transport/telegram"
	logx "postbot/pkg/logx"
)

const inboxSize = 256

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	engine *engine.Service
	sched  *scheduler.Service
	gate   *dispatch.Gate
	svc    *schedule.Service

	adapter transport.Adapter
	router  *router.Router
	api     *api.Server

	inbox  chan transport.Message
	notify func(state string)
}

type Option func(*App)

// WithAdapter replaces the platform adapter built from config.
func WithAdapter(ad transport.Adapter) Option {
	return func(a *App) { a.adapter = ad }
}

// WithNotifier replaces the service manager notification hook.
func WithNotifier(fn func(state string)) Option {
	return func(a *App) {
		if fn != nil {
			a.notify = fn
		}
	}
}

// NewApp loads the config at cfgPath and builds every component. Nothing is
// started and no trigger is registered until Start.
func NewApp(cfgPath string, opts ...Option) (*App, error) {
	a := &App{inbox: make(chan transport.Message, inboxSize)}
	for _, o := range opts {
		o(a)
	}

	a.cfgm = config.NewManager(cfgPath)
	cfg, err := a.cfgm.Load()
	if err != nil {
		return nil, err
	}
	rt, err := config.Resolve(cfg)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", cfgPath, err)
	}
	logs, log := logx.New(rt.Logging)
	a.logs = logs
	a.log = log.With(logx.String("comp", "app"))
	if a.notify == nil {
		a.notify = a.sdNotify
	}

	st, err := storage.Open(rt.Storage, log)
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.store = st
	a.log.Info("storage opened", logx.String("driver", rt.Storage.Driver), logx.String("path", rt.Storage.Path))

	a.bus = eventbus.New()
	a.engine = engine.New(rt.TaskEngine, log, a.bus)
	a.sched = scheduler.New(rt.Scheduler, a.engine, log, a.bus)

	if a.adapter == nil {
		ad, err := newAdapter(rt, log)
		if err != nil {
			_ = st.Close()
			_ = logs.Close()
			return nil, err
		}
		a.adapter = ad
	}
	logs.SetChatSender(a.adapter)

	a.gate = dispatch.New(rt.Dispatch, a.adapter, log, dispatch.WithBus(a.bus))
	a.svc = schedule.New(st, a.sched, a.gate, log)
	a.router = router.New(rt.Router, a.adapter, a.svc, log)
	a.api = api.New(rt.API, api.Deps{Schedules: a.svc, Tasks: a.engine}, log)

	a.cfgm.SetLogger(log)
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := config.Resolve(cfg)
		return err
	})
	return a, nil
}

func newAdapter(rt config.Runtime, log logx.Logger) (transport.Adapter, error) {
	switch rt.Platform {
	case config.PlatformTelegram:
		return telegram.New(telegram.Config{Token: rt.TelegramToken, PollTimeout: rt.TelegramPollTimeout}, log)
	default:
		return discord.New(discord.Config{Token: rt.DiscordToken}, log)
	}
}

// Logger returns the app logger.
func (a *App) Logger() logx.Logger { return a.log }

// Done is closed once the app run context ends, including on a fatal
// supervised error.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return nil
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	run := a.sup.Context()

	// The engine outlives the run context so Stop can let deliveries finish.
	a.engine.Start(context.WithoutCancel(run))
	a.sched.Start(run)

	// Triggers must be live before command intake starts.
	rep, err := a.svc.Recover(run)
	if err != nil {
		return err
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.RecoveryDone, Data: rep})
	a.log.Info("schedules recovered",
		logx.Int("total", rep.Total),
		logx.Int("registered", rep.Registered),
		logx.Int("skipped", rep.Skipped),
		logx.Int("failed", rep.Failed))

	if err := a.adapter.Start(run, a.inbox); err != nil {
		return fmt.Errorf("%s adapter: %w", a.adapter.Name(), err)
	}
	a.sup.Go("router.run", func(c context.Context) error {
		return a.router.Run(c, a.inbox)
	})
	a.api.Start(run)

	a.sup.Go("eventbus.log", a.logEvents)
	a.sup.Go("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.startWatchdog()

	a.notify(sdReady)
	a.log.Info("app started", logx.String("platform", a.adapter.Name()))
	return nil
}

func (a *App) logEvents(c context.Context) error {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-c.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			// Debug only: recurring triggers make this noisy.
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

// Stop unwinds components in reverse start order. Each step is bounded so a
// stuck component cannot stall the shutdown.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeStore()
		return nil
	}
	a.notify(sdStopping)
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Intake and background loops start unwinding immediately.
	a.sup.Cancel()

	a.step(ctx, "api", time.Second, func(c context.Context) error { a.api.Stop(c); return nil })
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "adapter", 2*time.Second, a.adapter.Stop)
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	return a.logs.Close()
}

func (a *App) closeStore() {
	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close failed", logx.Err(err))
	}
	_ = a.logs.Close()
}

func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	// never extend the caller's deadline
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	stepCtx, cancel := context.WithTimeout(ctx, max(limit, 0))
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			a.log.Warn("stop step finished after deadline",
				logx.String("name", name),
				logx.Duration("took", time.Since(start)),
				logx.Err(err))
		}()
	}
}
