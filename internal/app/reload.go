package app

import (
	"context"
	"slices"
	"strings"

	"postbot/internal/config"
	"postbot/internal/eventbus"
	logx "postbot/pkg/logx"
)

// reloadLoop applies committed config changes to running components.
// Sections that need a restart are reported and left as they are.
func (a *App) reloadLoop(c context.Context) error {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)

	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return nil
		case newCfg, ok := <-sub:
			if !ok {
				return nil
			}
			// Coalesce bursts: only the latest config matters.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(c, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	rt, err := config.Resolve(newCfg)
	if err != nil {
		// The manager validates before publishing; this only guards direct callers.
		a.log.Warn("config reload ignored", logx.Err(err))
		return
	}

	restart := config.RestartRequired(oldCfg, newCfg)
	if len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(rt.Logging)
	a.engine.Apply(rt.TaskEngine)
	a.sched.Apply(rt.Scheduler)
	a.gate.Apply(rt.Dispatch)
	if !slices.Contains(restart, "platform") {
		a.router.SetConfig(rt.Router)
	}
	a.api.Reconfigure(ctx, rt.API)

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReload, Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
