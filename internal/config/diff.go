package config

import (
	"reflect"
	"sort"

	logx "postbot/pkg/logx"
)

// SummarizeChange lists the sections that differ between two configs plus
// log fields describing the new values. Tokens are reported only as set or
// unset.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)

	if oldCfg.Platform != newCfg.Platform {
		changed = append(changed, "platform")
		attrs = append(attrs, logx.String("platform", newCfg.Platform))
	}

	od, nd := oldCfg.Discord, newCfg.Discord
	if od.Token != nd.Token ||
		!reflect.DeepEqual(od.OwnerUserIDs, nd.OwnerUserIDs) ||
		boolOr(od.AdminOnly, true) != boolOr(nd.AdminOnly, true) ||
		od.CommandPrefix != nd.CommandPrefix {
		changed = append(changed, "discord")
		attrs = append(attrs,
			logx.Bool("discord.token_set", nd.Token != ""),
			logx.Int("discord.owner_count", len(nd.OwnerUserIDs)),
			logx.Bool("discord.admin_only", boolOr(nd.AdminOnly, true)),
			logx.String("discord.command_prefix", nd.CommandPrefix),
		)
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) ||
		boolOr(ot.AdminOnly, true) != boolOr(nt.AdminOnly, true) ||
		ot.PollTimeout != nt.PollTimeout {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", nt.Token != ""),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.String("telegram.poll_timeout", nt.PollTimeout),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.chat_enabled", newCfg.Logging.Chat.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs, logx.String("scheduler.timezone", newCfg.Scheduler.Timezone))
	}

	if oldCfg.TaskEngine != newCfg.TaskEngine {
		te := newCfg.TaskEngine
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Int("task_engine.workers", te.Workers),
			logx.Int("task_engine.queue_size", te.QueueSize),
			logx.String("task_engine.default_timeout", te.DefaultTimeout),
			logx.String("task_engine.max_queue_delay", te.MaxQueueDelay),
			logx.Int("task_engine.history_size", te.HistorySize),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		d := newCfg.Dispatch
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.String("dispatch.min_interval", d.MinInterval),
			logx.String("dispatch.pace_policy", d.PacePolicy),
			logx.Any("dispatch.rate_per_sec", d.RatePerSec),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.path_set", newCfg.Storage.Path != ""),
		)
	}

	if oldCfg.API != newCfg.API {
		a := newCfg.API
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.Bool("api.enabled", a.Enabled),
			logx.String("api.addr", a.Addr),
			logx.Bool("api.token_set", a.Token != ""),
			logx.Bool("api.pprof", a.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports changes a running process cannot apply.
func RestartRequired(oldCfg, newCfg *Config) []string {
	var out []string
	if oldCfg == nil || newCfg == nil {
		return out
	}
	if oldCfg.Platform != newCfg.Platform {
		out = append(out, "platform")
	}
	if oldCfg.Discord.Token != newCfg.Discord.Token {
		out = append(out, "discord.token")
	}
	if oldCfg.Telegram.Token != newCfg.Telegram.Token || oldCfg.Telegram.PollTimeout != newCfg.Telegram.PollTimeout {
		out = append(out, "telegram")
	}
	if oldCfg.Storage != newCfg.Storage {
		out = append(out, "storage")
	}
	return out
}
