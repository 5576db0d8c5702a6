package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"postbot/internal/api"
	"postbot/internal/dispatch"
	"postbot/internal/storage"
	"postbot/internal/task/engine"
	"postbot/internal/task/scheduler"
	"postbot/internal/transport/router"
	logx "postbot/pkg/logx"
)

const (
	PlatformDiscord  = "discord"
	PlatformTelegram = "telegram"

	DefaultTimezone    = "Asia/Tokyo"
	DefaultStoragePath = "./data/schedules.json"
)

// Runtime is the validated, defaulted form of Config handed to components.
type Runtime struct {
	Platform string

	DiscordToken        string
	TelegramToken       string
	TelegramPollTimeout time.Duration

	Router     router.Config
	Logging    logx.Config
	Scheduler  scheduler.Config
	TaskEngine engine.Config
	Dispatch   dispatch.Config
	Storage    storage.Config
	API        api.Config
}

// Resolve validates cfg and applies defaults. All problems are reported
// together.
func Resolve(cfg *Config) (Runtime, error) {
	if cfg == nil {
		return Runtime{}, errors.New("config is nil")
	}
	var (
		rt   Runtime
		errs []error
	)
	dur := func(path, raw string) time.Duration {
		d, err := ParseDurationField(path, raw)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}

	rt.Platform = strings.ToLower(strings.TrimSpace(cfg.Platform))
	if rt.Platform == "" {
		rt.Platform = PlatformDiscord
	}
	switch rt.Platform {
	case PlatformDiscord:
		rt.DiscordToken = strings.TrimSpace(cfg.Discord.Token)
		if rt.DiscordToken == "" {
			errs = append(errs, errors.New("discord.token is required (or DISCORD_TOKEN)"))
		}
		prefix := strings.TrimSpace(cfg.Discord.CommandPrefix)
		if prefix == "" {
			prefix = "!"
		}
		rt.Router = router.Config{
			Prefix:       prefix,
			OwnerUserIDs: cfg.Discord.OwnerUserIDs,
			AdminOnly:    boolOr(cfg.Discord.AdminOnly, true),
		}
	case PlatformTelegram:
		rt.TelegramToken = strings.TrimSpace(cfg.Telegram.Token)
		if rt.TelegramToken == "" {
			errs = append(errs, errors.New("telegram.token is required (or TELEGRAM_TOKEN)"))
		}
		rt.TelegramPollTimeout = dur("telegram.poll_timeout", cfg.Telegram.PollTimeout)
		rt.Router = router.Config{
			Prefix:       "/",
			OwnerUserIDs: cfg.Telegram.OwnerUserIDs,
			AdminOnly:    boolOr(cfg.Telegram.AdminOnly, true),
		}
	default:
		errs = append(errs, fmt.Errorf("platform: unknown value %q (want discord or telegram)", cfg.Platform))
	}

	rt.Logging = logx.Config{
		Level:             strings.TrimSpace(cfg.Logging.Level),
		Console:           cfg.Logging.Console,
		ConsoleTimeFormat: cfg.Logging.ConsoleTimeFormat,
		File:              logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
		Chat: logx.ChatConfig{
			Enabled:       cfg.Logging.Chat.Enabled,
			DestinationID: cfg.Logging.Chat.DestinationID,
			MinLevel:      cfg.Logging.Chat.MinLevel,
			RatePerSec:    cfg.Logging.Chat.RatePerSec,
		},
	}
	if rt.Logging.File.Enabled && strings.TrimSpace(rt.Logging.File.Path) == "" {
		errs = append(errs, errors.New("logging.file.path is required when file logging is enabled"))
	}
	if rt.Logging.Chat.Enabled && rt.Logging.Chat.DestinationID == 0 {
		errs = append(errs, errors.New("logging.chat.destination_id is required when chat logging is enabled"))
	}

	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz == "" {
		tz = DefaultTimezone
	}
	if _, err := time.LoadLocation(tz); err != nil {
		errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
	}
	rt.Scheduler = scheduler.Config{Timezone: tz}

	te := cfg.TaskEngine
	if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 {
		errs = append(errs, errors.New("task_engine: workers, queue_size and history_size must be >= 0"))
	}
	rt.TaskEngine = engine.Config{
		Workers:        max(te.Workers, 0),
		QueueSize:      max(te.QueueSize, 0),
		DefaultTimeout: dur("task_engine.default_timeout", te.DefaultTimeout),
		MaxQueueDelay:  dur("task_engine.max_queue_delay", te.MaxQueueDelay),
		HistorySize:    max(te.HistorySize, 0),
	}

	policy, err := dispatch.ParsePacePolicy(cfg.Dispatch.PacePolicy)
	if err != nil {
		errs = append(errs, fmt.Errorf("dispatch.pace_policy: %w", err))
	}
	if cfg.Dispatch.RatePerSec < 0 {
		errs = append(errs, errors.New("dispatch.rate_per_sec must be >= 0"))
	}
	minInterval, err := ParseDurationOrDefault("dispatch.min_interval", cfg.Dispatch.MinInterval, dispatch.DefaultMinInterval)
	if err != nil {
		errs = append(errs, err)
	}
	rt.Dispatch = dispatch.Config{
		MinInterval: minInterval,
		PacePolicy:  policy,
		RatePerSec:  max(cfg.Dispatch.RatePerSec, 0),
	}

	sc, err := ResolveStorage(cfg)
	if err != nil {
		errs = append(errs, err)
	}
	rt.Storage = sc

	rt.API = api.Config{
		Enabled:       cfg.API.Enabled,
		Addr:          strings.TrimSpace(cfg.API.Addr),
		Token:         strings.TrimSpace(cfg.API.Token),
		AllowInsecure: cfg.API.AllowInsecure,
		Pprof:         cfg.API.Pprof,
		ReadTimeout:   dur("api.read_timeout", cfg.API.ReadTimeout),
		WriteTimeout:  dur("api.write_timeout", cfg.API.WriteTimeout),
		IdleTimeout:   dur("api.idle_timeout", cfg.API.IdleTimeout),
	}

	if len(errs) > 0 {
		return Runtime{}, errors.Join(errs...)
	}
	return rt, nil
}

// ResolveStorage resolves only the storage section. Offline tools use it
// without needing platform credentials.
func ResolveStorage(cfg *Config) (storage.Config, error) {
	var errs []error
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if driver == "" {
		driver = "file"
	}
	if driver != "file" && driver != "sqlite" {
		errs = append(errs, fmt.Errorf("storage.driver: unknown value %q (want file or sqlite)", cfg.Storage.Driver))
	}
	path := strings.TrimSpace(cfg.Storage.Path)
	if path == "" {
		path = DefaultStoragePath
	}
	busy, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		errs = append(errs, err)
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, errors.Join(errs...)
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
