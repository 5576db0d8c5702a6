package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"postbot/internal/dispatch"
	logx "postbot/pkg/logx"
)

const sampleYAML = `
platform: discord
discord:
  token: file-token
  owner_user_ids: [1, 2]
  command_prefix: "!"
logging:
  level: info
  console: true
scheduler:
  timezone: Asia/Tokyo
task_engine:
  workers: 3
  default_timeout: 30s
dispatch:
  min_interval: 10s
  pace_policy: all
storage:
  driver: sqlite
  path: ./data/schedules.db
  busy_timeout: 2s
api:
  enabled: true
  token: secret
`

func TestDecodeYAMLAndResolve(t *testing.T) {
	t.Setenv(EnvDiscordToken, "")
	t.Setenv(EnvLogLevel, "")
	cfg, err := Decode("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	rt, err := Resolve(cfg)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if rt.Platform != PlatformDiscord || rt.DiscordToken != "file-token" {
		t.Fatalf("platform/token: %q %q", rt.Platform, rt.DiscordToken)
	}
	if rt.Router.Prefix != "!" || !rt.Router.AdminOnly || len(rt.Router.OwnerUserIDs) != 2 {
		t.Fatalf("router: %+v", rt.Router)
	}
	if rt.TaskEngine.Workers != 3 || rt.TaskEngine.DefaultTimeout != 30*time.Second {
		t.Fatalf("task engine: %+v", rt.TaskEngine)
	}
	if rt.Dispatch.MinInterval != 10*time.Second || rt.Dispatch.PacePolicy != dispatch.PaceAll {
		t.Fatalf("dispatch: %+v", rt.Dispatch)
	}
	if rt.Storage.Driver != "sqlite" || rt.Storage.BusyTimeout != 2*time.Second {
		t.Fatalf("storage: %+v", rt.Storage)
	}
	if !rt.API.Enabled || rt.API.Token != "secret" {
		t.Fatalf("api: %+v", rt.API)
	}
}

func TestResolveDefaults(t *testing.T) {
	t.Parallel()
	rt, err := Resolve(&Config{Discord: DiscordConfig{Token: "x"}})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if rt.Scheduler.Timezone != DefaultTimezone {
		t.Fatalf("timezone %q", rt.Scheduler.Timezone)
	}
	if rt.Dispatch.MinInterval != dispatch.DefaultMinInterval || rt.Dispatch.PacePolicy != dispatch.PaceInteractiveOnce {
		t.Fatalf("dispatch defaults: %+v", rt.Dispatch)
	}
	if rt.Storage.Driver != "file" || rt.Storage.Path != DefaultStoragePath {
		t.Fatalf("storage defaults: %+v", rt.Storage)
	}
	if rt.Router.Prefix != "!" || !rt.Router.AdminOnly {
		t.Fatalf("router defaults: %+v", rt.Router)
	}

	off := false
	rt, err = Resolve(&Config{Platform: "Telegram", Telegram: TelegramConfig{Token: "t", AdminOnly: &off, PollTimeout: "20s"}})
	if err != nil {
		t.Fatalf("Resolve telegram: %v", err)
	}
	if rt.Router.Prefix != "/" || rt.Router.AdminOnly || rt.TelegramPollTimeout != 20*time.Second {
		t.Fatalf("telegram: %+v poll=%v", rt.Router, rt.TelegramPollTimeout)
	}
}

func TestResolveReportsAllErrors(t *testing.T) {
	t.Parallel()
	_, err := Resolve(&Config{
		Platform:  "discord",
		Scheduler: SchedulerConfig{Timezone: "Mars/Olympus"},
		Dispatch:  DispatchConfig{MinInterval: "soon", PacePolicy: "sometimes"},
		Storage:   StorageConfig{Driver: "mongo"},
		Logging:   LoggingConfig{Chat: LoggingChat{Enabled: true}},
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, want := range []string{"discord.token", "scheduler.timezone", "dispatch.min_interval", "dispatch.pace_policy", "storage.driver", "logging.chat.destination_id"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
	if _, err := Resolve(&Config{Platform: "irc"}); err == nil || !strings.Contains(err.Error(), "platform") {
		t.Fatalf("unknown platform: %v", err)
	}
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name, path, data string
	}{
		{"unknown json key", "c.json", `{"platform":"discord","bogus":1}`},
		{"unknown yaml key", "c.yml", "discord:\n  tokne: x\n"},
		{"trailing data", "c.json", `{} {}`},
		{"bad yaml", "c.yaml", "discord: [\n"},
	}
	for _, tt := range tests {
		if _, err := Decode(tt.path, []byte(tt.data)); err == nil {
			t.Fatalf("%s: expected error", tt.name)
		}
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvDiscordToken, "env-discord")
	t.Setenv(EnvTelegramToken, "env-telegram")
	t.Setenv(EnvLogLevel, "debug")
	cfg, err := Decode("c.json", []byte(`{"discord":{"token":"file"},"logging":{"level":"info"}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Discord.Token != "env-discord" || cfg.Telegram.Token != "env-telegram" || cfg.Logging.Level != "debug" {
		t.Fatalf("env not applied: %+v", cfg)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, ".env")
	if err := os.WriteFile(p, []byte("POSTBOT_TEST_DOTENV=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("POSTBOT_TEST_DOTENV", "")
	os.Unsetenv("POSTBOT_TEST_DOTENV")
	if err := LoadDotEnv(p, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("POSTBOT_TEST_DOTENV"); got != "from-file" {
		t.Fatalf("got %q", got)
	}
}

func TestSummarizeChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	a := &Config{API: APIConfig{Token: "old-secret"}, Dispatch: DispatchConfig{PacePolicy: "all"}}
	b := &Config{API: APIConfig{Token: "new-secret"}, Dispatch: DispatchConfig{PacePolicy: "none"}}
	changed, attrs := SummarizeChange(a, b)
	if strings.Join(changed, ",") != "api,dispatch" {
		t.Fatalf("changed %v", changed)
	}
	var buf strings.Builder
	log := logx.NewWriter(&buf, "debug")
	log.Info("reload", attrs...)
	if strings.Contains(buf.String(), "secret") {
		t.Fatalf("secret leaked: %s", buf.String())
	}
	if got := RestartRequired(&Config{Storage: StorageConfig{Path: "a"}}, &Config{Storage: StorageConfig{Path: "b"}}); len(got) != 1 || got[0] != "storage" {
		t.Fatalf("restart required %v", got)
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	t.Setenv(EnvLogLevel, "")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	write := func(s string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(s), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	write(`{"logging":{"level":"info"}}`)

	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Logging.Level == "reject" {
			return errors.New("rejected")
		}
		return nil
	})
	sub := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { _ = m.Watch(ctx); close(done) }()
	time.Sleep(100 * time.Millisecond)

	write(`{"logging":{"level":"reject"}}`)
	time.Sleep(2 * reloadDebounce)
	write(`{"logging":{"level":"debug"}}`)

	select {
	case cfg := <-sub:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("published %q", cfg.Logging.Level)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no config published")
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatalf("not committed")
	}
	cancel()
	<-done
	m.Unsubscribe(sub)
}
