package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
telegram:
  poll_timeout: "15s"
  ops_chat_id: -100200300
logging:
  level: "debug"
  console: true
  file:
    enabled: true
    path: "/var/log/proposalbot.log"
  telegram:
    enabled: true
    min_level: "warn"
    rate_per_sec: 1
directory:
  path: "/var/lib/proposalbot/directory.db"
  reconcile_every: "30s"
notifier:
  rate_per_sec: 20
  retry_max: 3
  retry_base: "250ms"
moderation:
  undo_window: "5m"
  edit_timeout: "10m"
  submission_ttl: "24h"
  sweep_every: "5m"
scheduler:
  enabled: true
  tick_every: "15s"
  history_size: 100
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram.PollTimeout != "15s" || cfg.Telegram.OpsChatID != -100200300 {
		t.Fatalf("telegram = %+v", cfg.Telegram)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.File.Enabled {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Directory.Path != "/var/lib/proposalbot/directory.db" {
		t.Fatalf("directory = %+v", cfg.Directory)
	}
	if cfg.Notifier.RetryMax != 3 || cfg.Moderation.UndoWindow != "5m" {
		t.Fatalf("notifier=%+v moderation=%+v", cfg.Notifier, cfg.Moderation)
	}
	if !cfg.Scheduler.Enabled || cfg.Scheduler.HistorySize != 100 {
		t.Fatalf("scheduler = %+v", cfg.Scheduler)
	}
	if m.Get() != cfg {
		t.Fatal("Load should commit the parsed config")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "telegram:\n  poll_timeout: \"5s\"\n  bogus_field: 1\n"))
	if _, err := m.Parse(); err == nil {
		t.Fatal("unknown field should be rejected")
	}
}

func TestParseDuration(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		raw     string
		def     time.Duration
		want    time.Duration
		wantErr string
	}{
		{name: "empty uses default", raw: "", def: time.Minute, want: time.Minute},
		{name: "valid", raw: "250ms", want: 250 * time.Millisecond},
		{name: "whitespace", raw: "  2h ", want: 2 * time.Hour},
		{name: "garbage", raw: "soon", wantErr: "invalid duration"},
		{name: "negative", raw: "-5s", wantErr: "must be >= 0"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDuration("test.field", tt.raw, tt.def)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
				}
				if err != nil && !strings.Contains(err.Error(), "test.field") {
					t.Fatalf("err %v should name the field", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSubscribePublishDropsOldest(t *testing.T) {
	t.Parallel()
	m := NewManager("unused")
	ch := m.Subscribe(1)

	first := &Config{Telegram: TelegramConfig{PollTimeout: "1s"}}
	second := &Config{Telegram: TelegramConfig{PollTimeout: "2s"}}
	m.publish(first)
	m.publish(second)

	got := <-ch
	if got.Telegram.PollTimeout != "2s" {
		t.Fatalf("subscriber should see the newest config, got %q", got.Telegram.PollTimeout)
	}
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("unsubscribe should close the channel")
	}
}
