package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ehrlich-b/threadline/internal/ws"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("(-default +loaded):\n%s", diff)
	}
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, `
session:
  url: https://relay.example.com
reconnect:
  base: 250ms
  max: 5s
  max_attempts: 4
  heartbeat: 0
buffer:
  capacity: 16
  overflow: reject_newest
timeouts:
  commit: 3
switch:
  update_url: true
send_rate:
  per_second: 5
logging:
  level: debug
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Session.URL != "https://relay.example.com" {
		t.Errorf("url = %q", cfg.Session.URL)
	}
	want := ws.ReconnectPolicy{Base: 250 * time.Millisecond, Max: 5 * time.Second, Multiplier: 2, Jitter: 0.2, MaxAttempts: 4}
	if diff := cmp.Diff(want, cfg.ReconnectPolicy()); diff != "" {
		t.Errorf("policy (-want +got):\n%s", diff)
	}
	if cfg.Timeouts.Commit.D() != 3*time.Second {
		t.Errorf("bare integer commit timeout = %s, want 3s", cfg.Timeouts.Commit)
	}
	if cfg.Timeouts.Load.D() != 10*time.Second {
		t.Errorf("unset load timeout = %s, want default 10s", cfg.Timeouts.Load)
	}

	opts := cfg.ClientOptions(nil)
	if opts.Overflow != ws.RejectNewest || opts.BufferSize != 16 || opts.Heartbeat != 0 {
		t.Errorf("client options = %+v", opts)
	}
	if opts.SendRate != 5 || opts.SendBurst != 1 {
		t.Errorf("send rate = %v/%d", opts.SendRate, opts.SendBurst)
	}
	sw := cfg.SwitchOptions()
	if !sw.ClearMessages || !sw.UpdateURL || sw.Limit != 200 {
		t.Errorf("switch options = %+v", sw)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("THREADLINE_URL", "http://env:1")
	t.Setenv("THREADLINE_TOKEN", "secret")
	t.Setenv("THREADLINE_DB", "/tmp/env.db")
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Session.URL != "http://env:1" || cfg.Session.Token != "secret" || cfg.Relay.Token != "secret" || cfg.Database.Path != "/tmp/env.db" {
		t.Errorf("env not applied: %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no url", func(c *Config) { c.Session.URL = "" }, "session.url"},
		{"max below base", func(c *Config) { c.Reconnect.Max = Duration(time.Millisecond) }, "below base"},
		{"shrinking multiplier", func(c *Config) { c.Reconnect.Multiplier = 0.5 }, "multiplier"},
		{"jitter", func(c *Config) { c.Reconnect.Jitter = 2 }, "jitter"},
		{"capacity", func(c *Config) { c.Buffer.Capacity = 0 }, "buffer.capacity"},
		{"overflow", func(c *Config) { c.Buffer.Overflow = "block" }, "buffer.overflow"},
		{"negative timeout", func(c *Config) { c.Timeouts.Commit = -1 }, "timeouts"},
		{"db", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error mentioning %q", err, tt.want)
			}
		})
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "reconnect:\n  base: soon\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.Reconnect.Base = Duration(1500 * time.Millisecond)
	cfg.Session.Token = "tok"
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "base: 1.5s") {
		t.Errorf("durations not written as strings:\n%s", data)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(cfg, got); diff != "" {
		t.Errorf("(-saved +loaded):\n%s", diff)
	}
}

func TestDefaultPathFromEnv(t *testing.T) {
	t.Setenv("THREADLINE_CONFIG", "/etc/threadline.yaml")
	if got := DefaultPath(); got != "/etc/threadline.yaml" {
		t.Errorf("DefaultPath() = %q", got)
	}
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, "logging:\n  level: info\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	type result struct {
		cfg *Config
		err error
	}
	got := make(chan result, 8)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(cfg *Config, err error) { got <- result{cfg, err} })
	}()

	// Keep rewriting until the watcher is registered and reports the change.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	var r result
wait:
	for {
		select {
		case r = <-got:
			break wait
		case <-tick.C:
			writeFile(t, path, "logging:\n  level: debug\n")
		case <-deadline:
			t.Fatal("no reload")
		}
	}
	if r.err != nil || r.cfg.Logging.Level != "debug" {
		t.Fatalf("reload = %+v, %v", r.cfg, r.err)
	}

	// Unrelated files in the directory are ignored; invalid edits are reported.
	writeFile(t, filepath.Join(dir, "other.yaml"), "x: 1\n")
	writeFile(t, path, "logging:\n  level: loud\n")
	select {
	case r = <-got:
		for r.err == nil {
			r = <-got
		}
		if r.cfg != nil {
			t.Errorf("invalid reload returned config %+v", r.cfg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("invalid edit not reported")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch returned %v", err)
	}
}
