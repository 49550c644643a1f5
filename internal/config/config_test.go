package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

const sampleJSON = `{
  "logging": {"level": "debug", "console": true},
  "storage": {"driver": "sqlite", "path": "./data/c.db", "busy_timeout": "2s"},
  "queue": {"max_attempts": 5, "queues": {"sla-tracking": {"concurrency": 2, "rate_per_sec": -1}}},
  "scheduler": {"timezone": "Europe/Berlin", "overrides": {"SLA_BREACH_TRACKING": "*/30 * * * *"}, "disabled": ["JOB_HISTORY_CLEANUP"]},
  "deadlines": {"due_soon_window": "7d", "sla_grace": "48h"},
  "sla": {"escalate_after": "1d", "roles": ["MANAGER"]},
  "triggers": {"strict_conditions": true, "cel": true},
  "jobs": {"retention": "30d"}
}`

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./data/c.db
  busy_timeout: 2s
queue:
  max_attempts: 5
  queues:
    sla-tracking:
      concurrency: 2
      rate_per_sec: -1
scheduler:
  timezone: Europe/Berlin
  overrides:
    SLA_BREACH_TRACKING: "*/30 * * * *"
  disabled: [JOB_HISTORY_CLEANUP]
deadlines:
  due_soon_window: 7d
  sla_grace: 48h
sla:
  escalate_after: 1d
  roles: [MANAGER]
triggers:
  strict_conditions: true
  cel: true
jobs:
  retention: 30d
`

func TestDecodeJSONAndYAMLAgree(t *testing.T) {
	t.Parallel()
	fromJSON, err := Decode("c.json", []byte(sampleJSON))
	if err != nil {
		t.Fatalf("Decode json: %v", err)
	}
	fromYAML, err := Decode("c.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode yaml: %v", err)
	}
	if !reflect.DeepEqual(fromJSON, fromYAML) {
		t.Fatalf("json and yaml differ:\njson=%+v\nyaml=%+v", fromJSON, fromYAML)
	}
	if got := fromJSON.Queue.Queues["sla-tracking"].RatePerSec; got != -1 {
		t.Fatalf("rate_per_sec = %v, want -1", got)
	}
	if !fromJSON.QueueEnabled() || !fromJSON.SchedulerEnabled() {
		t.Fatalf("omitted enabled flags should default to true")
	}
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		path string
		data string
	}{
		{name: "unknown json key", path: "c.json", data: `{"telegram": {}}`},
		{name: "unknown nested key", path: "c.json", data: `{"queue": {"workers": 3}}`},
		{name: "unknown yaml key", path: "c.yml", data: "sla:\n  batch: 10\n"},
		{name: "trailing data", path: "c.json", data: `{} {}`},
		{name: "bad yaml", path: "c.yaml", data: "logging: [\n"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode(tt.path, []byte(tt.data)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestDecodeEmptyYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("c.yaml", []byte("# nothing here\n"))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Storage.Driver != "" {
		t.Fatalf("expected zero config, got %+v", cfg)
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want time.Duration
		err  bool
	}{
		{raw: "", want: 0},
		{raw: " 90s ", want: 90 * time.Second},
		{raw: "7d", want: 7 * 24 * time.Hour},
		{raw: "0d", want: 0},
		{raw: "1h30m", want: 90 * time.Minute},
		{raw: "-1s", err: true},
		{raw: "xd", err: true},
		{raw: "soon", err: true},
	}
	for _, tt := range tests {
		got, err := ParseDurationField("f", tt.raw)
		if tt.err {
			if err == nil {
				t.Fatalf("ParseDurationField(%q) expected error", tt.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseDurationField(%q): %v", tt.raw, err)
		}
		if got != tt.want {
			t.Fatalf("ParseDurationField(%q) = %s, want %s", tt.raw, got, tt.want)
		}
	}

	if d, err := ParseDurationOrDefault("f", "", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("ParseDurationOrDefault default = %s, %v", d, err)
	}
}

func TestSummarizeChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Storage: StorageConfig{Driver: "postgres", DSN: "postgres://u:old@db/c"}}
	newCfg := &Config{
		Storage:   StorageConfig{Driver: "postgres", DSN: "postgres://u:new@db/c"},
		Redis:     &RedisConfig{Addr: "localhost:6379", Password: "hunter2"},
		Scheduler: SchedulerConfig{Timezone: "UTC"},
	}
	changed, attrs := SummarizeChange(oldCfg, newCfg)
	want := []string{"redis", "scheduler", "storage"}
	if !reflect.DeepEqual(changed, want) {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	if len(attrs) == 0 {
		t.Fatalf("expected attrs")
	}
	if got := NeedsRestart(changed); !reflect.DeepEqual(got, []string{"redis", "storage"}) {
		t.Fatalf("NeedsRestart = %v", got)
	}
	if changed, _ := SummarizeChange(newCfg, newCfg); len(changed) != 0 {
		t.Fatalf("identical configs reported %v", changed)
	}
}

func writeFile(t *testing.T, path, data string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestManagerReloadValidatesAndPublishes(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "complianced.json")
	writeFile(t, path, `{"logging": {"level": "info"}}`)

	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx := context.Background()
	if ok, err := m.Reload(ctx); err != nil || ok {
		t.Fatalf("unchanged Reload = %v, %v", ok, err)
	}

	errBad := errors.New("bad timezone")
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if strings.HasPrefix(cfg.Scheduler.Timezone, "Mars/") {
			return errBad
		}
		return nil
	})
	writeFile(t, path, `{"scheduler": {"timezone": "Mars/Olympus"}}`)
	if ok, err := m.Reload(ctx); !errors.Is(err, errBad) || ok {
		t.Fatalf("rejected Reload = %v, %v", ok, err)
	}
	if m.Get().Logging.Level != "info" {
		t.Fatalf("rejected config was committed")
	}

	writeFile(t, path, `{"logging": {"level": "debug"}}`)
	if ok, err := m.Reload(ctx); err != nil || !ok {
		t.Fatalf("Reload = %v, %v", ok, err)
	}
	select {
	case cfg := <-sub:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("published level = %q", cfg.Logging.Level)
		}
	default:
		t.Fatalf("expected a published config")
	}
}

func TestManagerPublishKeepsNewest(t *testing.T) {
	t.Parallel()
	m := NewManager("unused.json")
	sub := m.Subscribe(1)
	first := &Config{Jobs: JobsConfig{Retention: "1d"}}
	second := &Config{Jobs: JobsConfig{Retention: "2d"}}
	m.publish(first)
	m.publish(second)
	if got := <-sub; got != second {
		t.Fatalf("subscriber got %+v, want newest", got)
	}
	m.Unsubscribe(sub)
	if _, ok := <-sub; ok {
		t.Fatalf("channel should be closed after Unsubscribe")
	}
}

func TestManagerWatchPicksUpEdits(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "complianced.yaml")
	writeFile(t, path, "logging:\n  level: info\n")

	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(300 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-sub:
			if cfg.Logging.Level == "warn" {
				return
			}
		case <-tick.C:
			// The watcher may not be armed yet; keep touching the file.
			writeFile(t, path, "logging:\n  level: warn\n")
		case <-deadline:
			t.Fatalf("watch did not publish the edit")
		}
	}
}
