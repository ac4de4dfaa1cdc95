package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

const sampleYAML = `
app:
  app_id: "abc"
  api_key: "secret"
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./egoipush.db
  busy_timeout: 2s
outbox:
  workers: 3
  retry_base: 500ms
  sweep: "off"
api:
  rate_per_sec: 5
geofence:
  loitering_delay: 30s
  trigger_on_enter: true
dedup:
  max_entries: 100
`

func TestLoadYAMLAndConvert(t *testing.T) {
	p := writeFile(t, t.TempDir(), "egoipush.yaml", sampleYAML)
	cfg, err := NewManager(p).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.App.AppID != "abc" || !cfg.GeoEnabled() {
		t.Fatalf("app = %+v geo=%v", cfg.App, cfg.GeoEnabled())
	}

	sc, err := cfg.StorageOptions()
	if err != nil || sc.Driver != "sqlite" || sc.BusyTimeout != 2*time.Second {
		t.Fatalf("storage = %+v err=%v", sc, err)
	}
	oc, err := cfg.OutboxOptions()
	if err != nil || oc.Workers != 3 || oc.RetryBase != 500*time.Millisecond || oc.Sweep != "" {
		t.Fatalf("outbox = %+v err=%v", oc, err)
	}
	gc, err := cfg.GeofenceOptions()
	if err != nil || gc.LoiteringDelay != 30*time.Second || !gc.TriggerOnEnter {
		t.Fatalf("geofence = %+v err=%v", gc, err)
	}
	cc, err := cfg.ClientOptions()
	if err != nil || cc.RatePerSec != 5 || cc.Timeout != 15*time.Second {
		t.Fatalf("client = %+v err=%v", cc, err)
	}
	if cfg.HTTPAddr() != DefaultHTTPAddr {
		t.Fatalf("addr = %q", cfg.HTTPAddr())
	}
}

func TestDefaultsWhenOmitted(t *testing.T) {
	p := writeFile(t, t.TempDir(), "c.json", `{"app":{"app_id":"a","api_key":"k","geo_enabled":false}}`)
	cfg, err := NewManager(p).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GeoEnabled() {
		t.Fatal("explicit geo_enabled=false ignored")
	}
	oc, _ := cfg.OutboxOptions()
	if oc.Sweep == "" || oc.RetryBase <= 0 {
		t.Fatalf("outbox defaults = %+v", oc)
	}
	gc, _ := cfg.GeofenceOptions()
	if gc.LoiteringDelay <= 0 {
		t.Fatalf("loitering default = %v", gc.LoiteringDelay)
	}
}

func TestParseRejectsUnknownAndTrailing(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"unknown.yaml":  "app:\n  app_id: a\n  telegram: x\n",
		"trailing.json": `{"app":{}} {"app":{}}`,
		"numeric.yml":   "1: x\n",
	}
	for name, body := range cases {
		p := writeFile(t, dir, name, body)
		if _, err := NewManager(p).Parse(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	if _, err := Decode("blank.yaml", []byte("  \n")); !errors.Is(err, ErrEmptyFile) {
		t.Fatalf("blank file err = %v", err)
	}
}

func TestReloadCommitsOnlyRealChanges(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "c.yaml", "app:\n  app_id: one\n")
	m := NewManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok, err := m.Reload(); ok || err != nil {
		t.Fatalf("unchanged Reload ok=%v err=%v", ok, err)
	}

	writeFile(t, dir, "c.yaml", "app:\n  app_id: one\nstorage:\n  driver: mongo\n")
	if _, ok, err := m.Reload(); ok || err == nil {
		t.Fatalf("invalid Reload ok=%v err=%v", ok, err)
	}
	if m.Current().Storage.Driver != "" {
		t.Fatal("invalid config was committed")
	}

	writeFile(t, dir, "c.yaml", "app:\n  app_id: two\nhttp:\n  addr: 127.0.0.1:9\n")
	ch, ok, err := m.Reload()
	if !ok || err != nil {
		t.Fatalf("Reload ok=%v err=%v", ok, err)
	}
	if !ch.Has("app") || !ch.Has("http") || ch.Has("logging") {
		t.Fatalf("sections = %v", ch.Sections)
	}
	if r := ch.Restart(); len(r) != 1 || r[0] != "http" {
		t.Fatalf("restart = %v", r)
	}
	if ch.Old.App.AppID != "one" || ch.New.App.AppID != "two" || m.Current() != ch.New {
		t.Fatalf("old=%q new=%q", ch.Old.App.AppID, ch.New.App.AppID)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"driver", Config{Storage: StorageConfig{Driver: "mongo"}}},
		{"path", Config{Storage: StorageConfig{Driver: "file"}}},
		{"duration", Config{Outbox: OutboxConfig{RetryBase: "soon"}}},
		{"negative", Config{API: APIConfig{Timeout: "-1s"}}},
		{"jitter", Config{Outbox: OutboxConfig{RetryJitter: 2}}},
		{"dedup", Config{Dedup: DedupConfig{MaxEntries: -1}}},
		{"http", Config{HTTP: HTTPConfig{ReadTimeout: "x"}}},
	}
	for _, tc := range cases {
		if err := tc.cfg.Validate(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
	var ok Config
	if err := ok.Validate(); err != nil {
		t.Fatalf("zero config: %v", err)
	}
}

func TestSummarizeNeverLeaksSecrets(t *testing.T) {
	oldCfg := &Config{App: AppConfig{AppID: "a", APIKey: "old-secret"}}
	newCfg := &Config{App: AppConfig{AppID: "a", APIKey: "new-secret"}, Dedup: DedupConfig{MaxEntries: 5}}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "app,dedup" {
		t.Fatalf("changed = %v", changed)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}
	if c, _ := SummarizeConfigChange(newCfg, newCfg); len(c) != 0 {
		t.Fatalf("unchanged config reported %v", c)
	}
}

func TestWatchPublishesChanges(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "c.json", `{"app":{"app_id":"one"}}`)
	m := NewManager(p, WithDebounce(50*time.Millisecond))
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(300 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case ch := <-m.Changes():
			if ch.New.App.AppID != "two" || !ch.Has("app") {
				t.Fatalf("published %q sections=%v", ch.New.App.AppID, ch.Sections)
			}
			if m.Current().App.AppID != "two" {
				t.Fatal("Current did not see the commit")
			}
			return
		case <-tick.C:
			// rewrite until the watcher is up and sees the change
			writeFile(t, dir, "c.json", `{"app":{"app_id":"two"}}`)
		case <-deadline:
			t.Fatal("no config published")
		}
	}
}
