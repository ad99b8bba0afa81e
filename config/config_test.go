package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadFileAppliesDefaults(t *testing.T) {
	path := writeFile(t, t.TempDir(), "fightlink.yaml", `console:
  host: "192.168.1.40"
metrics:
  enabled: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Console.Host != "192.168.1.40" || cfg.Console.Port != 42069 {
		t.Fatalf("unexpected console %+v", cfg.Console)
	}
	if cfg.ResetDebounce() != time.Second {
		t.Fatalf("expected 1s debounce default, got %s", cfg.ResetDebounce())
	}
	if cfg.Session.EventQueue != 1024 || cfg.Mapping.CachePath == "" {
		t.Fatalf("defaults not applied: %+v %+v", cfg.Session, cfg.Mapping)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Listen == "" {
		t.Fatalf("unexpected metrics %+v", cfg.Metrics)
	}
	if cfg.LoadedFrom != path {
		t.Fatalf("expected LoadedFrom=%s, got %s", path, cfg.LoadedFrom)
	}
}

func TestLoadDirectoryMergesFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "app.yaml", `console:
  host: "alpha"
  port: 5000
session:
  training_reset_debounce_ms: 250
`)
	writeFile(t, dir, "mqtt.yml", `console:
  host: "beta"
mqtt:
  enabled: true
  broker: "broker.lan"
`)
	writeFile(t, dir, "notes.txt", "not yaml: [")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Console.Host != "beta" {
		t.Fatalf("later file should override host, got %q", cfg.Console.Host)
	}
	if cfg.Console.Port != 5000 {
		t.Fatalf("port from app.yaml should survive the merge, got %d", cfg.Console.Port)
	}
	if cfg.ResetDebounce() != 250*time.Millisecond {
		t.Fatalf("unexpected debounce %s", cfg.ResetDebounce())
	}
	if !cfg.MQTT.Enabled || cfg.MQTT.Broker != "broker.lan" || cfg.MQTT.Port != 1883 {
		t.Fatalf("unexpected mqtt %+v", cfg.MQTT)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"port.yaml":  "console:\n  port: 70000\n",
		"mqtt.yaml":  "mqtt:\n  enabled: true\n",
		"neg.yaml":   "session:\n  training_reset_debounce_ms: -5\n",
		"parse.yaml": "console: [\n",
	}
	for name, body := range cases {
		path := writeFile(t, dir, name, body)
		if _, err := Load(path); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoadEmptyDirectory(t *testing.T) {
	if _, err := Load(t.TempDir()); err == nil || !strings.Contains(err.Error(), "no YAML files") {
		t.Fatalf("expected empty directory error, got %v", err)
	}
}

func TestResolvePath(t *testing.T) {
	t.Setenv(EnvPath, "")
	if got := ResolvePath(""); got != DefaultPath {
		t.Fatalf("expected default path, got %q", got)
	}
	t.Setenv(EnvPath, "/etc/fightlink")
	if got := ResolvePath(""); got != "/etc/fightlink" {
		t.Fatalf("expected env path, got %q", got)
	}
	if got := ResolvePath("cfg.yaml"); got != "cfg.yaml" {
		t.Fatalf("flag should win, got %q", got)
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Emulator.Listen != "0.0.0.0:42069" || cfg.Emulator.Speed != 1 {
		t.Fatalf("unexpected emulator defaults %+v", cfg.Emulator)
	}
}
