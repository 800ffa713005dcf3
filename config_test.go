package cadre

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Mode != ModeMemory {
		t.Fatalf("default mode = %q", cfg.Mode)
	}
	if cfg.Queue.VisibilityWindow != Duration(30*time.Second) {
		t.Fatalf("default visibility window")
	}
	if cfg.Registry.DefaultTTL != Duration(30*time.Second) {
		t.Fatalf("default registry ttl")
	}
	if cfg.Server.HTTPAddr == "" {
		t.Fatalf("default http addr")
	}
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "cadre.json")
	data := []byte(`{"mode":"pebble","dataDir":"/var/lib/cadre","queue":{"maxPayloadBytes":2048}}`)
	if err := os.WriteFile(file, data, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModePebble || cfg.DataDir != "/var/lib/cadre" {
		t.Fatalf("loaded: %+v", cfg)
	}
	if cfg.Queue.MaxPayloadBytes != 2048 {
		t.Fatalf("queue override lost")
	}
	// Untouched fields keep their defaults.
	if cfg.Registry.DefaultTTL != Duration(30*time.Second) {
		t.Fatalf("default lost on partial load")
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "cadre.yaml")
	data := []byte("mode: postgres\npostgresUrl: postgres://localhost/cadre\nlog:\n  level: debug\n")
	if err := os.WriteFile(file, data, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModePostgres || cfg.PostgresURL != "postgres://localhost/cadre" {
		t.Fatalf("loaded: %+v", cfg)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("log level override lost")
	}
}

func TestLoadDurationStrings(t *testing.T) {
	dir := t.TempDir()

	jsonFile := filepath.Join(dir, "cadre.json")
	jsonData := []byte(`{"queue":{"visibilityWindow":"45s","pollInterval":"250ms"},"server":{"sweepInterval":"1m"}}`)
	if err := os.WriteFile(jsonFile, jsonData, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(jsonFile)
	if err != nil {
		t.Fatalf("load json: %v", err)
	}
	if cfg.Queue.VisibilityWindow != Duration(45*time.Second) {
		t.Fatalf("visibility window = %v", cfg.Queue.VisibilityWindow)
	}
	if cfg.Queue.PollInterval != Duration(250*time.Millisecond) {
		t.Fatalf("poll interval = %v", cfg.Queue.PollInterval)
	}
	if cfg.Server.SweepInterval != Duration(time.Minute) {
		t.Fatalf("sweep interval = %v", cfg.Server.SweepInterval)
	}

	yamlFile := filepath.Join(dir, "cadre.yaml")
	yamlData := []byte("queue:\n  visibilityWindow: 45s\nregistry:\n  defaultTtl: 90s\n")
	if err := os.WriteFile(yamlFile, yamlData, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err = Load(yamlFile)
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if cfg.Queue.VisibilityWindow != Duration(45*time.Second) {
		t.Fatalf("yaml visibility window = %v", cfg.Queue.VisibilityWindow)
	}
	if cfg.Registry.DefaultTTL != Duration(90*time.Second) {
		t.Fatalf("yaml registry ttl = %v", cfg.Registry.DefaultTTL)
	}

	badFile := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(badFile, []byte(`{"queue":{"visibilityWindow":"soon"}}`), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(badFile); err == nil {
		t.Fatalf("unparseable duration accepted")
	}
}

func TestLoadRejectsUnknownMode(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "cadre.json")
	if err := os.WriteFile(file, []byte(`{"mode":"redis"}`), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(file); err == nil {
		t.Fatalf("unknown mode accepted")
	}
}

func TestFromEnv(t *testing.T) {
	cfg := Default()
	t.Setenv("CADRE_MODE", "postgres")
	t.Setenv("CADRE_POSTGRES_URL", "postgres://db/cadre")
	t.Setenv("CADRE_FALLBACK_TO_MEMORY", "true")
	t.Setenv("CADRE_QUEUE_VISIBILITY_WINDOW", "45s")
	t.Setenv("CADRE_SWEEP_QUEUES", "agent.jobs, agent.events")

	FromEnv(&cfg)
	if cfg.Mode != ModePostgres || cfg.PostgresURL != "postgres://db/cadre" {
		t.Fatalf("env mode overlay: %+v", cfg)
	}
	if !cfg.FallbackToMemory {
		t.Fatalf("env bool overlay")
	}
	if cfg.Queue.VisibilityWindow != Duration(45*time.Second) {
		t.Fatalf("env duration overlay")
	}
	if len(cfg.Server.SweepQueues) != 2 || cfg.Server.SweepQueues[1] != "agent.events" {
		t.Fatalf("env list overlay: %v", cfg.Server.SweepQueues)
	}
}

func TestFromEnvIgnoresInvalid(t *testing.T) {
	cfg := Default()
	t.Setenv("CADRE_MODE", "redis")
	t.Setenv("CADRE_QUEUE_VISIBILITY_WINDOW", "soon")
	FromEnv(&cfg)
	if cfg.Mode != ModeMemory {
		t.Fatalf("invalid mode applied")
	}
	if cfg.Queue.VisibilityWindow != Duration(30*time.Second) {
		t.Fatalf("invalid duration applied")
	}
}
