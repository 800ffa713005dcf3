package cadre

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that marshals as a duration string ("30s") in
// JSON and YAML config files. Raw integers are still accepted and read as
// nanoseconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) set(v any) error {
	switch x := v.(type) {
	case float64:
		*d = Duration(time.Duration(x))
	case int:
		*d = Duration(time.Duration(x))
	case int64:
		*d = Duration(time.Duration(x))
	case string:
		parsed, err := time.ParseDuration(x)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", x, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration value %v", v)
	}
	return nil
}

// BackendMode selects which backend implementation Open constructs.
type BackendMode string

const (
	// ModeMemory keeps everything in process. Coordination is visible only
	// within one process; state is lost on exit.
	ModeMemory BackendMode = "memory"
	// ModePebble persists to a local pebble store. Single process, durable.
	ModePebble BackendMode = "pebble"
	// ModePostgres coordinates across processes through a shared database.
	ModePostgres BackendMode = "postgres"
)

// Valid reports whether m names a known mode.
func (m BackendMode) Valid() bool {
	switch m {
	case ModeMemory, ModePebble, ModePostgres:
		return true
	}
	return false
}

// Config is the top-level configuration loaded from file/env.
type Config struct {
	// Mode selects the backend. Defaults to memory.
	Mode BackendMode `json:"mode" yaml:"mode"`
	// FallbackToMemory lets Open degrade to the in-process backend when the
	// configured backend cannot be reached. The degradation is logged loudly;
	// cross-process coordination silently narrowing to one process is exactly
	// the failure this flag makes an explicit choice.
	FallbackToMemory bool `json:"fallbackToMemory" yaml:"fallbackToMemory"`

	// DataDir holds the pebble store in ModePebble.
	DataDir string `json:"dataDir" yaml:"dataDir"`
	// Fsync is the pebble durability mode: always, interval, or never.
	Fsync string `json:"fsync" yaml:"fsync"`
	// PostgresURL is the DSN in ModePostgres.
	PostgresURL string `json:"postgresUrl" yaml:"postgresUrl"`

	Queue    QueueConfig    `json:"queue" yaml:"queue"`
	Registry RegistryConfig `json:"registry" yaml:"registry"`
	State    StateConfig    `json:"state" yaml:"state"`
	Log      LogConfig      `json:"log" yaml:"log"`
	Server   ServerConfig   `json:"server" yaml:"server"`
}

// QueueConfig tunes the message queue.
type QueueConfig struct {
	VisibilityWindow Duration `json:"visibilityWindow" yaml:"visibilityWindow"`
	PollInterval     Duration `json:"pollInterval" yaml:"pollInterval"`
	MaxPayloadBytes  int      `json:"maxPayloadBytes" yaml:"maxPayloadBytes"`
}

// RegistryConfig tunes the service registry.
type RegistryConfig struct {
	DefaultTTL Duration `json:"defaultTtl" yaml:"defaultTtl"`
}

// StateConfig tunes the state manager.
type StateConfig struct {
	DefaultLockTTL Duration `json:"defaultLockTtl" yaml:"defaultLockTtl"`
	MaxValueBytes  int      `json:"maxValueBytes" yaml:"maxValueBytes"`
}

// LogConfig tunes logging output.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// ServerConfig tunes the daemon's operational HTTP listener and sweepers.
type ServerConfig struct {
	HTTPAddr      string   `json:"httpAddr" yaml:"httpAddr"`
	SweepInterval Duration `json:"sweepInterval" yaml:"sweepInterval"`
	// SweepQueues lists queues the daemon runs RequeueStale on.
	SweepQueues []string `json:"sweepQueues" yaml:"sweepQueues"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		Mode:             ModeMemory,
		FallbackToMemory: false,
		DataDir:          "data",
		Fsync:            "always",
		Queue: QueueConfig{
			VisibilityWindow: Duration(30 * time.Second),
			PollInterval:     Duration(100 * time.Millisecond),
			MaxPayloadBytes:  1 << 20,
		},
		Registry: RegistryConfig{DefaultTTL: Duration(30 * time.Second)},
		State: StateConfig{
			DefaultLockTTL: Duration(30 * time.Second),
			MaxValueBytes:  1 << 20,
		},
		Log: LogConfig{Level: "info", Format: "text"},
		Server: ServerConfig{
			HTTPAddr:      ":9480",
			SweepInterval: Duration(10 * time.Second),
		},
	}
}

// Load reads configuration from a JSON or YAML file by extension. An empty
// path returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if !cfg.Mode.Valid() {
		return Config{}, fmt.Errorf("parse %s: unknown mode %q", path, cfg.Mode)
	}
	return cfg, nil
}
