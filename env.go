package cadre

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// FromEnv overlays CADRE_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	if v := os.Getenv("CADRE_MODE"); v != "" {
		mode := BackendMode(strings.ToLower(strings.TrimSpace(v)))
		if mode.Valid() {
			cfg.Mode = mode
		}
	}
	if v := os.Getenv("CADRE_FALLBACK_TO_MEMORY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.FallbackToMemory = b
		}
	}
	if v := os.Getenv("CADRE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("CADRE_FSYNC"); v != "" {
		cfg.Fsync = v
	}
	if v := os.Getenv("CADRE_POSTGRES_URL"); v != "" {
		cfg.PostgresURL = v
	}
	if v := os.Getenv("CADRE_QUEUE_VISIBILITY_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Queue.VisibilityWindow = Duration(d)
		}
	}
	if v := os.Getenv("CADRE_QUEUE_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Queue.PollInterval = Duration(d)
		}
	}
	if v := os.Getenv("CADRE_QUEUE_MAX_PAYLOAD_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.MaxPayloadBytes = n
		}
	}
	if v := os.Getenv("CADRE_REGISTRY_DEFAULT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Registry.DefaultTTL = Duration(d)
		}
	}
	if v := os.Getenv("CADRE_STATE_DEFAULT_LOCK_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.State.DefaultLockTTL = Duration(d)
		}
	}
	if v := os.Getenv("CADRE_STATE_MAX_VALUE_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.State.MaxValueBytes = n
		}
	}
	if v := os.Getenv("CADRE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("CADRE_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("CADRE_HTTP_ADDR"); v != "" {
		cfg.Server.HTTPAddr = v
	}
	if v := os.Getenv("CADRE_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.SweepInterval = Duration(d)
		}
	}
	if v := os.Getenv("CADRE_SWEEP_QUEUES"); v != "" {
		cfg.Server.SweepQueues = nil
		for _, p := range strings.Split(v, ",") {
			p = strings.TrimSpace(p)
			if p != "" {
				cfg.Server.SweepQueues = append(cfg.Server.SweepQueues, p)
			}
		}
	}
}
