package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all mediaflow server configuration.
// Priority: CLI flags > env vars > settings.json > defaults.
type Config struct {
	ListenAddr string `json:"listen_addr"`
	DBPath     string `json:"db_path"`
	LogLevel   string `json:"log_level"`
	LogFormat  string `json:"log_format"`

	PoolSize      int      `json:"pool_size"`
	PollInterval  Duration `json:"poll_interval"`
	LeaseDuration Duration `json:"lease_duration"`

	SchedulerTick    Duration `json:"scheduler_tick"`
	SchedulerEnabled bool     `json:"scheduler_enabled"`

	MetadataURL   string `json:"metadata_url"`
	TranscribeURL string `json:"transcribe_url"`
	GenerateURL   string `json:"generate_url"`
	ServiceToken  string `json:"service_token"`

	// TraceSpans logs finished attempt and step spans at debug level.
	TraceSpans bool `json:"trace_spans"`
}

// memoryDB selects the in-memory store instead of a libSQL file.
const memoryDB = "memory"

// Duration is a time.Duration that reads "30s" style strings from JSON.
type Duration time.Duration

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("duration must be a string or integer: %s", b)
	}
	*d = Duration(n)
	return nil
}

// MarshalJSON writes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func defaultConfig() Config {
	return Config{
		ListenAddr:       ":4200",
		DBPath:           filepath.Join(mediaflowDir(), "mediaflow.db"),
		LogLevel:         "info",
		LogFormat:        "text",
		PoolSize:         10,
		PollInterval:     Duration(time.Second),
		LeaseDuration:    Duration(5 * time.Minute),
		SchedulerTick:    Duration(30 * time.Second),
		SchedulerEnabled: true,
	}
}

func mediaflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mediaflow"
	}
	return filepath.Join(home, ".mediaflow")
}

func settingsPath() string {
	return filepath.Join(mediaflowDir(), "settings.json")
}

// loadConfig layers defaults, the settings file at path and MEDIAFLOW_*
// environment variables. A missing settings file is not an error; a
// malformed one is.
func loadConfig(path string, getenv func(string) string) (Config, error) {
	cfg := defaultConfig()

	// Layer 2: settings.json.
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("read %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	// Layer 3: env vars override.
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	str("MEDIAFLOW_LISTEN_ADDR", &cfg.ListenAddr)
	str("MEDIAFLOW_DB_PATH", &cfg.DBPath)
	str("MEDIAFLOW_LOG_LEVEL", &cfg.LogLevel)
	str("MEDIAFLOW_LOG_FORMAT", &cfg.LogFormat)
	str("MEDIAFLOW_METADATA_URL", &cfg.MetadataURL)
	str("MEDIAFLOW_TRANSCRIBE_URL", &cfg.TranscribeURL)
	str("MEDIAFLOW_GENERATE_URL", &cfg.GenerateURL)
	str("MEDIAFLOW_SERVICE_TOKEN", &cfg.ServiceToken)

	if v := getenv("MEDIAFLOW_POOL_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("MEDIAFLOW_POOL_SIZE: %w", err)
		}
		cfg.PoolSize = n
	}
	for key, dst := range map[string]*Duration{
		"MEDIAFLOW_POLL_INTERVAL":  &cfg.PollInterval,
		"MEDIAFLOW_LEASE_DURATION": &cfg.LeaseDuration,
		"MEDIAFLOW_SCHEDULER_TICK": &cfg.SchedulerTick,
	} {
		if v := getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return cfg, fmt.Errorf("%s: %w", key, err)
			}
			*dst = Duration(d)
		}
	}
	if v := getenv("MEDIAFLOW_SCHEDULER_ENABLED"); v != "" {
		cfg.SchedulerEnabled = v == "true" || v == "1"
	}
	if v := getenv("MEDIAFLOW_TRACE_SPANS"); v != "" {
		cfg.TraceSpans = v == "true" || v == "1"
	}
	return cfg, nil
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	RestartNeeded   []string // fields that require a server restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	restart := []struct {
		name    string
		changed bool
	}{
		{"listen_addr", old.ListenAddr != new.ListenAddr},
		{"db_path", old.DBPath != new.DBPath},
		{"log_format", old.LogFormat != new.LogFormat},
		{"pool_size", old.PoolSize != new.PoolSize},
		{"poll_interval", old.PollInterval != new.PollInterval},
		{"lease_duration", old.LeaseDuration != new.LeaseDuration},
		{"scheduler_tick", old.SchedulerTick != new.SchedulerTick},
		{"scheduler_enabled", old.SchedulerEnabled != new.SchedulerEnabled},
		{"metadata_url", old.MetadataURL != new.MetadataURL},
		{"transcribe_url", old.TranscribeURL != new.TranscribeURL},
		{"generate_url", old.GenerateURL != new.GenerateURL},
		{"service_token", old.ServiceToken != new.ServiceToken},
		{"trace_spans", old.TraceSpans != new.TraceSpans},
	}
	for _, f := range restart {
		if f.changed {
			d.RestartNeeded = append(d.RestartNeeded, f.name)
		}
	}
	return d
}
