// Package config handles alphonse configuration loading: an optional
// YAML file located via a search path, overlaid with ALPHONSE_-prefixed
// environment variables (§6), defaulted, then validated.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// searchPathsFunc is indirected so tests can override the search order
// without touching the real filesystem.
var searchPathsFunc = DefaultSearchPaths

// DefaultSearchPaths returns the config file search order. An explicit
// path (from a -config flag) is checked first by FindConfig. Then:
// ./config.yaml, ~/.config/alphonse/config.yaml, /config/config.yaml,
// /etc/alphonse/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "alphonse", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/alphonse/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must
// exist. Otherwise, searches searchPathsFunc() and returns the first
// path that exists. Returns an error if nothing was found; the caller
// may fall back to Default() plus environment overrides, since a
// config file is optional (§6 is env-var-first).
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range searchPathsFunc() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPathsFunc())
}

// Config holds all alphonse configuration: the ambient store/log
// settings plus one sub-config per §6 concern (observability, gateway,
// timed scheduler, slice executor, FSM boot state).
type Config struct {
	DBPath        string              `yaml:"db_path"`
	CatalogSeed   string              `yaml:"catalog_seed"`
	LogLevel      string              `yaml:"log_level"`
	Listen        ListenConfig        `yaml:"listen"`
	Observability ObservabilityConfig `yaml:"observability"`
	API           APIConfig           `yaml:"api"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Slice         SliceConfig         `yaml:"slice"`
	FSM           FSMConfig           `yaml:"fsm"`
}

// ListenConfig defines the gateway's bind address.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ObservabilityConfig controls the trace store's path, retention, and
// prune cadence (§4.11).
type ObservabilityConfig struct {
	DBPath             string `yaml:"db_path"`
	NonErrorTTLDays    int    `yaml:"non_error_ttl_days"`
	ErrorTTLDays       int    `yaml:"error_ttl_days"`
	MaxRows            int    `yaml:"max_rows"`
	MaintenanceSeconds int    `yaml:"maintenance_seconds"`
}

// APIConfig controls the HTTP gateway's auth token and synchronous
// reply wait window (§4.12).
type APIConfig struct {
	Token              string `yaml:"token"`
	MessageWaitSeconds int    `yaml:"message_wait_seconds"`
}

// Configured reports whether a gateway auth token is set. An empty
// token disables the X-Agent-API-Token check entirely.
func (c APIConfig) Configured() bool {
	return c.Token != ""
}

// SchedulerConfig controls the timed scheduler's wake interval and row
// lease duration (§4.9).
type SchedulerConfig struct {
	TickSeconds  int `yaml:"tick_seconds"`
	LeaseSeconds int `yaml:"lease_seconds"`
}

// SliceConfig controls the slice executor's default cycle budget and
// per-slice wall-clock ceiling (§4.10).
type SliceConfig struct {
	DefaultCycles     int `yaml:"default_cycles"`
	MaxRuntimeSeconds int `yaml:"max_runtime_seconds"`
}

// FSMConfig controls the engine's boot state (§4.6).
type FSMConfig struct {
	InitialState string `yaml:"initial_state"`
}

// Load reads configuration from a YAML file, expands environment
// variables, overlays ALPHONSE_-prefixed environment overrides,
// applies defaults for any unset fields, and validates the result.
// A missing file at path is not an error: Load falls back to Default()
// so a deployment can be configured purely by environment variables.
// After Load returns successfully, all fields are usable without
// additional nil/empty checks.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else {
			// Expand environment variables (e.g., ${HOME}, ${ALPHONSE_DB_PATH}).
			// This is a convenience for container deployments; the
			// recommended approach is ALPHONSE_ env vars directly.
			expanded := os.ExpandEnv(string(data))
			cfg = &Config{}
			if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
				return nil, err
			}
		}
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides overlays the ALPHONSE_-prefixed environment
// variables from §6 on top of whatever the YAML file (or Default)
// provided. Env vars win: they are the documented external interface
// and must take effect even with a committed config.yaml in place.
func (c *Config) applyEnvOverrides() {
	strVar(&c.DBPath, "ALPHONSE_DB_PATH")
	strVar(&c.CatalogSeed, "ALPHONSE_CATALOG_SEED")
	strVar(&c.LogLevel, "ALPHONSE_LOG_LEVEL")

	strVar(&c.Observability.DBPath, "ALPHONSE_OBSERVABILITY_DB_PATH")
	intVar(&c.Observability.NonErrorTTLDays, "ALPHONSE_OBSERVABILITY_NON_ERROR_TTL_DAYS")
	intVar(&c.Observability.ErrorTTLDays, "ALPHONSE_OBSERVABILITY_ERROR_TTL_DAYS")
	intVar(&c.Observability.MaxRows, "ALPHONSE_OBSERVABILITY_MAX_ROWS")
	intVar(&c.Observability.MaintenanceSeconds, "ALPHONSE_OBSERVABILITY_MAINTENANCE_SECONDS")

	strVar(&c.API.Token, "ALPHONSE_API_TOKEN")
	intVar(&c.API.MessageWaitSeconds, "ALPHONSE_API_MESSAGE_WAIT_SECONDS")

	intVar(&c.Scheduler.TickSeconds, "ALPHONSE_SCHEDULER_TICK_SECONDS")
	intVar(&c.Scheduler.LeaseSeconds, "ALPHONSE_SCHEDULER_LEASE_SECONDS")

	intVar(&c.Slice.DefaultCycles, "ALPHONSE_SLICE_DEFAULT_CYCLES")
	intVar(&c.Slice.MaxRuntimeSeconds, "ALPHONSE_SLICE_MAX_RUNTIME_SECONDS")

	strVar(&c.FSM.InitialState, "ALPHONSE_FSM_INITIAL_STATE")
}

// strVar overrides *dst with the named environment variable if set.
func strVar(dst *string, name string) {
	if v, ok := os.LookupEnv(name); ok {
		*dst = v
	}
}

// intVar overrides *dst with the named environment variable if set and
// parses as an integer; an unparsable value is ignored rather than
// failing Load, since env overrides are best-effort convenience.
func intVar(dst *int, name string) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	*dst = n
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.DBPath == "" {
		c.DBPath = "./data/alphonse.db"
	}
	if c.CatalogSeed == "" {
		c.CatalogSeed = "./fixtures/catalog/default.yaml"
	}
	if c.Observability.DBPath == "" {
		c.Observability.DBPath = c.DBPath
	}
	if c.Observability.NonErrorTTLDays == 0 {
		c.Observability.NonErrorTTLDays = 14
	}
	if c.Observability.ErrorTTLDays == 0 {
		c.Observability.ErrorTTLDays = 30
	}
	if c.Observability.MaxRows == 0 {
		c.Observability.MaxRows = 1_000_000
	}
	if c.Observability.MaintenanceSeconds == 0 {
		c.Observability.MaintenanceSeconds = 300
	}
	if c.API.MessageWaitSeconds == 0 {
		c.API.MessageWaitSeconds = 30
	}
	if c.Scheduler.TickSeconds == 0 {
		c.Scheduler.TickSeconds = 5
	}
	if c.Scheduler.LeaseSeconds == 0 {
		c.Scheduler.LeaseSeconds = 60
	}
	if c.Slice.DefaultCycles == 0 {
		c.Slice.DefaultCycles = 10
	}
	if c.Slice.MaxRuntimeSeconds == 0 {
		c.Slice.MaxRuntimeSeconds = 300
	}
	if c.FSM.InitialState == "" {
		c.FSM.InitialState = "idle"
	}
}

// Validate checks that the configuration is internally consistent. It
// runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range (1-65535)", c.Listen.Port)
	}
	if c.Observability.NonErrorTTLDays < 1 {
		return fmt.Errorf("observability.non_error_ttl_days must be >= 1, got %d", c.Observability.NonErrorTTLDays)
	}
	if c.Observability.ErrorTTLDays < 1 {
		return fmt.Errorf("observability.error_ttl_days must be >= 1, got %d", c.Observability.ErrorTTLDays)
	}
	if c.API.MessageWaitSeconds < 1 {
		return fmt.Errorf("api.message_wait_seconds must be >= 1, got %d", c.API.MessageWaitSeconds)
	}
	if c.Scheduler.TickSeconds < 1 {
		return fmt.Errorf("scheduler.tick_seconds must be >= 1, got %d", c.Scheduler.TickSeconds)
	}
	if c.Scheduler.LeaseSeconds < c.Scheduler.TickSeconds {
		return fmt.Errorf("scheduler.lease_seconds (%d) must be >= tick_seconds (%d)", c.Scheduler.LeaseSeconds, c.Scheduler.TickSeconds)
	}
	if c.Slice.DefaultCycles < 1 {
		return fmt.Errorf("slice.default_cycles must be >= 1, got %d", c.Slice.DefaultCycles)
	}
	if c.Slice.MaxRuntimeSeconds < 1 {
		return fmt.Errorf("slice.max_runtime_seconds must be >= 1, got %d", c.Slice.MaxRuntimeSeconds)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// Default returns a default configuration suitable for local
// development. All defaults are already applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
