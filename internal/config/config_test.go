package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_SearchPath(t *testing.T) {
	dir := t.TempDir()
	orig := searchPathsFunc
	searchPathsFunc = func() []string {
		return []string{filepath.Join(dir, "config.yaml")}
	}
	defer func() { searchPathsFunc = orig }()

	_, err := FindConfig("")
	if err == nil {
		t.Fatal("FindConfig(\"\") with no config files should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 8080\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("api:\n  token: ${ALPHONSE_TEST_TOKEN}\n"), 0600)
	os.Setenv("ALPHONSE_TEST_TOKEN", "secret123")
	defer os.Unsetenv("ALPHONSE_TEST_TOKEN")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.API.Token != "secret123" {
		t.Errorf("token = %q, want %q", cfg.API.Token, "secret123")
	}
}

func TestLoad_MissingFileFallsBackToDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.FSM.InitialState != "idle" {
		t.Errorf("initial_state = %q, want default %q", cfg.FSM.InitialState, "idle")
	}
}

func TestLoad_EnvOverridesWinOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("fsm:\n  initial_state: asleep\n"), 0600)
	os.Setenv("ALPHONSE_FSM_INITIAL_STATE", "idle")
	defer os.Unsetenv("ALPHONSE_FSM_INITIAL_STATE")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.FSM.InitialState != "idle" {
		t.Errorf("initial_state = %q, want env override %q", cfg.FSM.InitialState, "idle")
	}
}

func TestLoad_EnvOverridesIntField(t *testing.T) {
	os.Setenv("ALPHONSE_SLICE_DEFAULT_CYCLES", "42")
	defer os.Unsetenv("ALPHONSE_SLICE_DEFAULT_CYCLES")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Slice.DefaultCycles != 42 {
		t.Errorf("default_cycles = %d, want 42", cfg.Slice.DefaultCycles)
	}
}

func TestLoad_EnvOverrideBadIntIgnored(t *testing.T) {
	os.Setenv("ALPHONSE_SLICE_DEFAULT_CYCLES", "not-a-number")
	defer os.Unsetenv("ALPHONSE_SLICE_DEFAULT_CYCLES")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Slice.DefaultCycles != 10 {
		t.Errorf("default_cycles = %d, want default 10 when env var unparsable", cfg.Slice.DefaultCycles)
	}
}

func TestApplyDefaults_ObservabilityDBPathFallsBackToMainDB(t *testing.T) {
	cfg := &Config{DBPath: "./custom.db"}
	cfg.applyDefaults()
	if cfg.Observability.DBPath != "./custom.db" {
		t.Errorf("observability.db_path = %q, want %q", cfg.Observability.DBPath, "./custom.db")
	}
}

func TestValidate_ListenPortOutOfRange(t *testing.T) {
	cfg := Default()
	cfg.Listen.Port = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for out-of-range listen.port")
	}
}

func TestValidate_LeaseMustNotBeShorterThanTick(t *testing.T) {
	cfg := Default()
	cfg.Scheduler.TickSeconds = 10
	cfg.Scheduler.LeaseSeconds = 5
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error when lease_seconds < tick_seconds")
	}
}

func TestValidate_BadLogLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "not-a-level"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for invalid log_level")
	}
}

func TestAPIConfig_Configured(t *testing.T) {
	tests := []struct {
		name string
		cfg  APIConfig
		want bool
	}{
		{"token set", APIConfig{Token: "tok"}, true},
		{"empty token", APIConfig{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.Configured(); got != tt.want {
				t.Errorf("Configured() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDefault_AllFieldsPopulated(t *testing.T) {
	cfg := Default()
	if cfg.DBPath == "" || cfg.CatalogSeed == "" {
		t.Fatal("expected DBPath and CatalogSeed to have defaults")
	}
	if cfg.Listen.Port == 0 || cfg.API.MessageWaitSeconds == 0 || cfg.Scheduler.TickSeconds == 0 {
		t.Fatal("expected nonzero defaults across sub-configs")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default() config should validate, got: %v", err)
	}
}
