package appconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defaults := DefaultConfig()
	if cfg.Port != defaults.Port || cfg.VitePort != defaults.VitePort {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestLoadParsesJSONConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"port": 4100, "vitePort": 4200, "logDir": "/tmp/logs", "logEnabled": true}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 4100 || cfg.VitePort != 4200 || cfg.LogDir != "/tmp/logs" || !cfg.LogEnabled {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestPortEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"port": 4100}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("PORT", "5500")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 5500 {
		t.Fatalf("expected PORT override, got %d", cfg.Port)
	}
}

func TestInvalidPortEnvRejected(t *testing.T) {
	t.Setenv("PORT", "not-a-port")
	if _, err := Load(filepath.Join(t.TempDir(), "config.json")); err == nil {
		t.Fatalf("expected error for invalid PORT")
	}
}

func TestWriteDefaultRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if _, err := WriteDefault(path, false); err != nil {
		t.Fatalf("write default: %v", err)
	}
	if _, err := WriteDefault(path, false); err == nil {
		t.Fatalf("expected overwrite refusal")
	}
	if _, err := WriteDefault(path, true); err != nil {
		t.Fatalf("forced overwrite: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load written default: %v", err)
	}
	if cfg.Port != DefaultConfig().Port {
		t.Fatalf("unexpected round-tripped config: %+v", cfg)
	}
}

func TestWriteDefaultYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if _, err := WriteDefault(path, false); err != nil {
		t.Fatalf("write yaml default: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if cfg.VitePort != DefaultConfig().VitePort {
		t.Fatalf("unexpected yaml config: %+v", cfg)
	}
}
