package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "helmet.json")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PacerConfig.ThrottleWindow.Std() != 250*time.Millisecond || cfg.PacerConfig.TickInterval.Std() != 100*time.Millisecond {
		t.Errorf("unexpected pacer %+v", cfg.PacerConfig)
	}
	if cfg.HelmetConfig.ScanTimeout.Std() != 10*time.Second || cfg.PacerConfig.AdvanceMeters != 20 {
		t.Errorf("unexpected helmet %+v", cfg.HelmetConfig)
	}
	if cfg.ServerConfig.Addr() != "localhost:5003" {
		t.Errorf("addr = %s", cfg.ServerConfig.Addr())
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `{
		"helmet": {"backend": "bluez", "scan_timeout": "15s"},
		"pacer": {"throttle_window": "500ms"},
		"log": null
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HelmetConfig.Backend != "bluez" || cfg.HelmetConfig.ScanTimeout.Std() != 15*time.Second {
		t.Errorf("unexpected helmet %+v", cfg.HelmetConfig)
	}
	if cfg.HelmetConfig.ConnectTimeout.Std() != 10*time.Second {
		t.Error("file dropped an unset default")
	}
	if cfg.PacerConfig.ThrottleWindow.Std() != 500*time.Millisecond || cfg.PacerConfig.TickInterval.Std() != 100*time.Millisecond {
		t.Errorf("unexpected pacer %+v", cfg.PacerConfig)
	}
	if cfg.LogConfig == nil || cfg.LogConfig.Level != "INFO" {
		t.Errorf("null section not restored: %+v", cfg.LogConfig)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown field", `{"helmet": {"colour": "red"}}`},
		{"numeric duration", `{"pacer": {"throttle_window": 250}}`},
		{"bad backend", `{"helmet": {"backend": "usb"}}`},
		{"zero window", `{"pacer": {"throttle_window": "0s"}}`},
		{"bad port", `{"server": {"port": 70000}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.body)); err == nil {
				t.Error("expected an error")
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvServerPort: "8080",
		EnvRoutingURL: "https://routes.example.org",
		EnvBackend:    "HCI",
		EnvLogLevel:   "DEBUG",
	}
	cfg := Default()
	if err := cfg.applyEnv(func(k string) string { return env[k] }); err != nil {
		t.Fatal(err)
	}
	if cfg.ServerConfig.Port != 8080 || cfg.RoutingConfig.BaseURL != "https://routes.example.org" {
		t.Errorf("unexpected %+v %+v", cfg.ServerConfig, cfg.RoutingConfig)
	}
	if cfg.HelmetConfig.Backend != "hci" || cfg.LogConfig.Level != "DEBUG" {
		t.Errorf("unexpected %+v %+v", cfg.HelmetConfig, cfg.LogConfig)
	}

	env[EnvServerPort] = "eighty"
	if err := Default().applyEnv(func(k string) string { return env[k] }); err == nil {
		t.Error("expected an error for a non-numeric port")
	}
}
