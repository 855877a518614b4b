package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Environment overrides, applied after the config file.
const (
	EnvServerPort = "HELMET_SERVER_PORT"
	EnvRoutingURL = "HELMET_ROUTING_URL"
	EnvBackend    = "HELMET_BACKEND"
	EnvLogLevel   = "HELMET_LOG_LEVEL"
)

type Config struct {
	HelmetConfig  *HelmetConfig  `json:"helmet"`
	PacerConfig   *PacerConfig   `json:"pacer"`
	RoutingConfig *RoutingConfig `json:"routing"`
	ServerConfig  *ServerConfig  `json:"server"`
	LogConfig     *LogConfig     `json:"log"`
}

type HelmetConfig struct {
	Backend            string   `json:"backend"`
	Names              []string `json:"names"`
	ServiceIDs         []string `json:"service_ids"`
	ServiceUUID        string   `json:"service_uuid"`
	CharacteristicUUID string   `json:"characteristic_uuid"`
	AdapterPath        string   `json:"adapter_path"`
	PowerOn            bool     `json:"power_on"`
	ScanTimeout        Duration `json:"scan_timeout"`
	ConnectTimeout     Duration `json:"connect_timeout"`
}

type PacerConfig struct {
	TickInterval   Duration `json:"tick_interval"`
	ThrottleWindow Duration `json:"throttle_window"`
	AdvanceMeters  float64  `json:"advance_meters"`
}

type RoutingConfig struct {
	BaseURL string   `json:"base_url"`
	Timeout Duration `json:"timeout"`
}

type ServerConfig struct {
	Host string `json:"host"`
	Port int32  `json:"port"`
}

func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type LogConfig struct {
	Level  string `json:"level"`
	Syslog bool   `json:"syslog"`
}

// Duration is a time.Duration written as "250ms" in JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"250ms\": %s", b)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		HelmetConfig: &HelmetConfig{
			Backend:            "mock",
			Names:              []string{"DSD TECH", "DSD-TECH", "HM-10", "68:5E:1C:33:FB:EB"},
			ServiceIDs:         []string{"ffe0", "ffe1"},
			ServiceUUID:        "0000FFE0-0000-1000-8000-00805F9B34FB",
			CharacteristicUUID: "0000FFE1-0000-1000-8000-00805F9B34FB",
			AdapterPath:        "/org/bluez/hci0",
			ScanTimeout:        Duration(10 * time.Second),
			ConnectTimeout:     Duration(10 * time.Second),
		},
		PacerConfig: &PacerConfig{
			TickInterval:   Duration(100 * time.Millisecond),
			ThrottleWindow: Duration(250 * time.Millisecond),
			AdvanceMeters:  20,
		},
		RoutingConfig: &RoutingConfig{
			BaseURL: "http://localhost:5000",
			Timeout: Duration(10 * time.Second),
		},
		ServerConfig: &ServerConfig{
			Host: "localhost",
			Port: 5003,
		},
		LogConfig: &LogConfig{
			Level: "INFO",
		},
	}
}

// Load reads the config file at path over the defaults, then applies the
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, errors.Wrap(err, "open config")
		}
		defer f.Close()

		dec := json.NewDecoder(f)
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
		cfg.fillMissing()
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fillMissing restores sections a config file set to null.
func (c *Config) fillMissing() {
	def := Default()
	if c.HelmetConfig == nil {
		c.HelmetConfig = def.HelmetConfig
	}
	if c.PacerConfig == nil {
		c.PacerConfig = def.PacerConfig
	}
	if c.RoutingConfig == nil {
		c.RoutingConfig = def.RoutingConfig
	}
	if c.ServerConfig == nil {
		c.ServerConfig = def.ServerConfig
	}
	if c.LogConfig == nil {
		c.LogConfig = def.LogConfig
	}
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv(EnvServerPort); v != "" {
		port, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return fmt.Errorf("%s: %s", EnvServerPort, err)
		}
		c.ServerConfig.Port = int32(port)
	}
	if v := getenv(EnvRoutingURL); v != "" {
		c.RoutingConfig.BaseURL = v
	}
	if v := getenv(EnvBackend); v != "" {
		c.HelmetConfig.Backend = strings.ToLower(v)
	}
	if v := getenv(EnvLogLevel); v != "" {
		c.LogConfig.Level = v
	}
	return nil
}

func (c *Config) Validate() error {
	switch c.HelmetConfig.Backend {
	case "hci", "bluez", "mock":
	default:
		return fmt.Errorf("helmet.backend must be hci, bluez or mock, got %q", c.HelmetConfig.Backend)
	}
	if c.HelmetConfig.ScanTimeout <= 0 || c.HelmetConfig.ConnectTimeout <= 0 {
		return errors.New("helmet timeouts must be positive")
	}
	if c.PacerConfig.TickInterval <= 0 || c.PacerConfig.ThrottleWindow <= 0 {
		return errors.New("pacer intervals must be positive")
	}
	if c.PacerConfig.AdvanceMeters < 0 {
		return errors.New("pacer.advance_meters must not be negative")
	}
	if c.RoutingConfig.BaseURL == "" {
		return errors.New("routing.base_url is required")
	}
	if c.ServerConfig.Port <= 0 || c.ServerConfig.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.ServerConfig.Port)
	}
	return nil
}
