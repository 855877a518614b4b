// Package ble holds the platform BLE backends the helmet Manager drives.
package ble

import (
	"fmt"
	"strings"

	"github.com/op/go-logging"

	"github.com/a-liut/helmet-nav-go/pkg/helmet"
)

const (
	BackendHCI   = "hci"
	BackendBlueZ = "bluez"
	BackendMock  = "mock"

	// UART bridge profile of the HM-10 and DSD TECH modules.
	DefaultServiceUUID        = "0000FFE0-0000-1000-8000-00805F9B34FB"
	DefaultCharacteristicUUID = "0000FFE1-0000-1000-8000-00805F9B34FB"

	DefaultAdapterPath = "/org/bluez/hci0"
)

type Config struct {
	Backend            string
	ServiceUUID        string
	CharacteristicUUID string
	// ServiceIDs are the advertised services worth reporting in discoveries.
	ServiceIDs  []string
	AdapterPath string
	// PowerOn lets the permission check power up a BlueZ adapter that is off.
	PowerOn bool
}

func (c *Config) setDefaults() {
	if c.ServiceUUID == "" {
		c.ServiceUUID = DefaultServiceUUID
	}
	if c.CharacteristicUUID == "" {
		c.CharacteristicUUID = DefaultCharacteristicUUID
	}
	if len(c.ServiceIDs) == 0 {
		c.ServiceIDs = helmet.DefaultServiceIDs
	}
	if c.AdapterPath == "" {
		c.AdapterPath = DefaultAdapterPath
	}
}

// Open creates the adapter and the permission provider for the configured backend.
func Open(cfg Config, log *logging.Logger) (helmet.Adapter, helmet.PermissionProvider, error) {
	cfg.setDefaults()
	if log == nil {
		log = logging.MustGetLogger("ble")
	}

	switch strings.ToLower(cfg.Backend) {
	case BackendHCI:
		a, err := NewHCIAdapter(cfg, log)
		if err != nil {
			return nil, nil, err
		}
		return a, a, nil
	case BackendBlueZ:
		a, err := NewBlueZAdapter(cfg, log)
		if err != nil {
			return nil, nil, err
		}
		return a, NewBlueZPermission(cfg.AdapterPath, cfg.PowerOn, log), nil
	case BackendMock, "":
		return NewMockAdapter(log), helmet.AlwaysGranted, nil
	}

	return nil, nil, fmt.Errorf("unknown BLE backend %q", cfg.Backend)
}

// shortUUID16 returns the 16-bit value of a short or base UUID, if it has one.
func shortUUID16(id string) (uint16, bool) {
	n := helmet.NormalizeServiceID(id)
	if len(n) != 4 {
		return 0, false
	}
	var v uint16
	if _, err := fmt.Sscanf(n, "%04x", &v); err != nil {
		return 0, false
	}
	return v, true
}

// dashedUUID formats 32 hex digits as a canonical UUID string.
func dashedUUID(id string) string {
	n := strings.ToLower(strings.Replace(id, "-", "", -1))
	if len(n) != 32 {
		return id
	}
	return n[0:8] + "-" + n[8:12] + "-" + n[12:16] + "-" + n[16:20] + "-" + n[20:32]
}
