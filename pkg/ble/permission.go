package ble

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/op/go-logging"
)

const (
	bluezBusName      = "org.bluez"
	bluezAdapterIface = "org.bluez.Adapter1"
	propsIface        = "org.freedesktop.DBus.Properties"
)

// BlueZPermission grants access when bluetoothd is running and the adapter is powered.
type BlueZPermission struct {
	path    dbus.ObjectPath
	powerOn bool
	log     *logging.Logger
}

func NewBlueZPermission(adapterPath string, powerOn bool, log *logging.Logger) *BlueZPermission {
	if adapterPath == "" {
		adapterPath = DefaultAdapterPath
	}
	return &BlueZPermission{
		path:    dbus.ObjectPath(adapterPath),
		powerOn: powerOn,
		log:     log,
	}
}

func (p *BlueZPermission) Request(ctx context.Context) (bool, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return false, fmt.Errorf("connect to system bus: %w", err)
	}

	var names []string
	if err := conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		return false, fmt.Errorf("list bus names: %w", err)
	}
	if !hasName(names, bluezBusName) {
		return false, fmt.Errorf("%s not found on system bus, is bluetooth.service running?", bluezBusName)
	}

	obj := conn.Object(bluezBusName, p.path)

	var v dbus.Variant
	if err := obj.CallWithContext(ctx, propsIface+".Get", 0, bluezAdapterIface, "Powered").Store(&v); err != nil {
		return false, fmt.Errorf("read %s power state: %w", p.path, err)
	}
	powered, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("property Powered of %s is not bool", p.path)
	}
	if powered {
		return true, nil
	}

	if !p.powerOn {
		p.log.Warningf("bluez: adapter %s is powered off", p.path)
		return false, nil
	}

	p.log.Noticef("bluez: powering on %s", p.path)
	if err := obj.CallWithContext(ctx, propsIface+".Set", 0, bluezAdapterIface, "Powered", dbus.MakeVariant(true)).Err; err != nil {
		return false, fmt.Errorf("power on %s: %w", p.path, err)
	}
	return true, nil
}

func hasName(names []string, want string) bool {
	for _, n := range names {
		if n == want {
			return true
		}
	}
	return false
}
