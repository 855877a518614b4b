package helmet

import (
	"context"
	"strings"
)

// Discovery is one advertisement seen while scanning.
type Discovery struct {
	ID         string
	Name       string
	ServiceIDs []string
	RSSI       int
}

// Capability is a flag set describing what the connected peripheral supports.
type Capability uint8

const (
	CapWrite Capability = 1 << iota
	CapWriteNoResponse
	CapNotify
)

func (c Capability) Has(f Capability) bool {
	return c&f != 0
}

func (c Capability) String() string {
	var flags []string
	if c.Has(CapWrite) {
		flags = append(flags, "write")
	}
	if c.Has(CapWriteNoResponse) {
		flags = append(flags, "write-no-response")
	}
	if c.Has(CapNotify) {
		flags = append(flags, "notify")
	}
	return strings.Join(flags, ",")
}

func (c Capability) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Capability) UnmarshalText(b []byte) error {
	*c = 0
	for _, f := range strings.Split(string(b), ",") {
		switch strings.TrimSpace(f) {
		case "write":
			*c |= CapWrite
		case "write-no-response":
			*c |= CapWriteNoResponse
		case "notify":
			*c |= CapNotify
		}
	}
	return nil
}

// PeripheralHandle identifies the helmet the Manager is connected to.
type PeripheralHandle struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Capabilities Capability `json:"capabilities"`
}

// Adapter is the platform BLE session. A Manager is its only user.
type Adapter interface {
	// Scan starts discovery and returns once it is running. fn is called from
	// adapter goroutines for every advertisement until StopScan.
	Scan(ctx context.Context, fn func(Discovery)) error
	StopScan() error
	// Connect connects to a discovered peripheral and resolves its write characteristic.
	Connect(ctx context.Context, d Discovery) (Link, error)
	Close() error
}

// Link is a live connection to the helmet's UART characteristic.
type Link interface {
	// Write performs a characteristic write without response.
	Write(p []byte) error
	Disconnect() error
	// Done is closed when the connection is gone, whoever closed it.
	Done() <-chan struct{}
	Capabilities() Capability
}

// PermissionProvider confirms the process may scan and connect.
type PermissionProvider interface {
	Request(ctx context.Context) (bool, error)
}

// PermissionFunc adapts a function to PermissionProvider.
type PermissionFunc func(ctx context.Context) (bool, error)

func (f PermissionFunc) Request(ctx context.Context) (bool, error) {
	return f(ctx)
}

// AlwaysGranted is used where the platform has no permission model.
var AlwaysGranted = PermissionFunc(func(context.Context) (bool, error) { return true, nil })
