package ble

import (
	"context"
	"sync"

	"github.com/op/go-logging"
	"github.com/pkg/errors"
	"tinygo.org/x/bluetooth"

	"github.com/a-liut/helmet-nav-go/pkg/helmet"
)

// BlueZAdapter drives the system Bluetooth daemon.
type BlueZAdapter struct {
	adapter *bluetooth.Adapter
	service bluetooth.UUID
	char    bluetooth.UUID
	probes  []bluetooth.UUID
	log     *logging.Logger

	mu       sync.Mutex
	scanning bool
	seen     map[string]bluetooth.Address
	links    map[string]*bluezLink
}

func NewBlueZAdapter(cfg Config, log *logging.Logger) (*BlueZAdapter, error) {
	cfg.setDefaults()

	service, err := parseUUID(cfg.ServiceUUID)
	if err != nil {
		return nil, errors.Wrap(err, "service uuid")
	}
	char, err := parseUUID(cfg.CharacteristicUUID)
	if err != nil {
		return nil, errors.Wrap(err, "characteristic uuid")
	}

	probes := make([]bluetooth.UUID, 0, len(cfg.ServiceIDs))
	for _, id := range cfg.ServiceIDs {
		u, err := parseUUID(id)
		if err != nil {
			log.Warningf("bluez: ignoring service id %q: %s", id, err)
			continue
		}
		probes = append(probes, u)
	}

	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return nil, errors.Wrap(err, "enable adapter")
	}

	a := &BlueZAdapter{
		adapter: adapter,
		service: service,
		char:    char,
		probes:  probes,
		log:     log,
		seen:    make(map[string]bluetooth.Address),
		links:   make(map[string]*bluezLink),
	}
	adapter.SetConnectHandler(a.onConnectChanged)
	return a, nil
}

func parseUUID(id string) (bluetooth.UUID, error) {
	if v, ok := shortUUID16(id); ok {
		return bluetooth.New16BitUUID(v), nil
	}
	return bluetooth.ParseUUID(dashedUUID(id))
}

func (a *BlueZAdapter) onConnectChanged(d bluetooth.Device, connected bool) {
	if connected {
		return
	}

	id := d.Address.String()
	a.mu.Lock()
	link := a.links[id]
	delete(a.links, id)
	a.mu.Unlock()

	if link != nil {
		a.log.Infof("bluez: %s disconnected", id)
		link.close()
	}
}

// Scan runs the blocking BlueZ discovery on its own goroutine until StopScan.
func (a *BlueZAdapter) Scan(ctx context.Context, fn func(helmet.Discovery)) error {
	a.mu.Lock()
	if a.scanning {
		a.mu.Unlock()
		return errors.New("scan already in progress")
	}
	a.scanning = true
	a.mu.Unlock()

	go func() {
		defer func() {
			a.mu.Lock()
			a.scanning = false
			a.mu.Unlock()
		}()

		err := a.adapter.Scan(func(_ *bluetooth.Adapter, r bluetooth.ScanResult) {
			id := r.Address.String()
			a.mu.Lock()
			a.seen[id] = r.Address
			a.mu.Unlock()

			var ids []string
			for _, u := range a.probes {
				if r.HasServiceUUID(u) {
					ids = append(ids, u.String())
				}
			}
			fn(helmet.Discovery{ID: id, Name: r.LocalName(), ServiceIDs: ids, RSSI: int(r.RSSI)})
		})
		if err != nil {
			a.log.Errorf("bluez: scan: %s", err)
		}
	}()

	return nil
}

func (a *BlueZAdapter) StopScan() error {
	return errors.Wrap(a.adapter.StopScan(), "stop scan")
}

type connectResult struct {
	dev bluetooth.Device
	err error
}

func (a *BlueZAdapter) Connect(ctx context.Context, d helmet.Discovery) (helmet.Link, error) {
	a.mu.Lock()
	addr, ok := a.seen[d.ID]
	a.mu.Unlock()
	if !ok {
		return nil, errors.Errorf("peripheral %s was not discovered", d.ID)
	}

	resc := make(chan connectResult, 1)
	go func() {
		dev, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		resc <- connectResult{dev, err}
	}()

	var dev bluetooth.Device
	select {
	case res := <-resc:
		if res.err != nil {
			return nil, errors.Wrapf(res.err, "connect %s", d.ID)
		}
		dev = res.dev
	case <-ctx.Done():
		// Tear down the connection if it completes after all.
		go func() {
			if res := <-resc; res.err == nil {
				_ = res.dev.Disconnect()
			}
		}()
		return nil, ctx.Err()
	}

	c, err := a.resolve(dev)
	if err != nil {
		_ = dev.Disconnect()
		return nil, err
	}

	link := &bluezLink{dev: dev, c: c, done: make(chan struct{})}
	a.mu.Lock()
	a.links[d.ID] = link
	a.mu.Unlock()
	return link, nil
}

func (a *BlueZAdapter) resolve(dev bluetooth.Device) (bluetooth.DeviceCharacteristic, error) {
	var none bluetooth.DeviceCharacteristic

	services, err := dev.DiscoverServices([]bluetooth.UUID{a.service})
	if err != nil {
		return none, errors.Wrap(err, "discover services")
	}
	if len(services) == 0 {
		return none, errors.Errorf("service %s not found", a.service)
	}

	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{a.char})
	if err != nil {
		return none, errors.Wrap(err, "discover characteristics")
	}
	if len(chars) == 0 {
		return none, errors.Errorf("characteristic %s not found", a.char)
	}
	return chars[0], nil
}

func (a *BlueZAdapter) Close() error {
	_ = a.adapter.StopScan()

	a.mu.Lock()
	links := make([]*bluezLink, 0, len(a.links))
	for _, l := range a.links {
		links = append(links, l)
	}
	a.mu.Unlock()

	for _, l := range links {
		_ = l.Disconnect()
	}
	return nil
}

type bluezLink struct {
	dev  bluetooth.Device
	c    bluetooth.DeviceCharacteristic
	done chan struct{}
	once sync.Once
}

func (l *bluezLink) Write(b []byte) error {
	_, err := l.c.WriteWithoutResponse(b)
	return errors.Wrap(err, "write without response")
}

func (l *bluezLink) Disconnect() error {
	defer l.close()
	return errors.Wrap(l.dev.Disconnect(), "disconnect")
}

func (l *bluezLink) close() {
	l.once.Do(func() { close(l.done) })
}

func (l *bluezLink) Done() <-chan struct{} {
	return l.done
}

// The UART characteristic is resolved for writes without response.
func (l *bluezLink) Capabilities() helmet.Capability {
	return helmet.CapWrite | helmet.CapWriteNoResponse
}
