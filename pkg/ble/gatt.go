package ble

import (
	"context"
	"sync"

	"github.com/op/go-logging"
	"github.com/paypal/gatt"
	"github.com/paypal/gatt/examples/option"
	"github.com/pkg/errors"

	"github.com/a-liut/helmet-nav-go/pkg/helmet"
)

// HCIAdapter drives the local controller directly over HCI. It needs CAP_NET_ADMIN
// and the controller must not be claimed by bluetoothd.
type HCIAdapter struct {
	dev     gatt.Device
	service gatt.UUID
	char    gatt.UUID
	log     *logging.Logger

	mu          sync.Mutex
	state       gatt.State
	stateChange chan struct{}
	onDiscover  func(helmet.Discovery)
	peripherals map[string]gatt.Peripheral
	pending     map[string]chan error
	links       map[string]*hciLink
}

func NewHCIAdapter(cfg Config, log *logging.Logger) (*HCIAdapter, error) {
	cfg.setDefaults()

	service, err := gatt.ParseUUID(cfg.ServiceUUID)
	if err != nil {
		return nil, errors.Wrap(err, "service uuid")
	}
	char, err := gatt.ParseUUID(cfg.CharacteristicUUID)
	if err != nil {
		return nil, errors.Wrap(err, "characteristic uuid")
	}

	d, err := gatt.NewDevice(option.DefaultClientOptions...)
	if err != nil {
		return nil, errors.Wrap(err, "open hci device")
	}

	a := &HCIAdapter{
		dev:         d,
		service:     service,
		char:        char,
		log:         log,
		state:       gatt.StateUnknown,
		stateChange: make(chan struct{}),
		peripherals: make(map[string]gatt.Peripheral),
		pending:     make(map[string]chan error),
		links:       make(map[string]*hciLink),
	}

	d.Handle(
		gatt.PeripheralDiscovered(a.onPeripheralDiscovered),
		gatt.PeripheralConnected(a.onPeripheralConnected),
		gatt.PeripheralDisconnected(a.onPeripheralDisconnected),
	)
	if err := d.Init(a.onStateChanged); err != nil {
		return nil, errors.Wrap(err, "init hci device")
	}

	return a, nil
}

func (a *HCIAdapter) onStateChanged(d gatt.Device, s gatt.State) {
	a.log.Infof("hci: controller state %s", s)

	a.mu.Lock()
	a.state = s
	close(a.stateChange)
	a.stateChange = make(chan struct{})
	a.mu.Unlock()

	if s != gatt.StatePoweredOn {
		d.StopScanning()
	}
}

// Request waits for the controller to power on. It denies access when the
// controller is unsupported or the process is not allowed to use it.
func (a *HCIAdapter) Request(ctx context.Context) (bool, error) {
	for {
		a.mu.Lock()
		state, changed := a.state, a.stateChange
		a.mu.Unlock()

		switch state {
		case gatt.StatePoweredOn:
			return true, nil
		case gatt.StateUnauthorized, gatt.StateUnsupported:
			return false, errors.Errorf("controller %s", state)
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return false, errors.Wrapf(ctx.Err(), "controller %s", state)
		}
	}
}

func (a *HCIAdapter) Scan(ctx context.Context, fn func(helmet.Discovery)) error {
	a.mu.Lock()
	if a.state != gatt.StatePoweredOn {
		state := a.state
		a.mu.Unlock()
		return errors.Errorf("controller %s", state)
	}
	a.onDiscover = fn
	a.peripherals = make(map[string]gatt.Peripheral)
	a.mu.Unlock()

	a.log.Debug("hci: scanning")
	a.dev.Scan([]gatt.UUID{}, false)
	return nil
}

func (a *HCIAdapter) StopScan() error {
	a.mu.Lock()
	a.onDiscover = nil
	a.mu.Unlock()

	a.dev.StopScanning()
	return nil
}

func (a *HCIAdapter) onPeripheralDiscovered(p gatt.Peripheral, adv *gatt.Advertisement, rssi int) {
	a.mu.Lock()
	fn := a.onDiscover
	if fn != nil {
		a.peripherals[p.ID()] = p
	}
	a.mu.Unlock()
	if fn == nil {
		return
	}

	name := adv.LocalName
	if name == "" {
		name = p.Name()
	}
	ids := make([]string, 0, len(adv.Services))
	for _, u := range adv.Services {
		ids = append(ids, u.String())
	}

	fn(helmet.Discovery{ID: p.ID(), Name: name, ServiceIDs: ids, RSSI: rssi})
}

func (a *HCIAdapter) onPeripheralConnected(p gatt.Peripheral, err error) {
	a.mu.Lock()
	ch, ok := a.pending[p.ID()]
	delete(a.pending, p.ID())
	a.mu.Unlock()

	if !ok {
		a.log.Warningf("hci: unexpected connection from %s, dropping it", p.ID())
		p.Device().CancelConnection(p)
		return
	}
	ch <- err
}

func (a *HCIAdapter) onPeripheralDisconnected(p gatt.Peripheral, err error) {
	a.mu.Lock()
	ch, pending := a.pending[p.ID()]
	delete(a.pending, p.ID())
	link := a.links[p.ID()]
	delete(a.links, p.ID())
	a.mu.Unlock()

	a.log.Infof("hci: %s disconnected", p.ID())
	if pending {
		ch <- errors.New("disconnected while connecting")
	}
	if link != nil {
		link.close()
	}
}

// Connect connects to d and resolves the UART write characteristic.
func (a *HCIAdapter) Connect(ctx context.Context, d helmet.Discovery) (helmet.Link, error) {
	a.mu.Lock()
	p, ok := a.peripherals[d.ID]
	if !ok {
		a.mu.Unlock()
		return nil, errors.Errorf("peripheral %s was not discovered", d.ID)
	}
	// Only the target of this scan is still needed.
	a.peripherals = make(map[string]gatt.Peripheral)
	ch := make(chan error, 1)
	a.pending[d.ID] = ch
	a.mu.Unlock()

	a.dev.Connect(p)

	select {
	case err := <-ch:
		if err != nil {
			return nil, errors.Wrapf(err, "connect %s", d.ID)
		}
	case <-ctx.Done():
		a.mu.Lock()
		delete(a.pending, d.ID)
		a.mu.Unlock()
		a.dev.CancelConnection(p)
		return nil, ctx.Err()
	}

	c, caps, err := a.resolve(p)
	if err != nil {
		a.dev.CancelConnection(p)
		return nil, err
	}

	link := &hciLink{adapter: a, p: p, c: c, caps: caps, done: make(chan struct{})}
	a.mu.Lock()
	a.links[d.ID] = link
	a.mu.Unlock()
	return link, nil
}

func (a *HCIAdapter) resolve(p gatt.Peripheral) (*gatt.Characteristic, helmet.Capability, error) {
	ss, err := p.DiscoverServices([]gatt.UUID{a.service})
	if err != nil {
		return nil, 0, errors.Wrap(err, "discover services")
	}

	for _, s := range ss {
		if !s.UUID().Equal(a.service) {
			continue
		}

		cs, err := p.DiscoverCharacteristics([]gatt.UUID{a.char}, s)
		if err != nil {
			return nil, 0, errors.Wrap(err, "discover characteristics")
		}

		for _, c := range cs {
			if !c.UUID().Equal(a.char) {
				continue
			}

			var caps helmet.Capability
			if c.Properties()&gatt.CharWrite != 0 {
				caps |= helmet.CapWrite
			}
			if c.Properties()&gatt.CharWriteNR != 0 {
				caps |= helmet.CapWriteNoResponse
			}
			if c.Properties()&(gatt.CharNotify|gatt.CharIndicate) != 0 {
				caps |= helmet.CapNotify
			}
			if !caps.Has(helmet.CapWrite | helmet.CapWriteNoResponse) {
				return nil, 0, errors.Errorf("characteristic %s is not writable", c.UUID())
			}
			return c, caps, nil
		}
	}

	return nil, 0, errors.Errorf("service %s with characteristic %s not found", a.service, a.char)
}

func (a *HCIAdapter) Close() error {
	a.dev.StopScanning()

	a.mu.Lock()
	links := make([]*hciLink, 0, len(a.links))
	for _, l := range a.links {
		links = append(links, l)
	}
	a.mu.Unlock()

	for _, l := range links {
		_ = l.Disconnect()
	}
	if s, ok := a.dev.(interface{ Stop() error }); ok {
		return s.Stop()
	}
	return nil
}

type hciLink struct {
	adapter *HCIAdapter
	p       gatt.Peripheral
	c       *gatt.Characteristic
	caps    helmet.Capability
	done    chan struct{}
	once    sync.Once
}

func (l *hciLink) Write(b []byte) error {
	noRsp := l.caps.Has(helmet.CapWriteNoResponse)
	return errors.Wrap(l.p.WriteCharacteristic(l.c, b, noRsp), "write characteristic")
}

func (l *hciLink) Disconnect() error {
	l.adapter.dev.CancelConnection(l.p)
	l.close()
	return nil
}

func (l *hciLink) close() {
	l.once.Do(func() { close(l.done) })
}

func (l *hciLink) Done() <-chan struct{} {
	return l.done
}

func (l *hciLink) Capabilities() helmet.Capability {
	return l.caps
}
