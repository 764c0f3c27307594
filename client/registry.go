package client

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/gridscout/go-ied/ied"
	"github.com/gridscout/go-ied/logger"
)

// TransportFactory builds the protocol stack handle for one device. The returned
// transport is not yet connected; the device drives Connect itself so that
// progress events and state transitions stay in one place.
type TransportFactory func(cfg *DeviceConfig) (ied.Transport, error)

// Registry owns the set of known devices, keyed by their unique name, and the
// event bus all of them publish on. Devices are registered up front and
// connected on demand; registration is cheap and does not touch the network.
type Registry struct {
	factory TransportFactory
	bus     *ied.EventBus
	logger  logger.Logger
	devices *xsync.MapOf[string, *Device]
}

// NewRegistry creates an empty device registry using the given transport factory.
func NewRegistry(factory TransportFactory) *Registry {
	return &Registry{
		factory: factory,
		bus:     ied.NewEventBus(logger.GetLogger()),
		logger:  logger.GetLogger(),
		devices: xsync.NewMapOf[string, *Device](),
	}
}

// Add registers a device under its configured name.
// Registration does not connect; call Connect on the returned device.
func (r *Registry) Add(cfg *DeviceConfig) (*Device, error) {
	if cfg == nil {
		return nil, ied.ErrConfigNil
	}

	dev := newDevice(cfg, r.factory, r.bus)
	if _, loaded := r.devices.LoadOrStore(cfg.Name(), dev); loaded {
		return nil, fmt.Errorf("%w: %s", ied.ErrDuplicateName, cfg.Name())
	}

	r.logger.Info("device registered", "device", cfg.Name(), "host", cfg.Host(), "port", cfg.Port())

	return dev, nil
}

// AddStation registers every device from a YAML station file.
// The first duplicate name aborts the load; earlier entries stay registered.
func (r *Registry) AddStation(path string) ([]*Device, error) {
	configs, err := LoadStationFile(path)
	if err != nil {
		return nil, err
	}

	devices := make([]*Device, 0, len(configs))
	for _, cfg := range configs {
		dev, err := r.Add(cfg)
		if err != nil {
			return devices, err
		}
		devices = append(devices, dev)
	}

	return devices, nil
}

// Get returns the device registered under the given name.
func (r *Registry) Get(name string) (*Device, error) {
	dev, ok := r.devices.Load(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ied.ErrDeviceNotFound, name)
	}

	return dev, nil
}

// List returns all registered devices sorted by name.
func (r *Registry) List() []*Device {
	devices := make([]*Device, 0, r.devices.Size())
	r.devices.Range(func(_ string, dev *Device) bool {
		devices = append(devices, dev)
		return true
	})

	sort.Slice(devices, func(i, j int) bool { return devices[i].Name() < devices[j].Name() })

	return devices
}

// Remove disconnects the named device and drops it from the registry.
func (r *Registry) Remove(name string) error {
	dev, ok := r.devices.LoadAndDelete(name)
	if !ok {
		return fmt.Errorf("%w: %s", ied.ErrDeviceNotFound, name)
	}

	dev.Disconnect()

	return nil
}

// Connect connects the named device.
func (r *Registry) Connect(ctx context.Context, name string) error {
	dev, err := r.Get(name)
	if err != nil {
		return err
	}

	return dev.Connect(ctx)
}

// Disconnect disconnects the named device, keeping it registered.
func (r *Registry) Disconnect(name string) error {
	dev, err := r.Get(name)
	if err != nil {
		return err
	}

	dev.Disconnect()

	return nil
}

// Subscribe registers a handler for events of the given kind across all devices.
func (r *Registry) Subscribe(kind ied.EventKind, handler ied.EventHandler) ied.Subscription {
	return r.bus.Subscribe(kind, handler)
}

// Unsubscribe removes a previously registered handler.
func (r *Registry) Unsubscribe(sub ied.Subscription) {
	r.bus.Unsubscribe(sub)
}

// Close disconnects every device and empties the registry.
func (r *Registry) Close() {
	r.devices.Range(func(name string, dev *Device) bool {
		dev.Disconnect()
		r.devices.Delete(name)

		return true
	})
}

// Device is one registered remote device. Its connection-facing surface is safe
// for concurrent use; operations requiring a live session fail with
// ied.ErrNotConnected while the device is down.
type Device struct {
	cfg      *DeviceConfig
	factory  TransportFactory
	bus      *ied.EventBus
	stateMgr *ied.ConnStateMgr
	logger   logger.Logger

	mu      sync.RWMutex
	session *Session
	engine  *ControlEngine
	poller  *SignalPoller
}

func newDevice(cfg *DeviceConfig, factory TransportFactory, bus *ied.EventBus) *Device {
	return &Device{
		cfg:      cfg,
		factory:  factory,
		bus:      bus,
		stateMgr: ied.NewConnStateMgr(cfg.Name(), cfg.Logger()),
		logger:   cfg.Logger().With("device", cfg.Name()),
	}
}

// Name returns the unique device name.
func (d *Device) Name() string { return d.cfg.Name() }

// Config returns the device configuration.
func (d *Device) Config() *DeviceConfig { return d.cfg }

// ConnState returns the current connection state.
func (d *Device) ConnState() ied.ConnState { return d.stateMgr.State() }

// Connect establishes the device connection and brings up the session, control
// engine and signal poller. A failed attempt leaves the device in the error
// state with the transport released; the device stays registered and Connect may
// be called again.
func (d *Device) Connect(ctx context.Context) error {
	if err := d.stateMgr.ToConnecting(); err != nil {
		return fmt.Errorf("connect %s: %w", d.cfg.Name(), err)
	}

	d.progress("transport", "creating protocol stack")

	transport, err := d.factory(d.cfg)
	if err != nil {
		return d.failConnect(nil, fmt.Errorf("create transport: %w", err))
	}
	if transport == nil {
		return d.failConnect(nil, ied.ErrTransportNil)
	}

	d.progress("connect", fmt.Sprintf("connecting to %s:%d", d.cfg.Host(), d.cfg.Port()))

	connCtx, cancel := context.WithTimeout(ctx, d.cfg.ConnectTimeout())
	defer cancel()

	if err := transport.Connect(connCtx); err != nil {
		return d.failConnect(transport, fmt.Errorf("%w: %v", ied.ErrConnection, err))
	}

	d.progress("session", "starting session")

	session := newSession(ctx, d.cfg, transport, d.stateMgr, d.bus)
	engine := newControlEngine(d.cfg, session, d.bus, session.taskMgr)
	poller := newSignalPoller(d.cfg, session, d.bus, session.taskMgr)
	session.onDown = func(reason string) {
		engine.Reset(reason)
		go d.dropSession(session, ied.ErrorState)
	}

	if err := session.start(); err != nil {
		session.close()
		return d.failConnect(nil, fmt.Errorf("start session: %w", err))
	}

	if err := poller.start(); err != nil {
		session.close()
		return d.failConnect(nil, fmt.Errorf("start poller: %w", err))
	}

	d.mu.Lock()
	d.session = session
	d.engine = engine
	d.poller = poller
	d.mu.Unlock()

	if err := d.stateMgr.ToConnected(); err != nil {
		d.dropSession(session, ied.ErrorState)
		return fmt.Errorf("connect %s: %w", d.cfg.Name(), err)
	}

	d.logger.Info("device connected", "host", d.cfg.Host(), "port", d.cfg.Port(),
		"control_objects", session.Capabilities().ControlObjects)

	d.bus.Publish(ied.NewEvent(ied.StatusChangedEvent, d.cfg.Name(), ied.StatusChanged{
		Connected: true,
		State:     ied.ConnectedState,
	}))

	return nil
}

// Disconnect tears the device connection down deliberately. Active control
// workflows fail with a connection-class result; the watch set is kept for the
// next connect.
func (d *Device) Disconnect() {
	d.mu.RLock()
	session := d.session
	engine := d.engine
	d.mu.RUnlock()

	if session == nil {
		d.stateMgr.ToDisconnected()
		return
	}

	engine.Reset("device disconnected")
	d.dropSession(session, ied.DisconnectedState)
}

// Connected reports whether the device session is up.
func (d *Device) Connected() bool { return d.stateMgr.IsConnected() }

// ReadSignal reads the signal at the given address.
func (d *Device) ReadSignal(address string) (ied.Signal, error) {
	s, err := d.liveSession()
	if err != nil {
		return ied.Signal{}, err
	}

	return s.ReadSignal(address)
}

// WriteSignal writes a value to the given address.
func (d *Device) WriteSignal(address string, value ied.Value) error {
	s, err := d.liveSession()
	if err != nil {
		return err
	}

	return s.WriteSignal(address, value)
}

// SendCommand dispatches the full control workflow for the referenced point.
// The outcome arrives as a ControlResult event.
func (d *Device) SendCommand(ref string, value ied.Value, origin ied.Originator, opts ied.OperateOptions) error {
	e, err := d.liveEngine()
	if err != nil {
		return err
	}

	return e.SendCommand(ref, value, origin, opts)
}

// Select runs the selection phase of an SBO control point.
func (d *Device) Select(ref string, value ied.Value, origin ied.Originator) error {
	e, err := d.liveEngine()
	if err != nil {
		return err
	}

	return e.Select(ref, value, origin)
}

// Operate runs the operate phase of a selected SBO point, or the whole workflow
// for a direct control point.
func (d *Device) Operate(ref string, value ied.Value, origin ied.Originator, opts ied.OperateOptions) error {
	e, err := d.liveEngine()
	if err != nil {
		return err
	}

	return e.Operate(ref, value, origin, opts)
}

// Cancel aborts a pending or held selection on the referenced point.
func (d *Device) Cancel(ref string) error {
	e, err := d.liveEngine()
	if err != nil {
		return err
	}

	return e.Cancel(ref)
}

// ControlState returns the current control workflow state of the referenced point.
func (d *Device) ControlState(ref string) ied.CtlState {
	d.mu.RLock()
	engine := d.engine
	d.mu.RUnlock()

	if engine == nil {
		return ied.CtlIdle
	}

	return engine.State(ref)
}

// Watch adds an address to the poller watch set.
func (d *Device) Watch(address string) error {
	p, err := d.livePoller()
	if err != nil {
		return err
	}

	p.Watch(address)

	return nil
}

// Unwatch removes an address from the poller watch set.
func (d *Device) Unwatch(address string) error {
	p, err := d.livePoller()
	if err != nil {
		return err
	}

	p.Unwatch(address)

	return nil
}

// Capabilities returns the capability table of the connected device.
func (d *Device) Capabilities() (ied.Capabilities, error) {
	s, err := d.liveSession()
	if err != nil {
		return ied.Capabilities{}, err
	}

	return s.Capabilities(), nil
}

func (d *Device) liveSession() (*Session, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.session == nil {
		return nil, ied.ErrNotConnected
	}

	return d.session, nil
}

func (d *Device) liveEngine() (*ControlEngine, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.engine == nil {
		return nil, ied.ErrNotConnected
	}

	return d.engine, nil
}

func (d *Device) livePoller() (*SignalPoller, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.poller == nil {
		return nil, ied.ErrNotConnected
	}

	return d.poller, nil
}

// dropSession detaches and closes the given session if it is still the current
// one, then moves the device to the final state. Safe to call from both the
// deliberate disconnect path and the transport failure path.
func (d *Device) dropSession(session *Session, final ied.ConnState) {
	d.mu.Lock()
	if d.session != session {
		d.mu.Unlock()
		// a newer session took over; still release the old one
		session.close()
		return
	}

	poller := d.poller
	d.session = nil
	d.engine = nil
	d.poller = nil
	d.mu.Unlock()

	if poller != nil {
		poller.stop()
	}
	session.close()

	if final == ied.DisconnectedState {
		d.stateMgr.ToDisconnected()
		d.bus.Publish(ied.NewEvent(ied.StatusChangedEvent, d.cfg.Name(), ied.StatusChanged{
			Connected: false,
			State:     ied.DisconnectedState,
			Reason:    "device disconnected",
		}))
	}

	d.logger.Info("device session released", "state", d.stateMgr.State())
}

// failConnect releases a half-built connection attempt and reports the failure.
func (d *Device) failConnect(transport ied.Transport, err error) error {
	if transport != nil {
		if cerr := transport.Close(); cerr != nil {
			d.logger.Debug("close transport after failed connect", "error", cerr)
		}
	}

	d.stateMgr.ToError()

	d.logger.Warn("connect failed", "error", err)

	d.bus.Publish(ied.NewEvent(ied.StatusChangedEvent, d.cfg.Name(), ied.StatusChanged{
		Connected: false,
		State:     ied.ErrorState,
		Reason:    err.Error(),
	}))

	return fmt.Errorf("connect %s: %w", d.cfg.Name(), err)
}

func (d *Device) progress(stage string, msg string) {
	d.bus.Publish(ied.NewEvent(ied.ConnectionProgressEvent, d.cfg.Name(), ied.ConnectionProgress{
		Stage:   stage,
		Message: msg,
	}))
}
