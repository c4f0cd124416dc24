// Package bluez implements the link.Layer transport and the rpc collaborator
// interfaces on top of the BlueZ D-Bus API. One Transport owns the system bus
// connection, the Device1 object for the configured peripheral, and the GATT
// characteristics discovered under it.
package bluez

import (
	"strings"
	"sync"

	dbus "github.com/godbus/dbus/v5"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tetherd/tetherd/pkg/link"
	"github.com/tetherd/tetherd/pkg/rpc"
)

const (
	bluezService      = "org.bluez"
	adapterIface      = "org.bluez.Adapter1"
	deviceIface       = "org.bluez.Device1"
	batteryIface      = "org.bluez.Battery1"
	gattCharIface     = "org.bluez.GattCharacteristic1"
	propsIface        = "org.freedesktop.DBus.Properties"
	objManagerIface   = "org.freedesktop.DBus.ObjectManager"
	defaultAdapter    = "hci0"
	eventChanCapacity = 16
)

// Options configures a Transport. Address is required; everything else has a
// working default.
type Options struct {
	// Address is the peripheral's MAC address (XX:XX:XX:XX:XX:XX).
	Address string
	// Adapter is the BlueZ adapter name. Empty means hci0.
	Adapter string

	// Vendor GATT characteristic UUIDs. Empty fields keep the defaults.
	VersionCharUUID         string
	StorageInternalCharUUID string
	StorageExternalCharUUID string
	ClockCharUUID           string
	SyncCharUUID            string
}

func (o *Options) withDefaults() {
	if o.Adapter == "" {
		o.Adapter = defaultAdapter
	}
	if o.VersionCharUUID == "" {
		o.VersionCharUUID = defaultVersionCharUUID
	}
	if o.StorageInternalCharUUID == "" {
		o.StorageInternalCharUUID = defaultStorageInternalCharUUID
	}
	if o.StorageExternalCharUUID == "" {
		o.StorageExternalCharUUID = defaultStorageExternalCharUUID
	}
	if o.ClockCharUUID == "" {
		o.ClockCharUUID = defaultClockCharUUID
	}
	if o.SyncCharUUID == "" {
		o.SyncCharUUID = defaultSyncCharUUID
	}
}

var _ link.Layer = &Transport{}
var _ rpc.DeviceInfo = &Transport{}
var _ rpc.Storage = &Transport{}
var _ rpc.Clock = &Transport{}
var _ rpc.Archive = &Transport{}

// Transport talks to one peripheral through BlueZ. Command methods return
// immediately; outcomes surface on the event channel as the bus reports them.
type Transport struct {
	opts Options

	bus         *dbus.Conn
	adapterPath dbus.ObjectPath
	devicePath  dbus.ObjectPath

	events chan link.Event
	sigCh  chan *dbus.Signal
	stopCh chan struct{}

	mu      sync.Mutex
	closed  bool
	battery *int
	version *rpc.Version
	// characteristic object paths, populated once services resolve
	chars map[string]dbus.ObjectPath
}

// New connects to the system bus, subscribes to property changes for the
// configured device and starts the event loop. The current device state is
// probed once so a peripheral that is already connected is reported as such.
func New(opts Options) (*Transport, error) {
	if opts.Address == "" {
		return nil, pkgerrors.New("device address is required")
	}
	opts.withDefaults()

	bus, err := dbus.SystemBus()
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to connect to system bus")
	}

	t := &Transport{
		opts:        opts,
		bus:         bus,
		adapterPath: dbus.ObjectPath("/org/bluez/" + opts.Adapter),
		devicePath:  devicePathFor(opts.Adapter, opts.Address),
		events:      make(chan link.Event, eventChanCapacity),
		sigCh:       make(chan *dbus.Signal, 64),
		stopCh:      make(chan struct{}),
		chars:       map[string]dbus.ObjectPath{},
	}

	if err := bus.AddMatchSignal(
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchObjectPath(t.devicePath),
	); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to match PropertiesChanged")
	}
	if err := bus.AddMatchSignal(
		dbus.WithMatchInterface(objManagerIface),
		dbus.WithMatchMember("InterfacesRemoved"),
	); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to match InterfacesRemoved")
	}
	bus.Signal(t.sigCh)

	t.probeInitialState()
	go t.loop()

	return t, nil
}

// probeInitialState emits the device's current connectivity so consumers do
// not start blind when the daemon restarts against a live connection.
func (t *Transport) probeInitialState() {
	connected, err := t.getBoolProperty(t.devicePath, deviceIface, "Connected")
	if err != nil {
		// No Device1 object yet: never paired, or removed.
		t.emit(link.Event{State: link.StateNone})
		return
	}
	if connected {
		t.emit(link.Event{State: link.StateConnected})
		t.onServicesMaybeResolved()
	} else {
		t.emit(link.Event{State: link.StateDisconnected})
	}
}

// Connect requests a connection, pairing first if the device is not yet
// paired. A pairing rejection is reported as a Disconnected event with
// PairingFailed set.
func (t *Transport) Connect() {
	go func() {
		t.emit(link.Event{State: link.StateConnecting})

		dev := t.bus.Object(bluezService, t.devicePath)
		paired, err := t.getBoolProperty(t.devicePath, deviceIface, "Paired")
		if err == nil && !paired {
			if err := dev.Call(deviceIface+".Pair", 0).Err; err != nil {
				if isPairingFailure(err) {
					logrus.WithError(err).Warn("pairing rejected by peripheral")
					t.emit(link.Event{State: link.StateDisconnected, PairingFailed: true})
					return
				}
				logrus.WithError(err).Error("pairing failed")
				t.emit(link.Event{State: link.StateDisconnected})
				return
			}
		}

		if err := dev.Call(deviceIface+".Connect", 0).Err; err != nil {
			logrus.WithError(err).Error("connect failed")
			t.emit(link.Event{State: link.StateDisconnected})
		}
		// Success is reported by the Connected property change, not here.
	}()
}

// Disconnect requests an orderly teardown. The Disconnected event arrives via
// the Connected property change.
func (t *Transport) Disconnect() {
	go func() {
		dev := t.bus.Object(bluezService, t.devicePath)
		if err := dev.Call(deviceIface+".Disconnect", 0).Err; err != nil {
			logrus.WithError(err).Error("disconnect failed")
		}
	}()
}

// Forget removes the pairing identity from the adapter. BlueZ drops the
// Device1 object, which surfaces as a StateNone event.
func (t *Transport) Forget() {
	go func() {
		adapter := t.bus.Object(bluezService, t.adapterPath)
		if err := adapter.Call(adapterIface+".RemoveDevice", 0, t.devicePath).Err; err != nil {
			logrus.WithError(err).Error("remove device failed")
			return
		}
		t.emit(link.Event{State: link.StateNone})
	}()
}

func (t *Transport) Events() <-chan link.Event {
	return t.events
}

// Close is idempotent. It stops the event loop, drops the bus subscriptions
// and closes the event channel. The system bus connection itself is shared
// process-wide and is left open.
func (t *Transport) Close() error {
	// The channel close happens under the same lock emit sends under, so an
	// in-flight Connect/Forget goroutine can never send on a closed channel.
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.events)
	t.mu.Unlock()

	close(t.stopCh)
	if t.bus != nil {
		_ = t.bus.RemoveMatchSignal(
			dbus.WithMatchInterface(propsIface),
			dbus.WithMatchMember("PropertiesChanged"),
			dbus.WithMatchObjectPath(t.devicePath),
		)
		_ = t.bus.RemoveMatchSignal(
			dbus.WithMatchInterface(objManagerIface),
			dbus.WithMatchMember("InterfacesRemoved"),
		)
		t.bus.RemoveSignal(t.sigCh)
	}
	return nil
}

func (t *Transport) loop() {
	for {
		select {
		case <-t.stopCh:
			return
		case sig, ok := <-t.sigCh:
			if !ok {
				return
			}
			t.handleSignal(sig)
		}
	}
}

func (t *Transport) handleSignal(sig *dbus.Signal) {
	switch sig.Name {
	case propsIface + ".PropertiesChanged":
		if sig.Path != t.devicePath || len(sig.Body) < 2 {
			return
		}
		iface, _ := sig.Body[0].(string)
		changed, _ := sig.Body[1].(map[string]dbus.Variant)
		if changed == nil {
			return
		}
		t.handlePropertiesChanged(iface, changed)

	case objManagerIface + ".InterfacesRemoved":
		if len(sig.Body) < 1 {
			return
		}
		path, _ := sig.Body[0].(dbus.ObjectPath)
		if path == t.devicePath {
			t.resetDeviceState()
			t.emit(link.Event{State: link.StateNone})
		}
	}
}

func (t *Transport) handlePropertiesChanged(iface string, changed map[string]dbus.Variant) {
	switch iface {
	case deviceIface:
		if v, ok := changed["Connected"]; ok {
			if connected, ok := v.Value().(bool); ok {
				if connected {
					t.emit(link.Event{State: link.StateConnected})
				} else {
					t.resetDeviceState()
					t.emit(link.Event{State: link.StateDisconnected})
				}
			}
		}
		if v, ok := changed["ServicesResolved"]; ok {
			if resolved, ok := v.Value().(bool); ok && resolved {
				t.onServicesMaybeResolved()
			}
		}
	case batteryIface:
		if v, ok := changed["Percentage"]; ok {
			if pct, ok := v.Value().(byte); ok {
				t.setBattery(int(pct))
			}
		}
	}
}

// resetDeviceState drops cached telemetry and characteristic paths. They are
// rediscovered on the next resolved connection.
func (t *Transport) resetDeviceState() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.battery = nil
	t.version = nil
	t.chars = map[string]dbus.ObjectPath{}
}

// emit delivers an event unless the transport is closed. The lock spans the
// send; the send never blocks, so Close waits at most one buffered write.
func (t *Transport) emit(ev link.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.events <- ev:
	default:
		logrus.WithField("state", ev.State).Warn("link event dropped, consumer too slow")
	}
}

func (t *Transport) getBoolProperty(path dbus.ObjectPath, iface, prop string) (bool, error) {
	variant, err := t.bus.Object(bluezService, path).GetProperty(iface + "." + prop)
	if err != nil {
		return false, err
	}
	b, ok := variant.Value().(bool)
	if !ok {
		return false, pkgerrors.Errorf("property %s.%s is not a bool", iface, prop)
	}
	return b, nil
}

// devicePathFor converts a MAC address into the BlueZ object path, e.g.
// AA:BB:CC:DD:EE:FF on hci0 becomes /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF.
func devicePathFor(adapter, address string) dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + adapter + "/dev_" + strings.ReplaceAll(address, ":", "_"))
}

// isPairingFailure reports whether a Pair call failed because the credential
// exchange itself was rejected, canceled or timed out, as opposed to a
// transient radio problem.
func isPairingFailure(err error) bool {
	derr, ok := err.(dbus.Error)
	if !ok {
		return false
	}
	switch derr.Name {
	case "org.bluez.Error.AuthenticationFailed",
		"org.bluez.Error.AuthenticationCanceled",
		"org.bluez.Error.AuthenticationRejected",
		"org.bluez.Error.AuthenticationTimeout":
		return true
	}
	return false
}
