package bluez

import (
	"context"
	"encoding/binary"
	"strings"
	"time"

	dbus "github.com/godbus/dbus/v5"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tetherd/tetherd/pkg/rpc"
)

// Vendor GATT characteristics exposed by the peripheral.
const (
	defaultVersionCharUUID         = "7b3a0001-9f26-43c5-8f7a-4e1d02c45d21"
	defaultStorageInternalCharUUID = "7b3a0002-9f26-43c5-8f7a-4e1d02c45d21"
	defaultStorageExternalCharUUID = "7b3a0003-9f26-43c5-8f7a-4e1d02c45d21"
	defaultClockCharUUID           = "7b3a0004-9f26-43c5-8f7a-4e1d02c45d21"
	defaultSyncCharUUID            = "7b3a0005-9f26-43c5-8f7a-4e1d02c45d21"
)

// Sync control characteristic values.
const (
	syncOpStart byte = 0x01

	syncStateIdle    byte = 0x00
	syncStateRunning byte = 0x01
	syncStateDone    byte = 0x02
	syncStateError   byte = 0xFF
)

const syncPollInterval = 500 * time.Millisecond

// onServicesMaybeResolved walks the managed objects under the device path and
// records the vendor characteristics by UUID, then reads one-shot telemetry
// (protocol version, initial battery percentage).
func (t *Transport) onServicesMaybeResolved() {
	root := t.bus.Object(bluezService, "/")
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	call := root.Call(objManagerIface+".GetManagedObjects", 0)
	if call.Err != nil {
		logrus.WithError(call.Err).Error("GetManagedObjects failed")
		return
	}
	if err := call.Store(&objects); err != nil {
		logrus.WithError(err).Error("failed to decode managed objects")
		return
	}

	devicePrefix := string(t.devicePath) + "/"
	found := map[string]dbus.ObjectPath{}
	for path, ifaces := range objects {
		charProps, ok := ifaces[gattCharIface]
		if !ok || !strings.HasPrefix(string(path), devicePrefix) {
			continue
		}
		uuidVar, ok := charProps["UUID"]
		if !ok {
			continue
		}
		uuid, ok := uuidVar.Value().(string)
		if !ok {
			continue
		}
		found[strings.ToLower(uuid)] = path
	}

	t.mu.Lock()
	t.chars = found
	t.mu.Unlock()
	logrus.WithField("characteristics", len(found)).Debug("GATT discovery complete")

	t.readProtocolVersion()
	t.readBatteryOnce()
}

func (t *Transport) charPath(uuid string) (dbus.ObjectPath, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.chars[strings.ToLower(uuid)]
	return p, ok
}

func (t *Transport) readCharacteristic(ctx context.Context, path dbus.ObjectPath) ([]byte, error) {
	obj := t.bus.Object(bluezService, path)
	call := obj.CallWithContext(ctx, gattCharIface+".ReadValue", 0, map[string]dbus.Variant{})
	if call.Err != nil {
		return nil, call.Err
	}
	var data []byte
	if err := call.Store(&data); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to decode characteristic value")
	}
	return data, nil
}

func (t *Transport) writeCharacteristic(ctx context.Context, path dbus.ObjectPath, data []byte) error {
	obj := t.bus.Object(bluezService, path)
	return obj.CallWithContext(ctx, gattCharIface+".WriteValue", 0, data, map[string]dbus.Variant{}).Err
}

func (t *Transport) readProtocolVersion() {
	path, ok := t.charPath(t.opts.VersionCharUUID)
	if !ok {
		logrus.Debug("version characteristic not present")
		return
	}
	data, err := t.readCharacteristic(context.Background(), path)
	if err != nil {
		logrus.WithError(err).Warn("failed to read protocol version")
		return
	}
	v, err := decodeVersion(data)
	if err != nil {
		logrus.WithError(err).Warn("malformed protocol version")
		return
	}
	t.mu.Lock()
	t.version = &v
	t.mu.Unlock()
	logrus.WithField("version", v.String()).Debug("protocol version read")
}

// readBatteryOnce seeds the battery cache from Battery1. Later updates arrive
// via PropertiesChanged.
func (t *Transport) readBatteryOnce() {
	variant, err := t.bus.Object(bluezService, t.devicePath).GetProperty(batteryIface + ".Percentage")
	if err != nil {
		return
	}
	if pct, ok := variant.Value().(byte); ok {
		t.setBattery(int(pct))
	}
}

func (t *Transport) setBattery(pct int) {
	t.mu.Lock()
	t.battery = &pct
	t.mu.Unlock()
}

// Battery implements rpc.DeviceInfo.
func (t *Transport) Battery() (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.battery == nil {
		return 0, false
	}
	return *t.battery, true
}

// ProtocolVersion implements rpc.DeviceInfo.
func (t *Transport) ProtocolVersion() (rpc.Version, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.version == nil {
		return rpc.Version{}, false
	}
	return *t.version, true
}

// Query implements rpc.Storage by reading the per-volume characteristic.
func (t *Transport) Query(ctx context.Context, vol rpc.Volume) (rpc.VolumeStats, error) {
	var uuid string
	switch vol {
	case rpc.VolumeInternal:
		uuid = t.opts.StorageInternalCharUUID
	case rpc.VolumeExternal:
		uuid = t.opts.StorageExternalCharUUID
	default:
		return rpc.VolumeStats{}, pkgerrors.Errorf("unknown volume %q", vol)
	}
	path, ok := t.charPath(uuid)
	if !ok {
		return rpc.VolumeStats{}, pkgerrors.Errorf("storage characteristic for %s volume not present", vol)
	}
	data, err := t.readCharacteristic(ctx, path)
	if err != nil {
		return rpc.VolumeStats{}, pkgerrors.Wrapf(err, "failed to read %s volume stats", vol)
	}
	return decodeVolumeStats(data)
}

// SetDeviceClock implements rpc.Clock by writing the wall-clock time as unix
// seconds to the clock characteristic.
func (t *Transport) SetDeviceClock(ctx context.Context, now time.Time) error {
	path, ok := t.charPath(t.opts.ClockCharUUID)
	if !ok {
		return pkgerrors.New("clock characteristic not present")
	}
	if err := t.writeCharacteristic(ctx, path, encodeClock(now)); err != nil {
		return pkgerrors.Wrap(err, "failed to write device clock")
	}
	return nil
}

// Synchronize implements rpc.Archive. It kicks the peripheral's archive run
// via the sync control characteristic and polls the same characteristic until
// the device reports completion or ctx is canceled.
func (t *Transport) Synchronize(ctx context.Context) error {
	path, ok := t.charPath(t.opts.SyncCharUUID)
	if !ok {
		return pkgerrors.New("sync characteristic not present")
	}
	if err := t.writeCharacteristic(ctx, path, []byte{syncOpStart}); err != nil {
		return pkgerrors.Wrap(err, "failed to start archive synchronization")
	}

	ticker := time.NewTicker(syncPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			data, err := t.readCharacteristic(ctx, path)
			if err != nil {
				return pkgerrors.Wrap(err, "failed to read sync state")
			}
			if len(data) == 0 {
				continue
			}
			switch data[0] {
			case syncStateRunning:
				// keep polling
			case syncStateDone, syncStateIdle:
				return nil
			case syncStateError:
				return pkgerrors.New("peripheral reported archive synchronization failure")
			default:
				return pkgerrors.Errorf("unknown sync state 0x%02x", data[0])
			}
		}
	}
}

func decodeVersion(data []byte) (rpc.Version, error) {
	if len(data) < 2 {
		return rpc.Version{}, pkgerrors.Errorf("version payload too short: %d bytes", len(data))
	}
	return rpc.Version{Major: int(data[0]), Minor: int(data[1])}, nil
}

func decodeVolumeStats(data []byte) (rpc.VolumeStats, error) {
	if len(data) < 16 {
		return rpc.VolumeStats{}, pkgerrors.Errorf("volume stats payload too short: %d bytes", len(data))
	}
	return rpc.VolumeStats{
		Total: binary.LittleEndian.Uint64(data[0:8]),
		Free:  binary.LittleEndian.Uint64(data[8:16]),
	}, nil
}

func encodeClock(t time.Time) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(t.Unix()))
	return buf
}
