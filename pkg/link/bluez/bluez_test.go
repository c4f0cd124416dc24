package bluez

import (
	"encoding/binary"
	"testing"
	"time"

	dbus "github.com/godbus/dbus/v5"

	"github.com/tetherd/tetherd/pkg/link"
)

func TestDevicePathFor(t *testing.T) {
	got := devicePathFor("hci0", "AA:BB:CC:DD:EE:FF")
	want := dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF")
	if got != want {
		t.Errorf("devicePathFor = %s, want %s", got, want)
	}
}

func TestIsPairingFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"auth failed", dbus.Error{Name: "org.bluez.Error.AuthenticationFailed"}, true},
		{"auth canceled", dbus.Error{Name: "org.bluez.Error.AuthenticationCanceled"}, true},
		{"auth rejected", dbus.Error{Name: "org.bluez.Error.AuthenticationRejected"}, true},
		{"auth timeout", dbus.Error{Name: "org.bluez.Error.AuthenticationTimeout"}, true},
		{"connect failed", dbus.Error{Name: "org.bluez.Error.Failed"}, false},
		{"in progress", dbus.Error{Name: "org.bluez.Error.InProgress"}, false},
		{"not a dbus error", errString("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isPairingFailure(tt.err); got != tt.want {
				t.Errorf("isPairingFailure(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

type errString string

func (e errString) Error() string { return string(e) }

func TestDecodeVersion(t *testing.T) {
	v, err := decodeVersion([]byte{1, 4})
	if err != nil {
		t.Fatal(err)
	}
	if v.Major != 1 || v.Minor != 4 {
		t.Errorf("decodeVersion = %s, want 1.4", v)
	}

	if _, err := decodeVersion([]byte{1}); err == nil {
		t.Error("short payload should fail")
	}
}

func TestDecodeVolumeStats(t *testing.T) {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], 1<<30)
	binary.LittleEndian.PutUint64(buf[8:16], 1<<28)

	stats, err := decodeVolumeStats(buf)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 1<<30 || stats.Free != 1<<28 {
		t.Errorf("decodeVolumeStats = %+v", stats)
	}

	if _, err := decodeVolumeStats(buf[:8]); err == nil {
		t.Error("short payload should fail")
	}
}

func TestEncodeClock(t *testing.T) {
	now := time.Unix(1724572800, 0)
	buf := encodeClock(now)
	if len(buf) != 8 {
		t.Fatalf("clock payload = %d bytes, want 8", len(buf))
	}
	if got := binary.LittleEndian.Uint64(buf); got != 1724572800 {
		t.Errorf("clock payload = %d, want 1724572800", got)
	}
}

func TestEmitRacingCloseDoesNotPanic(t *testing.T) {
	tr := &Transport{
		events: make(chan link.Event, 1),
		stopCh: make(chan struct{}),
		chars:  map[string]dbus.ObjectPath{},
	}

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			tr.emit(link.Event{State: link.StateConnecting})
		}
		close(done)
	}()

	if err := tr.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("emitter did not finish after Close")
	}

	// Second close is a no-op.
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close returned error: %v", err)
	}

	if _, ok := <-tr.events; ok {
		// Drain: the buffered event (if any) comes first, then the closed state.
		if _, ok := <-tr.events; ok {
			t.Fatal("events channel not closed after Close")
		}
	}
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{Address: "AA:BB:CC:DD:EE:FF"}
	o.withDefaults()
	if o.Adapter != "hci0" {
		t.Errorf("Adapter = %q, want hci0", o.Adapter)
	}
	for name, uuid := range map[string]string{
		"version":          o.VersionCharUUID,
		"storage internal": o.StorageInternalCharUUID,
		"storage external": o.StorageExternalCharUUID,
		"clock":            o.ClockCharUUID,
		"sync":             o.SyncCharUUID,
	} {
		if uuid == "" {
			t.Errorf("%s characteristic UUID has no default", name)
		}
	}
}
