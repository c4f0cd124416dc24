package device

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tetherd/tetherd/pkg/link"
	"github.com/tetherd/tetherd/pkg/rpc"
)

// pair drives the harness through first pairing into Connected, which starts
// the handshake.
func pair(t *testing.T, h *harness, ch <-chan Status) {
	t.Helper()
	h.link.emit(link.StateConnecting)
	h.link.emit(link.StateConnected)
	waitStatus(t, ch, StatusPairing)
	h.link.emit(link.StateConnected)
	waitStatus(t, ch, StatusConnected)
}

func TestHandshakeHappyPath(t *testing.T) {
	h := newHarness(t, Options{})
	h.storage.stats[rpc.VolumeInternal] = rpc.VolumeStats{Total: 1 << 20, Free: 1 << 18}
	h.storage.stats[rpc.VolumeExternal] = rpc.VolumeStats{Total: 1 << 30, Free: 1 << 28}

	ch, cancel := h.dev.Watch()
	defer cancel()
	pair(t, h, ch)

	waitStatus(t, ch, StatusSynchronizing)
	waitStatus(t, ch, StatusSynchronized)
	// After the quiescence window the banner reverts to the base status.
	waitStatus(t, ch, StatusConnected)

	if got := atomic.LoadInt32(&h.clock.calls); got != 1 {
		t.Errorf("clock sync calls = %d, want 1", got)
	}
	if got := atomic.LoadInt32(&h.archive.calls); got != 1 {
		t.Errorf("archive sync calls = %d, want 1", got)
	}
	stats := h.dev.StorageStats()
	if stats[rpc.VolumeInternal].Total != 1<<20 {
		t.Errorf("internal volume stats not recorded: %+v", stats)
	}
	if stats[rpc.VolumeExternal].Free != 1<<28 {
		t.Errorf("external volume stats not recorded: %+v", stats)
	}
}

func TestHandshakeUnsupportedProtocol(t *testing.T) {
	h := newHarness(t, Options{})
	h.info.mu.Lock()
	h.info.version = &rpc.Version{Major: 0, Minor: 2}
	h.info.mu.Unlock()

	ch, cancel := h.dev.Watch()
	defer cancel()
	pair(t, h, ch)

	waitStatus(t, ch, StatusUnsupported)
	settle()
	if got := atomic.LoadInt32(&h.link.disconnects); got != 1 {
		t.Fatalf("disconnects = %d, want exactly 1", got)
	}
	if got := atomic.LoadInt32(&h.archive.calls); got != 0 {
		t.Fatalf("archive must not run for an unsupported device, got %d calls", got)
	}

	// A reconnecting unsupported device is not promoted back into the flow.
	h.link.emit(link.StateConnected)
	settle()
	if got := h.dev.Status(); got != StatusUnsupported {
		t.Fatalf("status after reconnect = %s, want %s", got, StatusUnsupported)
	}
}

func TestHandshakeMissingProtocolFailsClosed(t *testing.T) {
	h := newHarness(t, Options{})
	h.info.mu.Lock()
	h.info.version = nil
	h.info.mu.Unlock()

	ch, cancel := h.dev.Watch()
	defer cancel()
	pair(t, h, ch)

	waitStatus(t, ch, StatusDisconnected)
	settle()
	if got := atomic.LoadInt32(&h.link.disconnects); got != 1 {
		t.Fatalf("disconnects = %d, want 1", got)
	}
	if got := atomic.LoadInt32(&h.archive.calls); got != 0 {
		t.Fatalf("archive must not run without a protocol version, got %d calls", got)
	}
}

func TestHandshakeStorageFailureIsSwallowed(t *testing.T) {
	h := newHarness(t, Options{})
	h.storage.stats[rpc.VolumeInternal] = rpc.VolumeStats{Total: 64, Free: 32}
	h.storage.errs = map[rpc.Volume]error{rpc.VolumeExternal: errors.New("no sd card")}

	ch, cancel := h.dev.Watch()
	defer cancel()
	pair(t, h, ch)

	// The pipeline continues through the storage failure to the archive.
	waitStatus(t, ch, StatusSynchronized)

	stats := h.dev.StorageStats()
	if stats[rpc.VolumeInternal].Total != 64 {
		t.Errorf("internal volume stats missing: %+v", stats)
	}
	if _, ok := stats[rpc.VolumeExternal]; ok {
		t.Errorf("external volume stats should be absent, got %+v", stats)
	}
}

func TestHandshakeClockFailureIsSwallowed(t *testing.T) {
	h := newHarness(t, Options{})
	h.clock.err = errors.New("rpc timeout")

	ch, cancel := h.dev.Watch()
	defer cancel()
	pair(t, h, ch)

	// Clock failure does not stop the archive step.
	waitStatus(t, ch, StatusSynchronized)
	if got := atomic.LoadInt32(&h.archive.calls); got != 1 {
		t.Fatalf("archive sync calls = %d, want 1", got)
	}
}

func TestHandshakeInfoWaitTimeout(t *testing.T) {
	h := newHarness(t, Options{InfoWaitTimeout: 20 * time.Millisecond})
	h.info.mu.Lock()
	h.info.battery = nil
	h.info.mu.Unlock()

	ch, cancel := h.dev.Watch()
	defer cancel()
	pair(t, h, ch)

	waitStatus(t, ch, StatusDisconnected)
	settle()
	if got := atomic.LoadInt32(&h.link.disconnects); got != 1 {
		t.Fatalf("disconnects = %d, want 1", got)
	}
	if got := atomic.LoadInt32(&h.archive.calls); got != 0 {
		t.Fatalf("archive must not run after an info timeout, got %d calls", got)
	}
}

func TestHandshakeWaitsForLateTelemetry(t *testing.T) {
	h := newHarness(t, Options{InfoWaitTimeout: -1})
	h.info.mu.Lock()
	h.info.battery = nil
	h.info.mu.Unlock()

	ch, cancel := h.dev.Watch()
	defer cancel()
	pair(t, h, ch)

	// Telemetry arrives late; the poll picks it up and the pipeline runs.
	time.Sleep(20 * time.Millisecond)
	b := 87
	h.info.mu.Lock()
	h.info.battery = &b
	h.info.mu.Unlock()

	waitStatus(t, ch, StatusSynchronized)
}
