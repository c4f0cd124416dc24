package device

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tetherd/tetherd/pkg/link"
	"github.com/tetherd/tetherd/pkg/rpc"
)

func TestSynchronizeNoopWhenNotConnected(t *testing.T) {
	h := newHarness(t, Options{})
	if h.dev.Synchronize() {
		t.Fatal("Synchronize should be a no-op without a connected link")
	}
	if got := atomic.LoadInt32(&h.archive.calls); got != 0 {
		t.Fatalf("archive calls = %d, want 0", got)
	}
}

func TestSynchronizeNoopWhenUnsupported(t *testing.T) {
	h := newHarness(t, Options{})
	h.info.mu.Lock()
	h.info.version = &rpc.Version{Major: 0, Minor: 1}
	h.info.mu.Unlock()

	ch, cancel := h.dev.Watch()
	defer cancel()
	pair(t, h, ch)
	waitStatus(t, ch, StatusUnsupported)

	// The raw link is still up; only the status blocks synchronization.
	if h.dev.Synchronize() {
		t.Fatal("Synchronize should be a no-op for an unsupported device")
	}
	if got := atomic.LoadInt32(&h.archive.calls); got != 0 {
		t.Fatalf("archive calls = %d, want 0", got)
	}
}

func TestConcurrentSynchronizeRunsOnce(t *testing.T) {
	h := newHarness(t, Options{})
	ch, cancel := h.dev.Watch()
	defer cancel()

	// Block the handshake-triggered run so we control timing.
	h.archive.block = make(chan struct{})
	h.archive.started = make(chan struct{}, 1)
	pair(t, h, ch)

	select {
	case <-h.archive.started:
	case <-time.After(2 * time.Second):
		t.Fatal("archive synchronization did not start")
	}

	// A second entry while the first run is in flight is a no-op.
	if h.dev.Synchronize() {
		t.Fatal("second Synchronize should be rejected while one is in flight")
	}

	close(h.archive.block)
	waitStatus(t, ch, StatusSynchronized)
	if got := atomic.LoadInt32(&h.archive.calls); got != 1 {
		t.Fatalf("archive calls = %d, want exactly 1", got)
	}
}

func TestQuiescenceRevert(t *testing.T) {
	h := newHarness(t, Options{Quiescence: 25 * time.Millisecond})
	ch, cancel := h.dev.Watch()
	defer cancel()

	pair(t, h, ch)
	waitStatus(t, ch, StatusSynchronized)

	// Nothing else happens: the banner reverts to the base status once.
	waitStatus(t, ch, StatusConnected)
	settle()
	if got := h.dev.Status(); got != StatusConnected {
		t.Fatalf("status = %s, want %s", got, StatusConnected)
	}
}

func TestStaleRevertIsSuppressed(t *testing.T) {
	h := newHarness(t, Options{Quiescence: 60 * time.Millisecond})
	ch, cancel := h.dev.Watch()
	defer cancel()

	pair(t, h, ch)
	waitStatus(t, ch, StatusSynchronized)

	// Disconnect before the quiescence window elapses.
	h.link.emit(link.StateDisconnected)
	waitStatus(t, ch, StatusDisconnected)

	// When the scheduled revert fires it must not overwrite the newer status.
	time.Sleep(100 * time.Millisecond)
	if got := h.dev.Status(); got != StatusDisconnected {
		t.Fatalf("status = %s, want %s", got, StatusDisconnected)
	}
}

func TestSyncFailureRevertsToBaseStatus(t *testing.T) {
	h := newHarness(t, Options{})
	h.archive.err = errors.New("archive unavailable")

	ch, cancel := h.dev.Watch()
	defer cancel()

	pair(t, h, ch)
	waitStatus(t, ch, StatusSynchronizing)
	// Failure is swallowed: back to Connected, never Synchronized.
	waitStatus(t, ch, StatusConnected)
	settle()
	if got := h.dev.Status(); got != StatusConnected {
		t.Fatalf("status = %s, want %s", got, StatusConnected)
	}
}

func TestDisconnectCancelsInFlightSync(t *testing.T) {
	h := newHarness(t, Options{})
	ch, cancel := h.dev.Watch()
	defer cancel()

	h.archive.block = make(chan struct{})
	defer close(h.archive.block)
	h.archive.started = make(chan struct{}, 1)

	pair(t, h, ch)
	select {
	case <-h.archive.started:
	case <-time.After(2 * time.Second):
		t.Fatal("archive synchronization did not start")
	}

	h.link.emit(link.StateDisconnected)
	waitStatus(t, ch, StatusDisconnected)

	// The cancelled run must not settle a Synchronized status afterwards.
	settle()
	if got := h.dev.Status(); got != StatusDisconnected {
		t.Fatalf("status = %s, want %s", got, StatusDisconnected)
	}
}
