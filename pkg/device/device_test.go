package device

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tetherd/tetherd/pkg/link"
	"github.com/tetherd/tetherd/pkg/rpc"
)

type fakeLink struct {
	events chan link.Event

	connects    int32
	disconnects int32
	forgets     int32
}

func newFakeLink() *fakeLink {
	return &fakeLink{events: make(chan link.Event, 16)}
}

func (f *fakeLink) Connect()                  { atomic.AddInt32(&f.connects, 1) }
func (f *fakeLink) Disconnect()               { atomic.AddInt32(&f.disconnects, 1) }
func (f *fakeLink) Forget()                   { atomic.AddInt32(&f.forgets, 1) }
func (f *fakeLink) Events() <-chan link.Event { return f.events }
func (f *fakeLink) Close() error              { close(f.events); return nil }

func (f *fakeLink) emit(s link.State) {
	f.events <- link.Event{State: s}
}

type fakeInfo struct {
	mu      sync.Mutex
	battery *int
	version *rpc.Version
}

func (f *fakeInfo) Battery() (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.battery == nil {
		return 0, false
	}
	return *f.battery, true
}

func (f *fakeInfo) ProtocolVersion() (rpc.Version, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.version == nil {
		return rpc.Version{}, false
	}
	return *f.version, true
}

type fakeStorage struct {
	mu    sync.Mutex
	stats map[rpc.Volume]rpc.VolumeStats
	errs  map[rpc.Volume]error
}

func (f *fakeStorage) Query(_ context.Context, vol rpc.Volume) (rpc.VolumeStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[vol]; err != nil {
		return rpc.VolumeStats{}, err
	}
	return f.stats[vol], nil
}

type fakeClock struct {
	calls int32
	err   error
}

func (f *fakeClock) SetDeviceClock(context.Context, time.Time) error {
	atomic.AddInt32(&f.calls, 1)
	return f.err
}

type fakeArchive struct {
	calls int32
	err   error
	// block, when non-nil, makes Synchronize wait until it is closed.
	block chan struct{}
	// started, when non-nil, receives a token as each run begins.
	started chan struct{}
}

func (f *fakeArchive) Synchronize(ctx context.Context) error {
	atomic.AddInt32(&f.calls, 1)
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.err
}

type harness struct {
	dev     *Device
	link    *fakeLink
	info    *fakeInfo
	storage *fakeStorage
	clock   *fakeClock
	archive *fakeArchive
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()

	battery := 42
	h := &harness{
		link:    newFakeLink(),
		info:    &fakeInfo{battery: &battery, version: &rpc.Version{Major: 1, Minor: 0}},
		storage: &fakeStorage{stats: map[rpc.Volume]rpc.VolumeStats{}},
		clock:   &fakeClock{},
		archive: &fakeArchive{},
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = time.Millisecond
	}
	if opts.Quiescence == 0 {
		opts.Quiescence = 30 * time.Millisecond
	}
	h.dev = New(Collaborators{
		Link:    h.link,
		Info:    h.info,
		Storage: h.storage,
		Clock:   h.clock,
		Archive: h.archive,
	}, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.dev.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

// waitStatus drains the watch channel until the wanted status arrives.
func waitStatus(t *testing.T, ch <-chan Status, want Status) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-ch:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("did not reach status %s in time", want)
		}
	}
}

// settle waits long enough for any racing status writes to land.
func settle() { time.Sleep(50 * time.Millisecond) }

func TestWatchSeedsCurrentStatus(t *testing.T) {
	h := newHarness(t, Options{})
	ch, cancel := h.dev.Watch()
	defer cancel()

	select {
	case s := <-ch:
		if s != StatusNoDevice {
			t.Fatalf("expected initial %s, got %s", StatusNoDevice, s)
		}
	case <-time.After(time.Second):
		t.Fatal("no seeded status received")
	}
}

func TestConnectSequenceResetsAttempts(t *testing.T) {
	h := newHarness(t, Options{})
	ch, cancel := h.dev.Watch()
	defer cancel()

	h.link.emit(link.StateConnecting)
	waitStatus(t, ch, StatusPrePairing)

	h.link.emit(link.StateDisconnected)
	waitStatus(t, ch, StatusDisconnected)
	if got := h.dev.Snapshot().Attempts; got != 1 {
		t.Fatalf("attempts = %d, want 1", got)
	}

	h.link.emit(link.StateConnecting)
	h.link.emit(link.StateConnected)
	waitStatus(t, ch, StatusConnected)
	if got := h.dev.Snapshot().Attempts; got != 0 {
		t.Fatalf("attempts after connect = %d, want 0", got)
	}
}

func TestRetryBudgetExhaustion(t *testing.T) {
	h := newHarness(t, Options{MaxRetries: 3})
	ch, cancel := h.dev.Watch()
	defer cancel()

	h.link.emit(link.StateConnecting)
	waitStatus(t, ch, StatusPrePairing)

	// Each failure increments the counter and requests a reconnect, until
	// the budget is exhausted.
	for i := 0; i < 3; i++ {
		h.link.emit(link.StateDisconnected)
		waitStatus(t, ch, StatusDisconnected)
		h.link.emit(link.StateConnecting)
		waitStatus(t, ch, StatusConnecting)
	}
	connectsBefore := atomic.LoadInt32(&h.link.connects)
	if connectsBefore != 3 {
		t.Fatalf("reconnect requests = %d, want 3", connectsBefore)
	}

	h.link.emit(link.StateDisconnected)
	waitStatus(t, ch, StatusPairingIssue)

	settle()
	if got := atomic.LoadInt32(&h.link.connects); got != connectsBefore {
		t.Fatalf("reconnect requested after budget exhaustion: %d -> %d", connectsBefore, got)
	}
	if got := h.dev.Status(); got != StatusPairingIssue {
		t.Fatalf("status = %s, want %s", got, StatusPairingIssue)
	}
}

func TestPairingFailureIsTerminal(t *testing.T) {
	h := newHarness(t, Options{})
	ch, cancel := h.dev.Watch()
	defer cancel()

	h.link.emit(link.StateConnecting)
	h.link.emit(link.StateConnected)
	waitStatus(t, ch, StatusPairing)

	h.link.events <- link.Event{State: link.StateDisconnected, PairingFailed: true}
	waitStatus(t, ch, StatusFailed)

	settle()
	if got := atomic.LoadInt32(&h.link.forgets); got != 1 {
		t.Fatalf("forget requests = %d, want 1", got)
	}
	if got := atomic.LoadInt32(&h.link.connects); got != 0 {
		t.Fatalf("no reconnect expected after a failed pairing, got %d", got)
	}
}

func TestPostConnectionDropReconnectsWithoutBudget(t *testing.T) {
	h := newHarness(t, Options{MaxRetries: 1})
	ch, cancel := h.dev.Watch()
	defer cancel()

	h.link.emit(link.StateConnecting)
	h.link.emit(link.StateConnected)
	waitStatus(t, ch, StatusPairing)
	h.link.emit(link.StateConnected)
	waitStatus(t, ch, StatusConnected)

	// Drop and reconnect several times; the budget never applies.
	for i := 0; i < 4; i++ {
		h.link.emit(link.StateDisconnected)
		waitStatus(t, ch, StatusDisconnected)
		h.link.emit(link.StateConnected)
		waitStatus(t, ch, StatusConnected)
	}
}

func TestForgetResetsLifecycle(t *testing.T) {
	h := newHarness(t, Options{MaxRetries: 1})
	ch, cancel := h.dev.Watch()
	defer cancel()

	h.link.emit(link.StateConnecting)
	waitStatus(t, ch, StatusPrePairing)
	h.link.emit(link.StateDisconnected)
	waitStatus(t, ch, StatusDisconnected)
	h.link.emit(link.StateConnecting)
	waitStatus(t, ch, StatusConnecting)
	h.link.emit(link.StateDisconnected)
	waitStatus(t, ch, StatusPairingIssue)

	h.dev.Forget()
	h.link.emit(link.StateNone)
	waitStatus(t, ch, StatusNoDevice)

	if got := atomic.LoadInt32(&h.link.forgets); got != 1 {
		t.Fatalf("forget requests = %d, want 1", got)
	}
	if got := h.dev.Snapshot().Attempts; got != 0 {
		t.Fatalf("attempts after forget = %d, want 0", got)
	}
}

func TestReconnectMidHandshakeLeavesNoOrphan(t *testing.T) {
	h := newHarness(t, Options{InfoWaitTimeout: -1})
	h.info.mu.Lock()
	h.info.battery = nil // park the handshake in the info poll
	h.info.version = &rpc.Version{Major: 0, Minor: 1}
	h.info.mu.Unlock()

	ch, cancel := h.dev.Watch()
	defer cancel()

	h.link.emit(link.StateConnecting)
	h.link.emit(link.StateConnected)
	waitStatus(t, ch, StatusPairing)
	h.link.emit(link.StateConnected)
	waitStatus(t, ch, StatusConnected)

	// The link bounces without reporting a disconnect; the second connect
	// sequence must replace the first handshake, not leave it running.
	h.link.emit(link.StateConnecting)
	waitStatus(t, ch, StatusConnecting)
	h.link.emit(link.StateConnected)
	waitStatus(t, ch, StatusConnected)

	h.link.emit(link.StateDisconnected)
	waitStatus(t, ch, StatusDisconnected)

	// Telemetry arriving now must not wake a leftover handshake: the stale
	// below-minimum version would otherwise be validated and written as
	// UnsupportedDevice.
	b := 42
	h.info.mu.Lock()
	h.info.battery = &b
	h.info.mu.Unlock()

	settle()
	if got := h.dev.Status(); got != StatusDisconnected {
		t.Fatalf("status = %s, want %s", got, StatusDisconnected)
	}
	if got := atomic.LoadInt32(&h.link.disconnects); got != 0 {
		t.Fatalf("disconnect requested by a cancelled handshake: %d", got)
	}
}

func TestDisconnectDuringInfoPollCancelsHandshake(t *testing.T) {
	h := newHarness(t, Options{InfoWaitTimeout: -1})
	h.info.mu.Lock()
	h.info.battery = nil // telemetry never arrives
	h.info.mu.Unlock()

	ch, cancel := h.dev.Watch()
	defer cancel()

	h.link.emit(link.StateConnecting)
	h.link.emit(link.StateConnected)
	waitStatus(t, ch, StatusPairing)
	h.link.emit(link.StateConnected)
	waitStatus(t, ch, StatusConnected)

	h.link.emit(link.StateDisconnected)
	waitStatus(t, ch, StatusDisconnected)

	// The cancelled poll must not write a stale status afterwards.
	settle()
	if got := h.dev.Status(); got != StatusDisconnected {
		t.Fatalf("status = %s, want %s", got, StatusDisconnected)
	}
	if got := atomic.LoadInt32(&h.archive.calls); got != 0 {
		t.Fatalf("archive ran despite cancelled handshake: %d", got)
	}
}
