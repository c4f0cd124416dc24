// Package device implements the connection state machine and synchronization
// orchestrator for a single paired peripheral. It turns raw link-layer events
// into a DeviceStatus, applies the pairing/retry policy, runs the post-connect
// handshake, and guards archive synchronization against duplicate runs.
//
// All mutations of the status and retry counter are serialized behind one
// mutex: link events, handshake steps and the delayed synchronized-revert all
// funnel through it, so observers always see atomic updates.
package device

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tetherd/tetherd/pkg/events"
	"github.com/tetherd/tetherd/pkg/link"
	"github.com/tetherd/tetherd/pkg/rpc"
)

const (
	// DefaultMaxRetries is the retry budget for initial connect failures.
	DefaultMaxRetries = 3
	// DefaultPollInterval is the device-information poll interval.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultInfoWaitTimeout bounds the device-information wait. Zero waits
	// forever.
	DefaultInfoWaitTimeout = 30 * time.Second
	// DefaultQuiescence is how long Synchronized stays before reverting to
	// the link-derived status.
	DefaultQuiescence = 3 * time.Second
)

// MinProtocolVersion is the oldest device protocol tetherd can talk to.
var MinProtocolVersion = rpc.Version{Major: 0, Minor: 3}

// Collaborators are the external services a Device drives. All of them are
// required except Events.
type Collaborators struct {
	Link    link.Layer
	Info    rpc.DeviceInfo
	Storage rpc.Storage
	Clock   rpc.Clock
	Archive rpc.Archive
	// Events receives status-change and sync-error notifications for the SSE
	// stream. Optional.
	Events *events.Hub
}

// Options tune the lifecycle policies. Zero values take the defaults above.
type Options struct {
	MaxRetries   int
	PollInterval time.Duration
	// InfoWaitTimeout bounds the wait for device information. Zero takes the
	// default; a negative value waits forever.
	InfoWaitTimeout time.Duration
	Quiescence      time.Duration
	MinProtocol     rpc.Version
}

func (o Options) withDefaults() Options {
	if o.MaxRetries == 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.PollInterval == 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.InfoWaitTimeout == 0 {
		o.InfoWaitTimeout = DefaultInfoWaitTimeout
	}
	if o.Quiescence == 0 {
		o.Quiescence = DefaultQuiescence
	}
	if o.MinProtocol == (rpc.Version{}) {
		o.MinProtocol = MinProtocolVersion
	}
	return o
}

// Device owns the lifecycle of one paired peripheral.
type Device struct {
	mu sync.Mutex

	status    Status
	linkState link.State
	attempts  int
	// pairingInvalid is latched when the link layer reports a pairing
	// failure; it turns the next disconnect terminal.
	pairingInvalid bool

	handshakeCancel context.CancelFunc
	syncCancel      context.CancelFunc

	storageStats map[rpc.Volume]rpc.VolumeStats

	hub  *statusHub
	col  Collaborators
	opts Options
}

// New creates a Device. Run must be called for it to process link events.
func New(col Collaborators, opts Options) *Device {
	return &Device{
		status:       StatusNoDevice,
		storageStats: make(map[rpc.Volume]rpc.VolumeStats),
		hub:          newStatusHub(StatusNoDevice),
		col:          col,
		opts:         opts.withDefaults(),
	}
}

// Run consumes the link event stream until ctx is cancelled or the stream
// closes. It is the only reader of the stream.
func (d *Device) Run(ctx context.Context) {
	evs := d.col.Link.Events()
	for {
		select {
		case <-ctx.Done():
			d.mu.Lock()
			d.cancelTasksLocked()
			d.mu.Unlock()
			return
		case ev, ok := <-evs:
			if !ok {
				logrus.Debug("link event stream closed")
				return
			}
			d.apply(ev)
		}
	}
}

// Status returns the current status.
func (d *Device) Status() Status {
	return d.hub.Last()
}

// Watch returns a channel of status updates seeded with the current value and
// a cancel function that must be called to release the subscription.
func (d *Device) Watch() (<-chan Status, func()) {
	ch := d.hub.Subscribe()
	return ch, func() { d.hub.Unsubscribe(ch) }
}

// Connect requests a connection to the paired device.
func (d *Device) Connect() {
	d.col.Link.Connect()
}

// Disconnect requests an orderly disconnect.
func (d *Device) Disconnect() {
	d.col.Link.Disconnect()
}

// Forget removes the pairing identity. It cancels any in-flight handshake or
// synchronization and resets the retry budget and the latched pairing
// failure, so a fresh pairing starts clean.
func (d *Device) Forget() {
	d.mu.Lock()
	d.cancelTasksLocked()
	d.attempts = 0
	d.pairingInvalid = false
	d.mu.Unlock()
	d.col.Link.Forget()
}

// Snapshot is the state exposed over the control API.
type Snapshot struct {
	Status     Status `json:"status"`
	LinkState  string `json:"linkState"`
	Attempts   int    `json:"attempts"`
	MaxRetries int    `json:"maxRetries"`
}

func (d *Device) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Snapshot{
		Status:     d.status,
		LinkState:  d.linkState.String(),
		Attempts:   d.attempts,
		MaxRetries: d.opts.MaxRetries,
	}
}

// SetMaxRetries changes the retry budget for subsequent connect attempts.
func (d *Device) SetMaxRetries(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opts.MaxRetries = n
}

// StorageStats returns the last known per-volume statistics.
func (d *Device) StorageStats() map[rpc.Volume]rpc.VolumeStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[rpc.Volume]rpc.VolumeStats, len(d.storageStats))
	for k, v := range d.storageStats {
		out[k] = v
	}
	return out
}

// apply is the single serialization point for link events.
func (d *Device) apply(ev link.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if ev.PairingFailed && !d.pairingInvalid {
		// Status is not changed here; the disconnect policy acts on the
		// latched flag. Identity removal is the link layer's job.
		d.pairingInvalid = true
		logrus.Warn("pairing failed, requesting removal of the paired identity")
		go d.col.Link.Forget()
	}

	d.linkState = ev.State

	if ev.State == link.StateNone {
		// Device object absent: nothing to handshake with.
		d.cancelTasksLocked()
		d.setStatusLocked(StatusNoDevice)
		return
	}

	if ev.State == link.StateDisconnected {
		// No status write may happen from a cancelled task.
		d.cancelTasksLocked()
	}

	switch transition(d.status, ev.State) {
	case actionPrePairing:
		d.setStatusLocked(StatusPrePairing)
	case actionPairing:
		d.setStatusLocked(StatusPairing)
	case actionConnect:
		d.connectSequenceLocked()
	case actionFailToConnect:
		d.failToConnectLocked()
	case actionDisconnect:
		d.disconnectPolicyLocked()
	case actionIgnore:
		logrus.WithFields(logrus.Fields{
			"status": d.status,
			"event":  ev.State.String(),
		}).Debug("link event ignored")
	case actionBase:
		d.setStatusLocked(baseStatus(ev.State))
	}
}

// connectSequenceLocked enters Connected, resets the retry budget and starts
// the handshake. Handshake failures never roll the Connected transition back;
// they only prevent Synchronized from being reached.
func (d *Device) connectSequenceLocked() {
	// One handshake per connection: a reconnect without an intervening
	// disconnect event must replace the previous handshake, not orphan it.
	d.cancelTasksLocked()
	d.setStatusLocked(StatusConnected)
	d.attempts = 0
	ctx, cancel := context.WithCancel(context.Background())
	d.handshakeCancel = cancel
	go d.runHandshake(ctx)
}

// failToConnectLocked applies the initial-connect retry policy: retry while
// the budget lasts, then give up with PairingIssue until the user intervenes.
func (d *Device) failToConnectLocked() {
	d.setStatusLocked(StatusDisconnected)
	if d.attempts < d.opts.MaxRetries {
		d.attempts++
		logrus.WithFields(logrus.Fields{
			"attempt": d.attempts,
			"max":     d.opts.MaxRetries,
		}).Info("connect failed, retrying")
		go d.col.Link.Connect()
		return
	}
	logrus.Error("connect retry budget exhausted")
	d.setStatusLocked(StatusPairingIssue)
}

// disconnectPolicyLocked handles a drop after a connection was established.
// An invalid pairing is terminal; otherwise reconnect unconditionally (the
// retry budget only applies to initial connect failures).
func (d *Device) disconnectPolicyLocked() {
	if d.pairingInvalid {
		logrus.Error("disconnected with an invalid pairing, giving up")
		d.setStatusLocked(StatusFailed)
		return
	}
	d.setStatusLocked(StatusDisconnected)
	go d.col.Link.Connect()
}

func (d *Device) cancelTasksLocked() {
	if d.handshakeCancel != nil {
		d.handshakeCancel()
		d.handshakeCancel = nil
	}
	if d.syncCancel != nil {
		d.syncCancel()
		d.syncCancel = nil
	}
}

func (d *Device) setStatusLocked(s Status) {
	if d.status == s {
		return
	}
	from := d.status
	d.status = s
	logrus.WithFields(logrus.Fields{
		"from": from,
		"to":   s,
	}).Debug("device status changed")
	d.hub.Publish(s)
	d.col.Events.Publish(events.DeviceStatus, events.StatusChangedEvent{
		From: string(from),
		To:   string(s),
		Ts:   time.Now().Unix(),
	})
}
