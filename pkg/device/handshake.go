package device

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tetherd/tetherd/pkg/rpc"
)

// runHandshake executes the fixed post-connect pipeline in strict order:
// wait for device information, validate the protocol version, fetch storage
// statistics, synchronize the clock, then synchronize the archive. A failing
// step aborts the rest; the status already reflects the outcome by then. The
// context is cancelled by disconnect and forget, and every step re-checks it
// before mutating state.
func (d *Device) runHandshake(ctx context.Context) {
	if !d.waitDeviceInfo(ctx) {
		return
	}
	if !d.validateProtocol(ctx) {
		return
	}
	d.fetchStorageInfo(ctx)
	d.syncClock(ctx)
	if ctx.Err() != nil {
		return
	}
	d.Synchronize()
}

// waitDeviceInfo polls until the battery telemetry field arrives. The wait is
// bounded by InfoWaitTimeout unless configured to wait forever; on timeout it
// fails closed like a missing protocol version would.
func (d *Device) waitDeviceInfo(ctx context.Context) bool {
	var timeout <-chan time.Time
	if d.opts.InfoWaitTimeout > 0 {
		t := time.NewTimer(d.opts.InfoWaitTimeout)
		defer t.Stop()
		timeout = t.C
	}

	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	for {
		if _, ok := d.col.Info.Battery(); ok {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-timeout:
			logrus.WithField("timeout", d.opts.InfoWaitTimeout).
				Error("device information did not arrive in time, disconnecting")
			d.failHandshake(ctx, StatusDisconnected)
			return false
		case <-ticker.C:
		}
	}
}

// validateProtocol fails closed when the version is missing and marks the
// device unsupported when it is below the minimum baseline. UnsupportedDevice
// is deliberately distinct from a generic disconnect so consumers can tell
// the user why the device is unusable.
func (d *Device) validateProtocol(ctx context.Context) bool {
	v, ok := d.col.Info.ProtocolVersion()
	if !ok {
		logrus.Error("device protocol version unavailable, disconnecting")
		d.failHandshake(ctx, StatusDisconnected)
		return false
	}
	if v.Less(d.opts.MinProtocol) {
		logrus.WithFields(logrus.Fields{
			"version": v.String(),
			"minimum": d.opts.MinProtocol.String(),
		}).Warn("device protocol too old, disconnecting")
		d.failHandshake(ctx, StatusUnsupported)
		return false
	}
	logrus.WithField("version", v.String()).Debug("device protocol accepted")
	return true
}

// failHandshake records the terminal status of a failed step and issues a
// disconnect, unless the handshake was cancelled in the meantime.
func (d *Device) failHandshake(ctx context.Context, s Status) {
	d.mu.Lock()
	if ctx.Err() != nil {
		d.mu.Unlock()
		return
	}
	d.setStatusLocked(s)
	d.mu.Unlock()
	d.col.Link.Disconnect()
}

// fetchStorageInfo queries the internal and external volumes. Best effort:
// each volume fails independently and a failure keeps the previous value.
func (d *Device) fetchStorageInfo(ctx context.Context) {
	for _, vol := range []rpc.Volume{rpc.VolumeInternal, rpc.VolumeExternal} {
		if ctx.Err() != nil {
			return
		}
		stats, err := d.col.Storage.Query(ctx, vol)
		if err != nil {
			logrus.WithField("volume", vol).Debugf("storage query failed: %v", err)
			continue
		}
		d.mu.Lock()
		if ctx.Err() == nil {
			d.storageStats[vol] = stats
		}
		d.mu.Unlock()
	}
}

// syncClock sets the device clock. It only runs when the status is exactly
// Connected, which guards against a disconnect racing in between steps.
// Failure is swallowed; the status reverts to the link-derived base status.
func (d *Device) syncClock(ctx context.Context) {
	d.mu.Lock()
	if ctx.Err() != nil || d.status != StatusConnected {
		d.mu.Unlock()
		return
	}
	d.setStatusLocked(StatusSynchronizing)
	d.mu.Unlock()

	if err := d.col.Clock.SetDeviceClock(ctx, time.Now()); err != nil {
		logrus.Warnf("device clock sync failed: %v", err)
	}

	d.mu.Lock()
	if ctx.Err() == nil && d.status == StatusSynchronizing {
		d.setStatusLocked(baseStatus(d.linkState))
	}
	d.mu.Unlock()
}
