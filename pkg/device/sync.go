package device

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tetherd/tetherd/pkg/events"
	"github.com/tetherd/tetherd/pkg/link"
)

// Synchronize starts an archive synchronization run unless one is already in
// flight. It returns whether a run was started; a false return is a no-op,
// not an error. The preconditions are checked atomically: the link must be
// connected, the device must be supported, and no other run may be active, so
// at most one synchronization exists per device at any time.
func (d *Device) Synchronize() bool {
	d.mu.Lock()
	if d.linkState != link.StateConnected ||
		d.status == StatusUnsupported ||
		d.status == StatusSynchronizing {
		d.mu.Unlock()
		return false
	}
	d.setStatusLocked(StatusSynchronizing)
	ctx, cancel := context.WithCancel(context.Background())
	d.syncCancel = cancel
	d.mu.Unlock()

	go d.runSync(ctx)
	return true
}

func (d *Device) runSync(ctx context.Context) {
	start := time.Now()
	err := d.col.Archive.Synchronize(ctx)

	d.mu.Lock()
	defer d.mu.Unlock()
	if ctx.Err() != nil {
		// Disconnected or forgotten mid-run; the disconnect policy already
		// settled the status.
		return
	}
	d.syncCancel = nil

	if err != nil {
		logrus.Errorf("archive synchronization failed: %v", err)
		d.col.Events.Publish(events.SyncError, events.SyncErrorEvent{
			Message: err.Error(),
			Ts:      time.Now().Unix(),
		})
		if d.status == StatusSynchronizing {
			d.setStatusLocked(baseStatus(d.linkState))
		}
		return
	}

	logrus.WithField("took", time.Since(start).Round(time.Millisecond)).
		Info("archive synchronized")
	if d.status == StatusSynchronizing {
		d.setStatusLocked(StatusSynchronized)
		// Synchronized is a transient success banner, not a persistent mode.
		time.AfterFunc(d.opts.Quiescence, d.revertSynchronized)
	}
}

// revertSynchronized reverts a stale Synchronized status to the link-derived
// base status. The status is read at fire time, so a revert scheduled before
// a newer transition is a no-op.
func (d *Device) revertSynchronized() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.status == StatusSynchronized {
		d.setStatusLocked(baseStatus(d.linkState))
	}
}
