// Package rpc defines the contracts tetherd uses to talk to the peripheral
// after a link is established: device information, storage statistics, clock
// synchronization and archive reconciliation. It contains:
//
//   - DeviceInfo / Storage / Clock / Archive: the collaborator interfaces
//   - Version: the device protocol version with ordering
//   - VolumeStats: per-volume storage statistics
//
// Implementations live elsewhere (pkg/link/bluez for the GATT-backed ones,
// test fakes in pkg/device). These types are shared across daemon, client and
// CLI code to keep JSON contracts consistent.
package rpc

import (
	"context"
	"fmt"
	"time"
)

// Version is the peripheral's RPC protocol version.
type Version struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Less reports whether v is older than o.
func (v Version) Less(o Version) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}
	return v.Minor < o.Minor
}

// Volume identifies a storage volume on the peripheral.
type Volume string

const (
	VolumeInternal Volume = "internal"
	VolumeExternal Volume = "external"
)

// VolumeStats holds storage statistics for one volume.
type VolumeStats struct {
	Total uint64 `json:"total"`
	Free  uint64 `json:"free"`
}

// DeviceInfoSnapshot is the JSON shape of the device-info control API. Fields
// that have not arrived yet are omitted.
type DeviceInfoSnapshot struct {
	Battery         *int     `json:"battery,omitempty"`
	ProtocolVersion *Version `json:"protocolVersion,omitempty"`
}

// DeviceInfo exposes optionally-present telemetry fields. Both accessors are
// poll-style: the second return value reports whether the field has arrived.
type DeviceInfo interface {
	Battery() (percent int, ok bool)
	ProtocolVersion() (v Version, ok bool)
}

// Storage queries storage statistics for a single volume. Each volume fails
// independently.
type Storage interface {
	Query(ctx context.Context, vol Volume) (VolumeStats, error)
}

// Clock sets the peripheral's clock.
type Clock interface {
	SetDeviceClock(ctx context.Context, t time.Time) error
}

// Archive reconciles the peripheral's data archive with local storage. It may
// retry internally; duration is opaque to the caller.
type Archive interface {
	Synchronize(ctx context.Context) error
}
