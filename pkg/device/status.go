package device

import "github.com/tetherd/tetherd/pkg/link"

// Status is the application-level state of the paired peripheral. Exactly one
// value is current at any time; it is owned by the Device and mutated only
// through the transition logic, so observers never see a partial update.
type Status string

const (
	StatusNoDevice      Status = "NoDevice"
	StatusPrePairing    Status = "PrePairing"
	StatusPairing       Status = "Pairing"
	StatusConnecting    Status = "Connecting"
	StatusConnected     Status = "Connected"
	StatusSynchronizing Status = "Synchronizing"
	StatusSynchronized  Status = "Synchronized"
	StatusDisconnected  Status = "Disconnected"
	StatusFailed        Status = "Failed"
	StatusUnsupported   Status = "UnsupportedDevice"
	StatusPairingIssue  Status = "PairingIssue"
)

// Terminal reports whether the status requires explicit user action
// (forget/re-pair) to exit.
func (s Status) Terminal() bool {
	return s == StatusFailed || s == StatusPairingIssue
}

// baseStatus maps a raw link state to its corresponding base status. It is
// the default fallback of the transition table and the state "Synchronized"
// and "Synchronizing" revert to.
func baseStatus(s link.State) Status {
	switch s {
	case link.StateConnecting:
		return StatusConnecting
	case link.StateConnected:
		return StatusConnected
	case link.StateDisconnected:
		return StatusDisconnected
	default:
		return StatusNoDevice
	}
}
