package device

import "github.com/tetherd/tetherd/pkg/link"

// action is the decision the transition table makes for a (status, event)
// pair. The Device applies the side effects; the table itself is pure.
type action int

const (
	// actionBase sets the status derived directly from the link state.
	actionBase action = iota
	// actionPrePairing enters the pre-pairing phase of a first connection.
	actionPrePairing
	// actionPairing enters the credential-exchange phase.
	actionPairing
	// actionConnect runs the connect sequence: status Connected, retry
	// counter reset, handshake launch.
	actionConnect
	// actionFailToConnect applies the initial-connect retry policy.
	actionFailToConnect
	// actionDisconnect applies the post-connection disconnect policy.
	actionDisconnect
	// actionIgnore keeps the current status untouched.
	actionIgnore
)

// transition decides what a raw link event does to the current status.
//
// An unsupported peripheral that reconnects is deliberately not promoted back
// into the normal flow: (UnsupportedDevice, connected) is a no-op, so the
// status keeps telling the user why the device is unusable.
func transition(current Status, ev link.State) action {
	switch {
	case current == StatusNoDevice && ev == link.StateConnecting:
		return actionPrePairing
	case current == StatusPrePairing && ev == link.StateConnected:
		return actionPairing
	case current == StatusPrePairing && ev == link.StateDisconnected:
		return actionFailToConnect
	case current == StatusPairing && ev == link.StateConnected:
		return actionConnect
	case current == StatusPairing && ev == link.StateDisconnected:
		return actionDisconnect
	case current == StatusConnecting && ev == link.StateConnected:
		return actionConnect
	case current == StatusConnecting && ev == link.StateDisconnected:
		return actionFailToConnect
	case current == StatusConnected && ev == link.StateDisconnected,
		current == StatusSynchronizing && ev == link.StateDisconnected,
		current == StatusSynchronized && ev == link.StateDisconnected:
		return actionDisconnect
	case current == StatusUnsupported && ev == link.StateConnected:
		return actionIgnore
	default:
		return actionBase
	}
}
