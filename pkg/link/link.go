// Package link defines the contract between tetherd and the wireless
// transport that establishes and tears down the physical connection to the
// peripheral.
//
// A Layer emits raw connectivity events on an order-preserving channel; the
// most recent pairing-failure outcome travels with each event. Commands
// (Connect, Disconnect, Forget) have no return value: their effects are
// observed asynchronously through the event stream.
package link

// State is the raw link-layer connectivity state.
type State int

const (
	// StateNone means the device object is absent (never paired, or removed).
	StateNone State = iota
	StateConnecting
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "none"
	}
}

// Event is one occurrence on the link status stream. Events are consumed once
// and not retained.
type Event struct {
	State State
	// PairingFailed is set when the credential exchange failed (wrong key,
	// user cancel). It accompanies the event that observed the failure.
	PairingFailed bool
}

// Layer is the wireless transport for a single paired peripheral.
//
// Command methods must not block on the radio; they request the operation and
// return. Outcomes arrive on Events. Close releases transport resources and
// closes the event channel.
type Layer interface {
	// Connect requests a connection to the paired device.
	Connect()
	// Disconnect requests an orderly teardown of the current connection.
	Disconnect()
	// Forget removes the pairing identity. After Forget the layer emits a
	// StateNone event.
	Forget()
	// Events returns the order-preserving status stream. The channel is
	// closed by Close.
	Events() <-chan Event
	Close() error
}
