// Package gcd implements the top-level registration and session controller:
// the state machine that drives the device from unconfigured to connected,
// the two-phase claim/finalize registration protocol, command long-polling
// and dispatch, and the debounced state uploader.
package gcd

// State is one of the controller's top-level lifecycle states.
type State string

const (
	StateUnconfigured       State = "unconfigured"
	StateInvalidCredentials State = "invalid_credentials"
	StateDisabled           State = "disabled"
	StateOffline            State = "offline"
	StateConnecting         State = "connecting"
	StateConnected          State = "connected"
)

// pollingSuspended reports whether command polling and state upload should
// be suspended in state s.
func pollingSuspended(s State) bool {
	return s != StateConnected
}
