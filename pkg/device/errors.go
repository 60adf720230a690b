package device

import "errors"

// Device errors, surfaced per the error taxonomy in spec §7.
var (
	// ErrNotIdle is returned by Activate when the device is already
	// connecting, connected, or disconnecting.
	ErrNotIdle = errors.New("device: activate called while not idle")

	// ErrNotActive is returned by Send when no channel is open.
	ErrNotActive = errors.New("device: not active")

	// ErrDuplicateHandler is the checked contract violation for
	// registering two handlers for the same capability. It panics
	// when PanicOnContractViolation is true (the default); otherwise
	// it is returned to the caller.
	ErrDuplicateHandler = errors.New("device: capability already has a registered handler")

	// ErrNoHandler is returned by UnregisterCapabilityHandler when no
	// handler is registered for the capability.
	ErrNoHandler = errors.New("device: no handler registered for capability")

	// ErrCapabilityNotOffered is the checked contract violation for
	// registering a handler for a capability that never appeared in
	// the device's effective capability set.
	ErrCapabilityNotOffered = errors.New("device: capability not in effective capability set")

	// ErrPairTimeout names the outcome of a pair request that got no
	// reply within PairTimeout. No method returns it: the timeout fires
	// from an internal timer and is reported as a Pairing log event
	// with TimedOut set and a Paired(false) notification.
	ErrPairTimeout = errors.New("device: pair request timed out")

	// ErrPairRejected names the outcome of the peer replying pair:false
	// to our own pair request. No method returns it: the rejection is
	// reported as a Pairing log event and a Paired(false) notification.
	ErrPairRejected = errors.New("device: peer rejected pair request")
)

// PanicOnContractViolation controls whether programmer-error contract
// violations (e.g. ErrDuplicateHandler, ErrCapabilityNotOffered) panic
// immediately or are merely returned/logged. It defaults to true,
// matching the teacher's "checked contract violations abort in debug
// builds" policy; production builds that prefer to log and continue
// can set it to false during init.
var PanicOnContractViolation = true

func contractViolation(err error) error {
	if PanicOnContractViolation {
		panic(err)
	}
	return err
}
