package manager

import "errors"

// ErrUnknownDevice is returned by SetAllowed for a device_id the
// manager has never seen from the cache or discovery.
var ErrUnknownDevice = errors.New("manager: unknown device")
