package store

import "errors"

// ErrUnknownIndex is returned by any getter/setter that references an
// unknown element, NetKey, AppKey, or model index.
var ErrUnknownIndex = errors.New("store: unknown index")

// ErrStateViolation is returned by a setter that would violate a
// key-refresh phase transition rule or another state invariant.
var ErrStateViolation = errors.New("store: state violation")

// ErrCapacityExceeded is returned when a bounded list (address,
// subscription, key list) is already at its boot-configured limit.
var ErrCapacityExceeded = errors.New("store: capacity exceeded")
