package domain

import "errors"

var (
	ErrTransport         = errors.New("transport error")
	ErrRouteUnavailable  = errors.New("route unavailable")
	ErrStaleEvent        = errors.New("stale event discarded")
	ErrAction            = errors.New("ride action rejected")
	ErrNoActiveRide      = errors.New("no active ride")
	ErrInvalidTransition = errors.New("invalid ride state transition")
	ErrActionInFlight    = errors.New("another ride action is in flight")
	ErrSuperseded        = errors.New("ride changed while action was in flight")
	ErrNotConnected      = errors.New("session not connected")
	ErrSessionBusy       = errors.New("session bound to another identity")
	ErrCredentialExpired = errors.New("credential expired")
	ErrFarePending       = errors.New("fare not available")
)

// ActionError is returned when the backend rejects a ride action.
type ActionError struct {
	Op      string
	Message string
}

func (e *ActionError) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return e.Op + ": " + ErrAction.Error()
	}
	return e.Op + ": " + e.Message
}

func (e *ActionError) Unwrap() error { return ErrAction }
