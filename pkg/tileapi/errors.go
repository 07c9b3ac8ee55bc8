package tileapi

import (
	"fmt"
	"time"
)

// InvalidAuthError is returned when the Tile API rejects the account
// credentials during login.
type InvalidAuthError struct {
	Email string
	cause error
}

func (e *InvalidAuthError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("invalid credentials for %s: %s", e.Email, e.cause)
	}
	return fmt.Sprintf("invalid credentials for %s", e.Email)
}

func (e *InvalidAuthError) Unwrap() error { return e.cause }
func (e *InvalidAuthError) Cause() error  { return e.cause }

// RequestError is returned for any non-2xx response, undecodable body or
// transport fault.  StatusCode is zero when no response was received.
type RequestError struct {
	Method     string
	Endpoint   string
	StatusCode int
	cause      error
}

func (e *RequestError) Error() string {
	msg := fmt.Sprintf("requesting %s %s", e.Method, e.Endpoint)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s: HTTP status %d", msg, e.StatusCode)
	}
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.cause)
	}
	return msg
}

func (e *RequestError) Unwrap() error { return e.cause }
func (e *RequestError) Cause() error  { return e.cause }

// SessionExpiredError is returned by clients using ExpiryFail once the
// session expiry has passed.
type SessionExpiredError struct {
	Expiry time.Time
}

func (e *SessionExpiredError) Error() string {
	return fmt.Sprintf("tile session expired at %s, log in again", e.Expiry.Format(time.RFC3339))
}

// reauthError marks a failure of the expiry-triggered re-login so that a
// collection fetch can tell it apart from a failure of the request itself.
type reauthError struct {
	cause error
}

func (e *reauthError) Error() string { return "refreshing expired session: " + e.cause.Error() }
func (e *reauthError) Unwrap() error { return e.cause }
func (e *reauthError) Cause() error  { return e.cause }
