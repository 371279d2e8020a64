package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by Call outside the connected state. Nothing
	// is written to the wire.
	ErrNotConnected = errors.New("gateway not connected")
	// ErrConnectionClosed rejects every call pending when the connection drops.
	ErrConnectionClosed = errors.New("gateway connection closed")
	// ErrRequestTimeout rejects a call whose response did not arrive in time.
	ErrRequestTimeout = errors.New("gateway request timed out")
	// ErrAuthRejected is matched by the error Run returns once the gateway has
	// refused the handshake with every credential available.
	ErrAuthRejected = errors.New("gateway rejected authentication")
)

// RemoteError is an ok:false response.
type RemoteError struct {
	Method  string
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Method == "" {
		return e.Message
	}
	return e.Method + ": " + e.Message
}

// AuthError is a fatal handshake failure: the gateway refused the device
// proof or credential, or the device could not sign.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("gateway auth failed: %s", e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }

func (e *AuthError) Is(target error) bool { return target == ErrAuthRejected }
