package speech

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectTimeout reports that waiting for an in-flight connect
	// exceeded the configured budget.
	ErrConnectTimeout = errors.New("speech: connect wait timed out")
	// ErrNotConnected reports a send attempted without a live connection.
	ErrNotConnected = errors.New("speech: connection not ready")
	// ErrNoActiveSession reports audio sent outside an utterance.
	ErrNoActiveSession = errors.New("speech: no active session")
	// ErrClientDestroyed reports use after Destroy.
	ErrClientDestroyed = errors.New("speech: client destroyed")
)

// AuthError reports rejected credentials during the handshake. It is not
// retried automatically.
type AuthError struct {
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("speech: authentication rejected (status %d)", e.Status)
}

// ServiceError is an error code reported by the remote service inside an
// error frame.
type ServiceError struct {
	Code    uint32
	Message string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("speech: service error %d: %s", e.Code, e.Message)
}

// serviceCodeSessionIdle is reported when a session saw no speech before the
// service-side idle deadline. It soft-resets session state rather than
// closing the connection.
const serviceCodeSessionIdle uint32 = 45000081
