package lti

import (
	"errors"
	"strings"
)

var (
	// ErrPlatformNotFound signals a lookup for an unregistered issuer.
	ErrPlatformNotFound = errors.New("lti: platform not found")
	// ErrSessionNotFound signals a launch arriving without a pending login.
	ErrSessionNotFound = errors.New("lti: login session not found")
	// ErrNonceReplayed indicates a nonce was presented more than once.
	ErrNonceReplayed = errors.New("lti: nonce already used")
	// ErrNoKeys is the empty-keystore marker returned by the public key set.
	ErrNoKeys = errors.New("lti: no signing keys in keystore")
	// ErrKeyNotFound indicates no private key matches the requested kid.
	ErrKeyNotFound = errors.New("lti: signing key not found")
	// ErrLaunchNotValidated indicates a grade operation on an unvalidated session.
	ErrLaunchNotValidated = errors.New("lti: launch has not been validated")
	// ErrLaunchAlreadyValidated guards the decoded-launch write-once invariant.
	ErrLaunchAlreadyValidated = errors.New("lti: launch already validated for session")
	// ErrScopeUnavailable indicates the platform did not grant the AGS scope.
	ErrScopeUnavailable = errors.New("lti: scope not available on launch endpoint")
	// ErrLineItemUnavailable indicates the launch advertised no per-link
	// line item to post scores against.
	ErrLineItemUnavailable = errors.New("lti: no line item on launch endpoint")
)

// ValidationError accumulates user-facing launch or login rule violations.
// Rules never short-circuit, so a single response can carry every failure.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return strings.Join(e.Errors, "; ")
}

// RegistrationError reports the required platform fields missing from a
// registration call.
type RegistrationError struct {
	Missing []string
}

func (e *RegistrationError) Error() string {
	return "platform registration missing fields: " + strings.Join(e.Missing, ", ")
}
