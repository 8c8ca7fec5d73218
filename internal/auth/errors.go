package auth

import "errors"

// Domain errors for the auth package.
var (
	// ErrAuthFailed is returned when no credential entry matched. It never
	// distinguishes "wrong password" from "unknown device", to avoid
	// device-name enumeration.
	ErrAuthFailed = errors.New("auth: authentication failed")

	// ErrGatewayNotTrusted is returned when a credential matched but the
	// authenticating device is not in the target device's gateway selector.
	// Distinct from ErrAuthFailed so callers can log and rate-limit proxy
	// abuse separately from plain bad credentials.
	ErrGatewayNotTrusted = errors.New("auth: gateway not trusted")

	// ErrUnsupportedAlgorithm is returned when a stored password hash names
	// an algorithm this build cannot verify. A hard failure, never a
	// fallthrough to the next entry.
	ErrUnsupportedAlgorithm = errors.New("auth: unsupported hash algorithm")

	// ErrInvalidCredential is returned when a stored credential entry does
	// not parse as exactly one known kind.
	ErrInvalidCredential = errors.New("auth: invalid credential entry")

	// ErrInvalidPresented is returned when a request presents zero or more
	// than one credential. Exactly one credential per attempt.
	ErrInvalidPresented = errors.New("auth: exactly one credential must be presented")
)
