package event

import "errors"

var (
	// ErrMissingAttribute indicates a required standard attribute is empty.
	ErrMissingAttribute = errors.New("required event attribute missing")

	// ErrMalformedPayload indicates the payload does not parse as the
	// declared content type. Raised before policy evaluation runs.
	ErrMalformedPayload = errors.New("event payload does not match declared content type")

	// ErrReadOnlyAttribute indicates an attempt to set a standard attribute
	// outside the settable whitelist (id and time are protocol-owned).
	ErrReadOnlyAttribute = errors.New("event attribute is not settable")

	// ErrInvalidEncoding indicates a transport document that cannot be
	// decoded into an envelope.
	ErrInvalidEncoding = errors.New("invalid event encoding")
)
