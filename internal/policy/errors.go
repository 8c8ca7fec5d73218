package policy

import "errors"

var (
	// ErrInvalidRule indicates rule configuration that does not parse into
	// the closed predicate/action unions.
	ErrInvalidRule = errors.New("invalid publish rule")

	// ErrServerError indicates an external validate/enrich endpoint
	// answered with neither a success nor a recognized rejection. The
	// caller must treat it as transient, not as a policy decision.
	ErrServerError = errors.New("policy endpoint server error")
)
