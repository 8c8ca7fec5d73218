// Package logging wraps log/slog with the configuration surface the rest
// of the service expects: JSON or text output, level filtering, and
// service/version fields on every record.
//
// Domain packages declare a narrow local Logger interface that
// *logging.Logger satisfies, keeping them testable with a noop
// implementation. Never log credentials, token material, or raw payloads.
package logging
