// Package auth implements credential matching for device authentication.
//
// The matcher is a pure function over records fetched by its caller: it
// performs no I/O of its own, which keeps it trivially cacheable and
// testable. A device record holds an ordered list of credential entries;
// matching tries every entry in order and the first structural match wins.
//
// Failure reporting is deliberately coarse: callers get ErrAuthFailed
// whether the device is unknown or the credential is wrong, so the API
// cannot be used to enumerate device names. The one distinct failure kind
// is ErrGatewayNotTrusted, which callers rate-limit and log differently.
package auth
