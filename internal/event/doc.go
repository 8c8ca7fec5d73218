// Package event defines the normalized event envelope that flows from
// protocol front-ends through policy evaluation to the downstream log.
//
// The envelope is CloudEvents-shaped: a small set of standard attributes
// (id, time, type, subject, content type, schema), a flat map of string
// extension attributes carrying platform identity (instance, application,
// device, sender), and an opaque byte payload.
//
// The package also provides the two HTTP transport encodings used when an
// event is shipped to an external policy endpoint: binary mode (attributes
// in ce-* headers, payload as body) and structured mode (a single JSON
// document holding attributes and payload together).
package event
