// Package command routes application-initiated commands to whichever
// front-end instance currently holds a device's live connection.
//
// A front-end that accepts a command-capable device connection registers a
// session (its own inbox URL) and keeps it alive with periodic pings; it
// advertises the commands it will accept for the device as routes pointing
// at the session. A producer resolves (application, device, command) to the
// owning instance's URL and forwards the command there.
//
// Liveness is a hard expiry: a sweep deletes any session whose last ping is
// older than the TTL, along with every route referencing it. A stale route
// at a dead instance is worse than no route. Delivery past resolution is
// best-effort with no retry; reconciliation is the producer's concern.
package command
