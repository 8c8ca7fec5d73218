// Package api provides the HTTP and WebSocket surface of a Fieldgate Core
// instance.
//
// Three audiences share the listener:
//
//   - devices: the ingest endpoint and the command channel, both
//     authenticated per request with the device's registry credentials
//   - producers: the command API, authenticated with a bearer token
//   - peer instances: the command inbox, reached by whichever instance
//     resolved a route pointing here, authenticated with a signed
//     instance token
//
// The server follows the same lifecycle pattern as the other
// infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: all methods are safe for concurrent use.
package api
