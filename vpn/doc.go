// Package vpn talks to the VPN desktop application's browser helper.
//
// The helper is a local process speaking the native messaging protocol on
// its standard streams. This package spawns it, negotiates which protocol
// generation it speaks, and exposes its RPC surface.
//
// # Architecture
//
// The package is organized around three main types:
//
//   - Session: owns the helper's streams, runs the handshake, and performs
//     one request/response exchange at a time
//   - Client: the typed RPC surface (status, connect, locations, ...) with
//     an instance-owned location cache
//   - StatusWatcher: polls a Client and reports tunnel state transitions
//
// # Protocol Generations
//
// The first message a helper sends carries "connected": true and,
// optionally, "browser_helper_protocol". Generation 2 helpers take bare
// {method, params} requests; older helpers take JSON-RPC requests with a
// fixed id of 200. Responses are never matched by id, so a session allows
// only one exchange in flight.
//
// # Events
//
// Helpers push unsolicited events between responses. A message is the
// pending call's response when its "type" is "method" or "result", or when
// it has no "name"; anything else is an event and is skipped.
//
// # Cancellation
//
// Every blocking call takes a context. A call abandoned while waiting for
// its response leaves an unread response on the stream, so the session is
// marked desynchronized and refuses further calls.
package vpn
