// Package transport connects a gateway to its execution context.
//
// Every implementation satisfies Transport:
//
//   - Shared attaches to the one host per origin held in a host.Pool. When a
//     daemon address is configured, Remote dials a droid-gateway daemon
//     instead and exchanges JSON envelopes over a gRPC Attach stream.
//   - Private starts a dedicated host and closes it with the transport.
//   - Direct runs a host inline, so handlers execute on the sender's
//     goroutine.
//
// Context creation failures surface as transport_unavailable and are never
// retried with another strategy.
//
// ContextService is the daemon side of Remote. It attaches each stream to
// its host as one endpoint.
package transport
