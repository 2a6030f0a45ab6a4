// Package host implements an execution context: the owner of the broadcast
// hub, the module registry, the KV store and the request handlers.
//
// Transports attach Endpoints to a Host. Each endpoint has a bounded FIFO
// outbox drained by one writer goroutine, so envelopes reach a connection in
// the order they were produced. Inbound control messages run one at a time
// on the host's actor goroutine, or inline on the caller's goroutine when
// the host was built WithInline. Store requests run on a small fixed pool
// of workers with a per-request deadline. Module and push bridge handlers
// run on their own goroutines. Both reply through the outbox.
//
// A Pool shares one Host per origin and closes it when the last holder
// releases it.
package host
