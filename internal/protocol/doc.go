// Package protocol defines the wire envelope shared by every transport,
// the error taxonomy carried inside it, and the reserved topic names.
//
// # Envelope
//
// One JSON object shape is used in both directions:
//
//	{"id": "...", "type": "...", "payload": {...}, "topic": "...", "error": {...}}
//
// The id is set only on correlated RPC traffic (a request and its response).
// The topic is set only on broadcast traffic. Control messages use the types
// subscribe, unsubscribe, broadcast and response.
//
// # Errors
//
// Protocol errors are *Error values carrying a Kind. They compare with
// errors.Is against the package sentinels by kind, so an error decoded from
// the wire matches ErrTimeout the same as one created locally:
//
//	if errors.Is(err, protocol.ErrTimeout) {
//	    // retry or degrade
//	}
package protocol
