// Package hub is the broadcast core of an execution context.
//
// # Overview
//
// The hub maps topics to the endpoints subscribed to them. Bridged topics
// (those a BridgeFactory knows, e.g. metrics or realtime:*) also own an
// upstream bridge. Resource usage follows demand:
//
//   - The first Subscribe to a bridged topic builds and starts its bridge.
//   - The Unsubscribe or RemoveEndpoint that empties the topic stops it.
//
// A topic is Active exactly while it has subscribers. Passive topics such
// as auth and panel only carry what request handlers broadcast.
//
// # Delivery
//
// Broadcast encodes the payload once and calls Deliver on every endpoint
// outside the lock. Deliver is non-blocking, so one slow endpoint cannot
// stall the others. Fan-out order across endpoints is unspecified.
//
// Each bridge instance gets its own sink. Once the bridge is retired, data
// it was still producing is discarded instead of leaking into a newer
// subscription of the same topic.
package hub
