// Package state holds the main-side view of shared UI state.
//
// Value is a small generic observable. Store groups the containers: auth and
// panel mirror their topics from the execution context, while drawer,
// tooltip, modal and router are local. Mirror applies inbound broadcasts
// wholesale (the last write wins) and runs local actions optimistically,
// notifying the context in the background.
package state
