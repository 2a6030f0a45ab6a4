// Package capability detects which concurrency primitives the hosting
// environment offers and selects the gateway strategy from them.
//
// Detect turns an Environment probe into an immutable Capabilities value.
// Select is a pure function from that value to a Strategy, so tests drive it
// directly with literal Capabilities.
//
// Native builds probe the process (DROID_DISABLE, DROID_USER_AGENT, GOOS).
// js/wasm builds probe the page globals through syscall/js.
package capability
