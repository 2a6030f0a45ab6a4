// Package eventbus is a synchronous in-process event bus.
//
// Every emission is appended to a bounded history before any listener runs.
// Listeners registered for the exact type run first, then wildcard ("*")
// listeners. A panicking listener is logged and skipped.
package eventbus
