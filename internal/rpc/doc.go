// Package rpc correlates requests and responses over an asynchronous
// transport. Every call gets a fresh id and a deadline; responses are
// matched by id, so arrival order does not matter.
package rpc
