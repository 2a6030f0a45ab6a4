// Package dedupe keeps a short, bounded memory of frame ids so replayed
// upstream messages are broadcast only once.
package dedupe
