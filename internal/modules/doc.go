// Package modules loads code into an execution context and tracks it by URL.
//
// A Registry memoizes each URL's Record, shares concurrent loads of the same
// URL through singleflight, and announces each new record on the
// module-ready topic. Loaders resolve URLs: StaticLoader handles
// builtin://name, HTTPLoader fetches a JSON manifest and proxies calls as
// POST <endpoint>/<method>, and MultiLoader routes by scheme.
//
// The builtin directory module seeds the jsonservers bucket and renders each
// server summary from markdown into htmlservers.
package modules
