//go:build js && wasm

// ABOUTME: Browser environment probe for WebAssembly builds
// ABOUTME: Reads worker globals and navigator.userAgent through syscall/js

package capability

import "syscall/js"

type jsEnvironment struct {
	global js.Value
}

// DefaultEnvironment returns the probe for the current page.
func DefaultEnvironment() Environment {
	return jsEnvironment{global: js.Global()}
}

func (e jsEnvironment) HasGlobal(name string) bool {
	v := e.global.Get(name)
	return !v.IsUndefined() && !v.IsNull()
}

func (e jsEnvironment) UserAgent() string {
	nav := e.global.Get("navigator")
	if nav.IsUndefined() || nav.IsNull() {
		return ""
	}
	ua := nav.Get("userAgent")
	if ua.Type() != js.TypeString {
		return ""
	}
	return ua.String()
}
