//go:build !(js && wasm)

// ABOUTME: Native environment probe; every primitive exists unless disabled via env
// ABOUTME: DROID_DISABLE and DROID_USER_AGENT let operators emulate constrained hosts

package capability

import (
	"os"
	"runtime"
	"strings"
)

type nativeEnvironment struct {
	disabled map[string]bool
	agent    string
}

// DefaultEnvironment returns the probe for the current process. Native
// builds can always run goroutine-backed contexts; DROID_DISABLE takes a
// comma-separated list of shared, private and broadcast to switch them off.
func DefaultEnvironment() Environment {
	env := nativeEnvironment{
		disabled: make(map[string]bool),
		agent:    os.Getenv("DROID_USER_AGENT"),
	}
	for _, item := range strings.Split(os.Getenv("DROID_DISABLE"), ",") {
		switch strings.TrimSpace(strings.ToLower(item)) {
		case "shared":
			env.disabled[GlobalSharedContext] = true
		case "private":
			env.disabled[GlobalPrivateContext] = true
		case "broadcast":
			env.disabled[GlobalBroadcast] = true
		}
	}
	if env.agent == "" {
		switch runtime.GOOS {
		case "android":
			env.agent = "Go (Linux; Android)"
		case "ios":
			env.agent = "Go (iPhone; iOS)"
		}
	}
	return env
}

func (e nativeEnvironment) HasGlobal(name string) bool {
	switch name {
	case GlobalSharedContext, GlobalPrivateContext, GlobalBroadcast:
		return !e.disabled[name]
	}
	return false
}

func (e nativeEnvironment) UserAgent() string {
	return e.agent
}
