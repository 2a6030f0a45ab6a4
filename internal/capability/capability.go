// ABOUTME: Capability detection for the hosting environment's concurrency primitives
// ABOUTME: Produces an immutable Capabilities snapshot from an Environment probe

package capability

import (
	"strings"
	"sync"
)

// Global names probed in the hosting environment.
const (
	GlobalSharedContext  = "SharedWorker"
	GlobalPrivateContext = "Worker"
	GlobalBroadcast      = "BroadcastChannel"
)

// Capabilities is a snapshot of what the environment supports. It is
// computed once and never mutated.
type Capabilities struct {
	SharedContextAvailable      bool `json:"shared_context_available"`
	PrivateContextAvailable     bool `json:"private_context_available"`
	BroadcastPrimitiveAvailable bool `json:"broadcast_primitive_available"`
	IsMobilePlatform            bool `json:"is_mobile_platform"`
	IsKnownBrokenEnvironment    bool `json:"is_known_broken_environment"`
}

// Environment is the minimal probe surface needed for detection.
type Environment interface {
	HasGlobal(name string) bool
	UserAgent() string
}

// Detect inspects env and reports its capabilities. It has no side effects
// and never fails: a missing primitive is reported as false.
func Detect(env Environment) Capabilities {
	if env == nil {
		return Capabilities{}
	}
	mobile, broken := ClassifyUserAgent(env.UserAgent())
	return Capabilities{
		SharedContextAvailable:      env.HasGlobal(GlobalSharedContext),
		PrivateContextAvailable:     env.HasGlobal(GlobalPrivateContext),
		BroadcastPrimitiveAvailable: env.HasGlobal(GlobalBroadcast),
		IsMobilePlatform:            mobile,
		IsKnownBrokenEnvironment:    broken,
	}
}

// ClassifyUserAgent derives the platform flags from a user agent string.
// Android and iOS/iPadOS report shared contexts they cannot keep alive
// across tabs, so both are treated as broken.
func ClassifyUserAgent(ua string) (mobile, broken bool) {
	if ua == "" {
		return false, false
	}
	lower := strings.ToLower(ua)

	android := strings.Contains(lower, "android")
	ios := strings.Contains(lower, "iphone") ||
		strings.Contains(lower, "ipad") ||
		strings.Contains(lower, "ipod")

	mobile = android || ios || strings.Contains(lower, "mobile")
	broken = android || ios
	return mobile, broken
}

// StaticEnvironment is a fixed Environment, used by tests and by callers
// that already know their platform.
type StaticEnvironment struct {
	Globals map[string]bool
	Agent   string
}

// HasGlobal reports whether name is set in Globals.
func (e StaticEnvironment) HasGlobal(name string) bool {
	return e.Globals[name]
}

// UserAgent returns Agent.
func (e StaticEnvironment) UserAgent() string {
	return e.Agent
}

// DetectDefault probes the environment this binary runs in.
func DetectDefault() Capabilities {
	return Detect(DefaultEnvironment())
}

var cached = sync.OnceValue(DetectDefault)

// Cached returns the capabilities of the default environment, detected once
// per process.
func Cached() Capabilities {
	return cached()
}
