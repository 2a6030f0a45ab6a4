// ABOUTME: Strategy enum and the pure selection function over Capabilities
// ABOUTME: A known broken environment always falls back to a private context

package capability

import "fmt"

// Strategy names how the gateway reaches its execution context.
type Strategy int

const (
	SharedContext Strategy = iota
	PrivateContext
	Direct
)

func (s Strategy) String() string {
	switch s {
	case SharedContext:
		return "shared"
	case PrivateContext:
		return "private"
	case Direct:
		return "direct"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy parses the String form of a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "shared":
		return SharedContext, nil
	case "private":
		return PrivateContext, nil
	case "direct":
		return Direct, nil
	}
	return 0, fmt.Errorf("unknown strategy %q", s)
}

// Select picks the strategy for caps. The first matching rule wins.
func Select(caps Capabilities) Strategy {
	switch {
	case caps.IsKnownBrokenEnvironment:
		return PrivateContext
	case caps.SharedContextAvailable:
		return SharedContext
	case caps.PrivateContextAvailable:
		return PrivateContext
	default:
		return Direct
	}
}
