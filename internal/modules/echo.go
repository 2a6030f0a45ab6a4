// ABOUTME: Diagnostic builtin module that returns its arguments
// ABOUTME: Useful for checking the module load and call path end to end

package modules

import (
	"context"
	"encoding/json"
	"fmt"
)

// EchoModule answers "echo" with its args and "meta" with its metadata.
type EchoModule struct{}

// NewEchoModule returns an EchoModule.
func NewEchoModule() Module { return EchoModule{} }

func (EchoModule) Meta() Meta {
	return Meta{Name: "echo", Version: "1.0.0", Description: "returns its arguments"}
}

func (e EchoModule) Invoke(ctx context.Context, method string, args json.RawMessage) (any, error) {
	switch method {
	case "echo":
		if len(args) == 0 {
			return nil, nil
		}
		return args, nil
	case "meta":
		return e.Meta(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
}
