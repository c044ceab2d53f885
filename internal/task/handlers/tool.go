package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ToolInvoker is satisfied by the extension tool registry.
type ToolInvoker interface {
	Invoke(ctx context.Context, name string, args map[string]any) (any, error)
}

// Tool runs a registered extension tool. kwargs: name (required), args (object).
func Tool(inv ToolInvoker) Func {
	return func(ctx context.Context, kw map[string]any) (any, error) {
		name, err := stringArg(kw, "name", "")
		if err != nil {
			return nil, err
		}
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, errors.New("name is required")
		}
		var args map[string]any
		switch v := kw["args"].(type) {
		case nil:
			args = map[string]any{}
		case map[string]any:
			args = v
		default:
			return nil, fmt.Errorf("args must be an object, got %T", v)
		}
		return inv.Invoke(ctx, name, args)
	}
}
