package extensions

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
)

// ToolSpec is a raw tool declaration as produced by a unit.
type ToolSpec = map[string]any

// RequiredFields every declaration must carry.
var RequiredFields = []string{"label", "name", "description", "parameters", "execute"}

// Descriptor is a validated, normalized tool.
type Descriptor struct {
	Label       string       `json:"label"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Schema      Schema       `json:"schema"`
	Executor    ExecutorSpec `json:"executor"`
	Unit        string       `json:"unit"`
}

func (d Descriptor) clone() Descriptor {
	d.Schema = d.Schema.clone()
	if d.Executor.Args != nil {
		d.Executor.Args = append([]string(nil), d.Executor.Args...)
	}
	return d
}

// ValidateTool checks a raw declaration and returns its descriptor.
//
// dir is the unit directory used to resolve relative commands; res checks
// that the executor is invocable. For in-process callables (KindFunc) the
// returned Invoker is non-nil and must be kept by the caller.
func ValidateTool(raw ToolSpec, index int, dir string, res *Resolver) (Descriptor, Invoker, error) {
	id := "#" + strconv.Itoa(index)
	if n, ok := raw["name"].(string); ok && strings.TrimSpace(n) != "" {
		id = strconv.Quote(strings.TrimSpace(n))
	}

	var missing []string
	for _, f := range RequiredFields {
		v, ok := raw[f]
		if !ok || v == nil {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return Descriptor{}, nil, &ValidationError{Tool: id, Kind: MissingField, Fields: missing}
	}

	d := Descriptor{}
	var empty []string
	for _, f := range []struct {
		key string
		dst *string
	}{{"label", &d.Label}, {"name", &d.Name}, {"description", &d.Description}} {
		s, ok := raw[f.key].(string)
		s = strings.TrimSpace(s)
		if !ok || s == "" {
			empty = append(empty, f.key)
			continue
		}
		*f.dst = s
	}
	if len(empty) > 0 {
		return Descriptor{}, nil, &ValidationError{Tool: id, Kind: Invalid, Fields: empty, Detail: "must be a non-empty string"}
	}

	params, ok := raw["parameters"].(map[string]any)
	if !ok {
		return Descriptor{}, nil, &ValidationError{Tool: id, Kind: Invalid, Fields: []string{"parameters"}, Detail: "must be an object"}
	}
	d.Schema = NormalizeSchema(params)

	// In-process callables from compiled-in units.
	switch fn := raw["execute"].(type) {
	case Invoker:
		d.Executor = ExecutorSpec{Kind: KindFunc, Ref: d.Name}
		return d, fn, nil
	case func(context.Context, map[string]any) (any, error):
		d.Executor = ExecutorSpec{Kind: KindFunc, Ref: d.Name}
		return d, InvokerFunc(fn), nil
	}

	spec, err := parseExecutor(raw["execute"], dir)
	if err != nil {
		return Descriptor{}, nil, &ValidationError{Tool: id, Kind: NotCallable, Detail: err.Error()}
	}
	if res == nil {
		res = NewResolver()
	}
	if _, err := res.Resolve(spec); err != nil {
		detail := err.Error()
		if errors.Is(err, ErrNotCallable) {
			detail = strings.TrimPrefix(detail, ErrNotCallable.Error()+": ")
		}
		return Descriptor{}, nil, &ValidationError{Tool: id, Kind: NotCallable, Detail: detail}
	}
	d.Executor = spec
	return d, nil, nil
}
