package extensions

import (
	"fmt"
	"sort"
	"strings"
)

type ParamType string

const (
	TypeString  ParamType = "string"
	TypeInteger ParamType = "integer"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
	TypeArray   ParamType = "array"
	TypeObject  ParamType = "object"
)

// Param is one canonical tool parameter.
type Param struct {
	Name        string    `json:"name"`
	Type        ParamType `json:"type"`
	Description string    `json:"description,omitempty"`
	Required    bool      `json:"required"`
	HasDefault  bool      `json:"-"`
	Default     any       `json:"default,omitempty"`
	Enum        []any     `json:"enum,omitempty"`
}

// Schema is the canonical parameter schema of a tool.
// Params are ordered by name so equivalent declarations compare equal.
type Schema struct {
	Params []Param `json:"params"`
}

// Param returns the named parameter.
func (s Schema) Param(name string) (Param, bool) {
	for _, p := range s.Params {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

// Required lists required parameter names in order.
func (s Schema) Required() []string {
	out := []string{}
	for _, p := range s.Params {
		if p.Required {
			out = append(out, p.Name)
		}
	}
	return out
}

func (s Schema) clone() Schema {
	if s.Params == nil {
		return s
	}
	ps := make([]Param, len(s.Params))
	for i, p := range s.Params {
		if p.Enum != nil {
			p.Enum = append([]any(nil), p.Enum...)
		}
		ps[i] = p
	}
	return Schema{Params: ps}
}

// JSONSchema renders the schema as a draft-07 object schema.
// Normalizing the result yields s again.
func (s Schema) JSONSchema() map[string]any {
	props := make(map[string]any, len(s.Params))
	for _, p := range s.Params {
		prop := map[string]any{"type": string(p.Type)}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if p.HasDefault {
			prop["default"] = p.Default
		}
		if len(p.Enum) > 0 {
			prop["enum"] = append([]any(nil), p.Enum...)
		}
		props[p.Name] = prop
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   s.Required(),
	}
}

// NormalizeType maps loose type names onto the canonical set.
// Unknown or missing types fall back to string.
func NormalizeType(v any) ParamType {
	s, _ := v.(string)
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "integer", "int":
		return TypeInteger
	case "number", "float":
		return TypeNumber
	case "boolean", "bool":
		return TypeBoolean
	case "array":
		return TypeArray
	case "object":
		return TypeObject
	default:
		return TypeString
	}
}

// NormalizeSchema accepts either the shorthand form
//
//	{"city": {"type": "string", "required": true}}
//
// or the JSON-Schema form
//
//	{"type": "object", "properties": {"city": {"type": "string"}}, "required": ["city"]}
//
// and returns the canonical Schema. It never fails: unreadable entries become
// optional string parameters.
func NormalizeSchema(raw map[string]any) Schema {
	if props, ok := jsonSchemaProperties(raw); ok {
		required := map[string]bool{}
		for _, n := range stringList(raw["required"]) {
			required[n] = true
		}
		params := make([]Param, 0, len(props))
		for name, v := range props {
			p := paramFrom(name, v)
			p.Required = required[name]
			params = append(params, p)
		}
		return sorted(params)
	}

	params := make([]Param, 0, len(raw))
	for name, v := range raw {
		p := paramFrom(name, v)
		if m, ok := v.(map[string]any); ok {
			p.Required = truthy(m["required"])
		}
		params = append(params, p)
	}
	return sorted(params)
}

// jsonSchemaProperties detects the JSON-Schema form: type "object" with a
// properties object. Without the type, "properties" is a shorthand parameter.
func jsonSchemaProperties(raw map[string]any) (map[string]any, bool) {
	if t, _ := raw["type"].(string); !strings.EqualFold(strings.TrimSpace(t), "object") {
		return nil, false
	}
	props, ok := raw["properties"].(map[string]any)
	return props, ok
}

func paramFrom(name string, v any) Param {
	p := Param{Name: name, Type: TypeString}
	switch x := v.(type) {
	case map[string]any:
		p.Type = NormalizeType(x["type"])
		if d, ok := x["description"].(string); ok {
			p.Description = strings.TrimSpace(d)
		}
		if d, ok := x["default"]; ok {
			p.HasDefault = true
			p.Default = d
		}
		if e, ok := x["enum"].([]any); ok && len(e) > 0 {
			p.Enum = append([]any(nil), e...)
		}
	case string:
		// "city: string" shorthand.
		p.Type = NormalizeType(x)
	}
	return p
}

func sorted(params []Param) Schema {
	sort.Slice(params, func(i, j int) bool { return params[i].Name < params[j].Name })
	return Schema{Params: params}
}

func stringList(v any) []string {
	switch x := v.(type) {
	case []string:
		return x
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		s := strings.ToLower(strings.TrimSpace(x))
		return s == "true" || s == "yes" || s == "1"
	default:
		return false
	}
}

// ApplyDefaults returns a copy of args with missing parameters set to their defaults.
func (s Schema) ApplyDefaults(args map[string]any) map[string]any {
	out := make(map[string]any, len(args)+len(s.Params))
	for k, v := range args {
		out[k] = v
	}
	for _, p := range s.Params {
		if _, ok := out[p.Name]; !ok && p.HasDefault {
			out[p.Name] = p.Default
		}
	}
	return out
}

func (p Param) String() string {
	req := ""
	if p.Required {
		req = ", required"
	}
	return fmt.Sprintf("%s (%s%s)", p.Name, p.Type, req)
}
