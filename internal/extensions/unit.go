package extensions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"agentd/internal/config"
)

// EntryFiles are the designated entry files of a unit directory, in priority order.
var EntryFiles = []string{"extension.yaml", "extension.yml", "extension.json"}

// Unit is one plugin unit. Tools returns the unit's raw declarations.
type Unit interface {
	Name() string
	Tools(ctx context.Context) ([]ToolSpec, error)
}

// dirUnit is implemented by units that live on disk.
type dirUnit interface {
	Dir() string
}

// NewUnit registers a compiled-in unit backed by fn.
func NewUnit(name string, fn func(ctx context.Context) ([]ToolSpec, error)) Unit {
	return funcUnit{name: name, fn: fn}
}

type funcUnit struct {
	name string
	fn   func(ctx context.Context) ([]ToolSpec, error)
}

func (u funcUnit) Name() string { return u.name }
func (u funcUnit) Tools(ctx context.Context) ([]ToolSpec, error) {
	if u.fn == nil {
		return nil, errors.New("unit has no registration function")
	}
	return u.fn(ctx)
}

// manifestUnit is a directory unit declared by an extension.yaml/json manifest.
//
//	tool:            # or tools: [ ... ]
//	  label: Weather
//	  name: weather
//	  description: Current weather for a city
//	  parameters: { city: { type: string, required: true } }
//	  execute: { type: exec, command: ["./weather.sh"], timeout: 10s }
type manifestUnit struct {
	name  string
	dir   string
	entry string
}

func (u manifestUnit) Name() string { return u.name }
func (u manifestUnit) Dir() string  { return u.dir }

func (u manifestUnit) Tools(ctx context.Context) ([]ToolSpec, error) {
	b, err := os.ReadFile(u.entry)
	if err != nil {
		return nil, err
	}
	jb, err := config.ToJSON(u.entry, b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(u.entry), err)
	}
	var doc map[string]any
	dec := json.NewDecoder(bytes.NewReader(jb))
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(u.entry), err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%s: must be an object", filepath.Base(u.entry))
	}
	single, hasSingle := doc["tool"]
	many, hasMany := doc["tools"]
	switch {
	case hasSingle && hasMany:
		return nil, errors.New("extension must define either tool or tools, not both")
	case hasSingle:
		m, ok := single.(map[string]any)
		if !ok {
			return nil, errors.New("tool must be an object")
		}
		return []ToolSpec{m}, nil
	case hasMany:
		list, ok := many.([]any)
		if !ok {
			return nil, errors.New("tools must be a list")
		}
		out := make([]ToolSpec, 0, len(list))
		for i, e := range list {
			m, ok := e.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("tools[%d] must be an object", i)
			}
			out = append(out, m)
		}
		return out, nil
	default:
		return nil, errors.New("extension must define tool or tools")
	}
}

// discover lists directory units under root. A missing root yields no units;
// any other read error is returned.
func discover(root string) ([]Unit, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read extensions dir: %w", err)
	}
	var units []Unit
	for _, e := range entries {
		dir := filepath.Join(root, e.Name())
		fi, err := os.Stat(dir) // follows symlinked unit dirs
		if err != nil || !fi.IsDir() {
			continue
		}
		for _, f := range EntryFiles {
			p := filepath.Join(dir, f)
			if st, err := os.Stat(p); err == nil && st.Mode().IsRegular() {
				units = append(units, manifestUnit{name: e.Name(), dir: dir, entry: p})
				break
			}
		}
	}
	return units, nil
}
