package extensions

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"agentd/internal/eventbus"
	logx "agentd/pkg/logx"
)

// Version is an immutable, fully built tool set.
type Version struct {
	Number   uint64
	LoadedAt time.Time

	tools    map[string]Descriptor
	funcs    map[string]Invoker
	schemas  map[string]*gojsonschema.Schema
	loaded   []string
	failed   []UnitFailure
	excluded []string
}

func emptyVersion() *Version {
	return &Version{tools: map[string]Descriptor{}, funcs: map[string]Invoker{}, schemas: map[string]*gojsonschema.Schema{}}
}

func (v *Version) Len() int { return len(v.tools) }

func (v *Version) Tool(name string) (Descriptor, bool) {
	d, ok := v.tools[name]
	if !ok {
		return Descriptor{}, false
	}
	return d.clone(), true
}

func (v *Version) Tools() []Descriptor {
	out := make([]Descriptor, 0, len(v.tools))
	for _, d := range v.tools {
		out = append(out, d.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (v *Version) ToolNames() []string {
	out := make([]string, 0, len(v.tools))
	for n := range v.tools {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (v *Version) LoadedUnits() []string   { return append([]string{}, v.loaded...) }
func (v *Version) ExcludedUnits() []string { return append([]string{}, v.excluded...) }
func (v *Version) FailedUnits() []UnitFailure {
	return append([]UnitFailure{}, v.failed...)
}

// Report is the wire shape of a reload result.
type Report struct {
	Version     uint64          `json:"version"`
	LoadedUnits []string        `json:"loadedUnits"`
	FailedUnits []FailureReport `json:"failedUnits"`
	ToolNames   []string        `json:"toolNames"`
}

type FailureReport struct {
	Unit   string `json:"unit"`
	Reason string `json:"reason"`
}

func (v *Version) Report() Report {
	r := Report{
		Version:     v.Number,
		LoadedUnits: v.LoadedUnits(),
		FailedUnits: make([]FailureReport, 0, len(v.failed)),
		ToolNames:   v.ToolNames(),
	}
	for _, f := range v.failed {
		r.FailedUnits = append(r.FailedUnits, FailureReport{Unit: f.Unit, Reason: f.Reason})
	}
	return r
}

// Auditor persists reload outcomes.
type Auditor interface {
	RecordReload(ctx context.Context, r Report) error
}

type Options struct {
	Log      logx.Logger
	Bus      eventbus.Bus
	Audit    Auditor
	Resolver *Resolver
	Load     LoadOptions
}

// Registry holds the active tool set.
//
// Active() is lock-free. Reload() builds a new Version off to the side and
// installs it with one atomic store; concurrent reloads queue on reloadMu and
// each performs its own full build.
type Registry struct {
	cur atomic.Pointer[Version]

	reloadMu sync.Mutex
	optMu    sync.Mutex
	opt      LoadOptions

	log      logx.Logger
	bus      eventbus.Bus
	audit    Auditor
	resolver *Resolver
}

func NewRegistry(o Options) *Registry {
	if o.Resolver == nil {
		o.Resolver = NewResolver()
	}
	r := &Registry{opt: o.Load, log: o.Log, bus: o.Bus, audit: o.Audit, resolver: o.Resolver}
	r.cur.Store(emptyVersion())
	return r
}

func (r *Registry) Resolver() *Resolver { return r.resolver }

// Active returns the current version. Before the first reload it is version 0 with no tools.
func (r *Registry) Active() *Version { return r.cur.Load() }

// SetLoadOptions replaces the discovery options used by later reloads.
func (r *Registry) SetLoadOptions(o LoadOptions) {
	r.optMu.Lock()
	r.opt = o
	r.optMu.Unlock()
}

func (r *Registry) loadOptions() LoadOptions {
	r.optMu.Lock()
	defer r.optMu.Unlock()
	o := r.opt
	o.Resolver = r.resolver
	return o
}

// Reload rebuilds the tool set. On error the previous version stays active.
func (r *Registry) Reload(ctx context.Context) (*Version, error) {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	start := time.Now()
	res, err := Load(ctx, r.loadOptions())
	if err != nil {
		if !r.log.IsZero() {
			r.log.Error("extensions reload failed; keeping previous version", logx.Err(err), logx.Uint64("version", r.Active().Number))
		}
		eventbus.Publish(r.bus, eventbus.ExtensionsFailed, err.Error())
		return nil, err
	}

	next := &Version{
		Number:   r.Active().Number + 1,
		LoadedAt: time.Now(),
		tools:    make(map[string]Descriptor, len(res.Tools)),
		funcs:    res.funcs,
		schemas:  make(map[string]*gojsonschema.Schema, len(res.Tools)),
		loaded:   res.Loaded,
		failed:   res.Failed,
		excluded: res.Excluded,
	}
	for _, d := range res.Tools {
		next.tools[d.Name] = d
		s, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(d.Schema.JSONSchema()))
		if err != nil {
			if !r.log.IsZero() {
				r.log.Warn("tool schema not compilable; arguments unchecked", logx.String("tool", d.Name), logx.Err(err))
			}
			continue
		}
		next.schemas[d.Name] = s
	}
	r.cur.Store(next)

	rep := next.Report()
	if !r.log.IsZero() {
		r.log.Info("extensions reloaded",
			logx.Uint64("version", next.Number),
			logx.Int("tools", next.Len()),
			logx.Strings("loaded", rep.LoadedUnits),
			logx.Int("failed", len(rep.FailedUnits)),
			logx.Duration("took", time.Since(start)),
		)
		for _, f := range next.failed {
			r.log.Warn("extension unit rejected", logx.String("unit", f.Unit), logx.String("kind", string(f.Kind)), logx.String("reason", f.Reason))
		}
	}
	eventbus.Publish(r.bus, eventbus.ExtensionsReloaded, rep)
	if r.audit != nil {
		if err := r.audit.RecordReload(ctx, rep); err != nil && !r.log.IsZero() {
			r.log.Warn("reload audit failed", logx.Err(err))
		}
	}
	return next, nil
}

// InvokeResult is published for every tool call.
type InvokeResult struct {
	Tool     string        `json:"tool"`
	Version  uint64        `json:"version"`
	Duration time.Duration `json:"duration"`
	Err      string        `json:"err,omitempty"`
}

// Invoke calls a tool of the active version after applying defaults and
// validating the arguments against its schema.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	v := r.Active()
	d, ok := v.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	args = d.Schema.ApplyDefaults(args)
	if s := v.schemas[name]; s != nil {
		res, err := s.Validate(gojsonschema.NewGoLoader(args))
		if err != nil {
			return nil, fmt.Errorf("tool %s: validate arguments: %w", name, err)
		}
		if !res.Valid() {
			ae := &ArgumentError{Tool: name}
			for _, e := range res.Errors() {
				ae.Details = append(ae.Details, e.String())
			}
			return nil, ae
		}
	}

	var inv Invoker
	if d.Executor.Kind == KindFunc {
		fn := v.funcs[name]
		if fn == nil {
			return nil, fmt.Errorf("%w: %s has no in-process callable", ErrNotCallable, name)
		}
		inv = wrap(fn, d.Executor)
	} else {
		var err error
		if inv, err = r.resolver.Resolve(d.Executor); err != nil {
			return nil, fmt.Errorf("tool %s: %w", name, err)
		}
	}

	start := time.Now()
	out, err := safeInvoke(ctx, inv, args)
	ir := InvokeResult{Tool: name, Version: v.Number, Duration: time.Since(start)}
	if err != nil {
		ir.Err = err.Error()
	}
	eventbus.Publish(r.bus, eventbus.ToolInvoked, ir)
	return out, err
}

func safeInvoke(ctx context.Context, inv Invoker, args map[string]any) (out any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("tool panicked: %v", p)
		}
	}()
	return inv.Invoke(ctx, args)
}
