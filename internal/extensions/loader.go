package extensions

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultUnitTimeout = 10 * time.Second
	DefaultParallelism = 4
)

// LoadOptions configure one discovery pass.
type LoadOptions struct {
	Root          string
	ExcludedUnits []string // case-insensitive
	ExcludedTools []string // case-insensitive
	Static        []Unit   // compiled-in units, merged with the directory units
	Parallelism   int
	UnitTimeout   time.Duration
	Resolver      *Resolver
}

// LoadResult is the outcome of a discovery pass.
type LoadResult struct {
	Tools    []Descriptor // sorted by name
	Loaded   []string     // units that contributed (possibly zero tools after exclusion)
	Failed   []UnitFailure
	Excluded []string
	funcs    map[string]Invoker
}

type unitResult struct {
	unit  Unit
	descs []Descriptor
	funcs map[string]Invoker
	err   error
}

// Load discovers, validates and normalizes every unit. A failing unit never
// aborts the pass; only an unreadable root directory is returned as an error.
func Load(ctx context.Context, opt LoadOptions) (*LoadResult, error) {
	units, err := discover(opt.Root)
	if err != nil {
		return nil, err
	}
	units = append(units, opt.Static...)
	sort.SliceStable(units, func(i, j int) bool { return units[i].Name() < units[j].Name() })

	res := &LoadResult{funcs: map[string]Invoker{}}
	excludedUnits := toSet(opt.ExcludedUnits)
	excludedTools := toSet(opt.ExcludedTools)

	var pending []*unitResult
	seen := map[string]bool{}
	for _, u := range units {
		name := u.Name()
		if _, skip := excludedUnits[strings.ToLower(name)]; skip {
			res.Excluded = append(res.Excluded, name)
			continue
		}
		r := &unitResult{unit: u}
		if seen[name] {
			r.err = fmt.Errorf("duplicate unit name %q", name)
		}
		seen[name] = true
		pending = append(pending, r)
	}

	par := opt.Parallelism
	if par <= 0 {
		par = DefaultParallelism
	}
	timeout := opt.UnitTimeout
	if timeout <= 0 {
		timeout = DefaultUnitTimeout
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(par)
	for _, r := range pending {
		if r.err != nil {
			continue
		}
		r := r
		g.Go(func() error {
			r.descs, r.funcs, r.err = loadUnit(gctx, r.unit, timeout, opt.Resolver)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Exclusion, then duplicates inside a unit.
	for _, r := range pending {
		if r.err != nil {
			continue
		}
		kept := r.descs[:0]
		names := map[string]bool{}
		for _, d := range r.descs {
			if _, skip := excludedTools[strings.ToLower(d.Name)]; skip {
				delete(r.funcs, d.Name)
				continue
			}
			if names[d.Name] {
				r.err = &CollisionError{Tool: d.Name, Units: []string{r.unit.Name()}}
				break
			}
			names[d.Name] = true
			kept = append(kept, d)
		}
		r.descs = kept
	}

	// Cross-unit collisions reject every unit involved.
	owners := map[string][]*unitResult{}
	for _, r := range pending {
		if r.err != nil {
			continue
		}
		for _, d := range r.descs {
			owners[d.Name] = append(owners[d.Name], r)
		}
	}
	collided := map[*unitResult][]error{}
	toolNames := make([]string, 0, len(owners))
	for n := range owners {
		toolNames = append(toolNames, n)
	}
	sort.Strings(toolNames)
	for _, n := range toolNames {
		rs := owners[n]
		if len(rs) < 2 {
			continue
		}
		for _, r := range rs {
			units := []string{r.unit.Name()}
			for _, o := range rs {
				if o != r {
					units = append(units, o.unit.Name())
				}
			}
			collided[r] = append(collided[r], &CollisionError{Tool: n, Units: units})
		}
	}
	for r, errs := range collided {
		if len(errs) == 1 {
			r.err = errs[0]
		} else {
			r.err = collisions(errs)
		}
	}

	for _, r := range pending {
		if r.err != nil {
			res.Failed = append(res.Failed, failure(r.unit.Name(), r.err))
			continue
		}
		res.Loaded = append(res.Loaded, r.unit.Name())
		res.Tools = append(res.Tools, r.descs...)
		for n, f := range r.funcs {
			res.funcs[n] = f
		}
	}
	sort.Slice(res.Tools, func(i, j int) bool { return res.Tools[i].Name < res.Tools[j].Name })
	return res, nil
}

func loadUnit(ctx context.Context, u Unit, timeout time.Duration, resolver *Resolver) ([]Descriptor, map[string]Invoker, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type out struct {
		specs []ToolSpec
		err   error
	}
	done := make(chan out, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- out{err: fmt.Errorf("panic while loading: %v\n%s", p, debug.Stack())}
			}
		}()
		specs, err := u.Tools(ctx)
		done <- out{specs, err}
	}()

	var o out
	select {
	case <-ctx.Done():
		return nil, nil, fmt.Errorf("load timed out after %s", timeout)
	case o = <-done:
	}
	if o.err != nil {
		return nil, nil, o.err
	}
	dir := ""
	if du, ok := u.(dirUnit); ok {
		dir = du.Dir()
	}
	descs := make([]Descriptor, 0, len(o.specs))
	funcs := map[string]Invoker{}
	for i, raw := range o.specs {
		d, fn, err := ValidateTool(raw, i, dir, resolver)
		if err != nil {
			return nil, nil, err
		}
		d.Unit = u.Name()
		if fn != nil {
			funcs[d.Name] = fn
		}
		descs = append(descs, d)
	}
	return descs, funcs, nil
}

// collisions reports a unit that collided on more than one tool name.
type collisions []error

func (c collisions) Error() string {
	msgs := make([]string, len(c))
	for i, e := range c {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

func (c collisions) Unwrap() []error { return c }

func toSet(list []string) map[string]struct{} {
	m := make(map[string]struct{}, len(list))
	for _, s := range list {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			m[s] = struct{}{}
		}
	}
	return m
}
