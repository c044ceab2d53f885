package extensions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type ExecutorKind string

const (
	KindExec    ExecutorKind = "exec"
	KindHTTP    ExecutorKind = "http"
	KindBuiltin ExecutorKind = "builtin"
	// KindFunc marks an in-process callable registered by a compiled-in unit.
	KindFunc ExecutorKind = "func"
)

const maxOutputBytes = 4 << 20

// ExecutorSpec is the serializable capability record of a tool.
// The callable behind it is resolved by the registry at call time.
type ExecutorSpec struct {
	Kind    ExecutorKind  `json:"kind"`
	Ref     string        `json:"ref"`
	Args    []string      `json:"args,omitempty"`
	Method  string        `json:"method,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
	Async   bool          `json:"async,omitempty"`
	Dir     string        `json:"dir,omitempty"`
}

func (s ExecutorSpec) String() string {
	if s.Kind == KindExec && len(s.Args) > 0 {
		return string(s.Kind) + ":" + s.Ref + " " + strings.Join(s.Args, " ")
	}
	return string(s.Kind) + ":" + s.Ref
}

// Invoker runs one tool call.
type Invoker interface {
	Invoke(ctx context.Context, args map[string]any) (any, error)
}

// InvokerFunc adapts a plain function.
type InvokerFunc func(ctx context.Context, args map[string]any) (any, error)

func (f InvokerFunc) Invoke(ctx context.Context, args map[string]any) (any, error) {
	return f(ctx, args)
}

// Resolver turns capability records into invokers.
type Resolver struct {
	mu       sync.RWMutex
	builtins map[string]Invoker

	HTTPClient *http.Client
	LookPath   func(string) (string, error)
}

func NewResolver() *Resolver {
	return &Resolver{
		builtins:   map[string]Invoker{},
		HTTPClient: &http.Client{},
		LookPath:   exec.LookPath,
	}
}

// RegisterBuiltin exposes a host function to manifests as "builtin:<name>".
func (r *Resolver) RegisterBuiltin(name string, inv Invoker) {
	r.mu.Lock()
	r.builtins[strings.ToLower(strings.TrimSpace(name))] = inv
	r.mu.Unlock()
}

func (r *Resolver) Builtins() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.builtins))
	for k := range r.builtins {
		out = append(out, k)
	}
	return out
}

// Resolve returns the invoker for spec or an error wrapping ErrNotCallable.
func (r *Resolver) Resolve(spec ExecutorSpec) (Invoker, error) {
	var inv Invoker
	switch spec.Kind {
	case KindBuiltin:
		r.mu.RLock()
		b, ok := r.builtins[strings.ToLower(spec.Ref)]
		r.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: unknown builtin %q", ErrNotCallable, spec.Ref)
		}
		inv = b
	case KindExec:
		path, err := r.commandPath(spec)
		if err != nil {
			return nil, err
		}
		inv = &execInvoker{path: path, args: spec.Args, dir: spec.Dir}
	case KindHTTP:
		u, err := url.Parse(spec.Ref)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("%w: invalid url %q", ErrNotCallable, spec.Ref)
		}
		method := strings.ToUpper(strings.TrimSpace(spec.Method))
		if method == "" {
			method = http.MethodPost
		}
		client := r.HTTPClient
		if client == nil {
			client = http.DefaultClient
		}
		inv = &httpInvoker{url: u.String(), method: method, client: client}
	default:
		return nil, fmt.Errorf("%w: unsupported executor kind %q", ErrNotCallable, spec.Kind)
	}
	return wrap(inv, spec), nil
}

func (r *Resolver) commandPath(spec ExecutorSpec) (string, error) {
	ref := strings.TrimSpace(spec.Ref)
	if ref == "" {
		return "", fmt.Errorf("%w: empty command", ErrNotCallable)
	}
	if strings.ContainsRune(ref, filepath.Separator) || strings.HasPrefix(ref, ".") {
		p := ref
		if !filepath.IsAbs(p) {
			p = filepath.Join(spec.Dir, p)
		}
		fi, err := os.Stat(p)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrNotCallable, err)
		}
		if fi.IsDir() || fi.Mode().Perm()&0o111 == 0 {
			return "", fmt.Errorf("%w: %s is not executable", ErrNotCallable, p)
		}
		return p, nil
	}
	lp := r.LookPath
	if lp == nil {
		lp = exec.LookPath
	}
	p, err := lp(ref)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotCallable, err)
	}
	return p, nil
}

// wrap applies the record's timeout and async contract.
func wrap(inv Invoker, spec ExecutorSpec) Invoker {
	return InvokerFunc(func(ctx context.Context, args map[string]any) (any, error) {
		if spec.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
			defer cancel()
		}
		if !spec.Async {
			return inv.Invoke(ctx, args)
		}
		type result struct {
			v   any
			err error
		}
		done := make(chan result, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- result{err: fmt.Errorf("panic: %v", r)}
				}
			}()
			v, err := inv.Invoke(ctx, args)
			done <- result{v, err}
		}()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case r := <-done:
			return r.v, r.err
		}
	})
}

type execInvoker struct {
	path string
	args []string
	dir  string
}

// Invoke passes the arguments as JSON on stdin and returns stdout
// (decoded when it is JSON).
func (e *execInvoker) Invoke(ctx context.Context, args map[string]any) (any, error) {
	in, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, e.path, e.args...)
	cmd.Dir = e.dir
	cmd.Stdin = bytes.NewReader(in)
	var stdout, stderr limitedBuffer
	stdout.max, stderr.max = maxOutputBytes, 64<<10
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", filepath.Base(e.path), err, msg)
		}
		return nil, fmt.Errorf("%s: %w", filepath.Base(e.path), err)
	}
	return decodeOutput(stdout.Bytes()), nil
}

type httpInvoker struct {
	url    string
	method string
	client *http.Client
}

func (h *httpInvoker) Invoke(ctx context.Context, args map[string]any) (any, error) {
	body, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, h.method, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxOutputBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return decodeOutput(b), nil
}

func decodeOutput(b []byte) any {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return ""
	}
	var v any
	if json.Valid(b) && json.Unmarshal(b, &v) == nil {
		return v
	}
	return string(b)
}

// limitedBuffer keeps the first max bytes and discards the rest.
type limitedBuffer struct {
	bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.Len(); room > 0 {
		if len(p) > room {
			b.Buffer.Write(p[:room])
		} else {
			b.Buffer.Write(p)
		}
	}
	return len(p), nil
}

// parseExecutor reads the "execute" entry of a manifest declaration.
func parseExecutor(v any, dir string) (ExecutorSpec, error) {
	switch x := v.(type) {
	case string:
		s := strings.TrimSpace(x)
		switch {
		case s == "":
			return ExecutorSpec{}, errors.New("empty execute")
		case strings.HasPrefix(strings.ToLower(s), "builtin:"):
			return ExecutorSpec{Kind: KindBuiltin, Ref: strings.TrimSpace(s[len("builtin:"):])}, nil
		case strings.HasPrefix(s, "http://"), strings.HasPrefix(s, "https://"):
			return ExecutorSpec{Kind: KindHTTP, Ref: s}, nil
		default:
			f := strings.Fields(s)
			return ExecutorSpec{Kind: KindExec, Ref: f[0], Args: f[1:], Dir: dir}, nil
		}
	case map[string]any:
		kind, _ := x["type"].(string)
		if kind == "" {
			kind, _ = x["kind"].(string)
		}
		spec := ExecutorSpec{Kind: ExecutorKind(strings.ToLower(strings.TrimSpace(kind))), Dir: dir}
		to, err := parseTimeout(x["timeout"])
		if err != nil {
			return ExecutorSpec{}, err
		}
		spec.Timeout = to
		spec.Async = truthy(x["async"])
		if m, _ := x["mode"].(string); strings.EqualFold(m, "async") {
			spec.Async = true
		}
		switch spec.Kind {
		case KindExec:
			cmd := stringList(x["command"])
			if s, ok := x["command"].(string); ok {
				cmd = strings.Fields(s)
			}
			if len(cmd) == 0 {
				return ExecutorSpec{}, errors.New("exec executor needs a command")
			}
			spec.Ref, spec.Args = cmd[0], append(cmd[1:], stringList(x["args"])...)
		case KindHTTP:
			spec.Ref, _ = x["url"].(string)
			spec.Method, _ = x["method"].(string)
		case KindBuiltin:
			spec.Ref, _ = x["name"].(string)
		default:
			return ExecutorSpec{}, fmt.Errorf("unsupported executor type %q", kind)
		}
		return spec, nil
	default:
		return ExecutorSpec{}, fmt.Errorf("unsupported execute value of type %T", v)
	}
}

// parseTimeout accepts a Go duration string or a number of seconds.
func parseTimeout(v any) (time.Duration, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return time.Duration(x * float64(time.Second)), nil
	case string:
		if strings.TrimSpace(x) == "" {
			return 0, nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(x))
		if err != nil {
			return 0, fmt.Errorf("invalid timeout %q: %w", x, err)
		}
		return d, nil
	default:
		return 0, fmt.Errorf("invalid timeout of type %T", v)
	}
}
