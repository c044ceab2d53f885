package config

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	EnvExcludedUnits = "EXTENSION_EXCLUDED_EXTENSIONS"
	EnvExcludedTools = "EXTENSION_EXCLUDED_TOOLS"
	EnvAdminToken    = "EXTENSIONS_ADMIN_TOKEN"
	EnvWorkspaceRoot = "WORKSPACE_ROOT"

	// DefaultExcludedUnits ships sample/unsafe units disabled.
	DefaultExcludedUnits = "example,shell"
	DefaultAdminAddr     = "127.0.0.1:8765"
)

// Default returns the configuration used when no config file exists.
func Default() *Config {
	cfg := &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Extensions: ExtensionsConfig{
			Dir:           "extensions",
			ExcludedUnits: DefaultExcludedUnits,
		},
		Cron: CronConfig{Enabled: true},
	}
	return cfg
}

// ApplyEnv fills derived defaults and applies environment overrides in place.
// getenv is injectable for tests; nil means os.Getenv.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if cfg == nil {
		return
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	if v, ok := lookup(getenv, EnvExcludedUnits); ok {
		cfg.Extensions.ExcludedUnits = v
	}
	if v, ok := lookup(getenv, EnvExcludedTools); ok {
		cfg.Extensions.ExcludedTools = v
	}
	if v, ok := lookup(getenv, EnvAdminToken); ok {
		cfg.Admin.Token = v
	}
	if strings.TrimSpace(cfg.Extensions.Dir) == "" {
		cfg.Extensions.Dir = "extensions"
	}
	if strings.TrimSpace(cfg.Cron.JobsPath) == "" {
		root := strings.TrimSpace(getenv(EnvWorkspaceRoot))
		if root == "" {
			root = "."
		}
		cfg.Cron.JobsPath = filepath.Join(root, "cron", "jobs.json")
	}
	if strings.TrimSpace(cfg.Admin.Addr) == "" {
		cfg.Admin.Addr = DefaultAdminAddr
	}
}

func lookup(getenv func(string) string, key string) (string, bool) {
	v := getenv(key)
	if strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

// SplitList parses a comma-separated list into lower-cased, trimmed, unique entries.
func SplitList(raw string) []string {
	seen := map[string]struct{}{}
	out := []string{}
	for _, p := range strings.Split(raw, ",") {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
