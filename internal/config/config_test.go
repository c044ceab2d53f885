package config

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestParseMissingFileUsesDefaults(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(filepath.Join(t.TempDir(), "agentd.yaml"))
	m.SetEnv(envMap(map[string]string{EnvWorkspaceRoot: "/ws"}))

	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got := SplitList(cfg.Extensions.ExcludedUnits); !reflect.DeepEqual(got, []string{"example", "shell"}) {
		t.Fatalf("excluded units = %v, want [example shell]", got)
	}
	if cfg.Cron.JobsPath != filepath.Join("/ws", "cron", "jobs.json") {
		t.Fatalf("jobs path = %q", cfg.Cron.JobsPath)
	}
	if cfg.Admin.Addr != DefaultAdminAddr {
		t.Fatalf("admin addr = %q", cfg.Admin.Addr)
	}
}

func TestParseYAMLKeepsDefaultsAndAppliesEnv(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "agentd.yaml")
	body := `
logging:
  level: debug
  console: true
extensions:
  dir: ./ext
cron:
  enabled: true
  jobs_path: ./jobs.json
  timezone: UTC
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	m := NewConfigManager(path)
	m.SetEnv(envMap(map[string]string{
		EnvExcludedTools: " Web_Search , exec ",
		EnvAdminToken:    "s3cret",
	}))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Extensions.Dir != "./ext" || cfg.Logging.Level != "debug" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.Extensions.ExcludedUnits != DefaultExcludedUnits {
		t.Fatalf("excluded units = %q, want default", cfg.Extensions.ExcludedUnits)
	}
	if got := SplitList(cfg.Extensions.ExcludedTools); !reflect.DeepEqual(got, []string{"web_search", "exec"}) {
		t.Fatalf("excluded tools = %v", got)
	}
	if cfg.Admin.Token != "s3cret" {
		t.Fatalf("admin token not taken from env")
	}
	if m.Get() != cfg {
		t.Fatalf("Get() did not return committed config")
	}
}

func TestParseRejectsUnknownAndBadValues(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"unknown field": `{"logging":{"level":"info"},"bogus":1}`,
		"trailing data": `{"logging":{}} {}`,
		"bad duration":  `{"cron":{"debounce":"soon"}}`,
		"bad timezone":  `{"cron":{"timezone":"Mars/Olympus"}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "agentd.json")
			if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := NewConfigManager(path).Parse(); err == nil {
				t.Fatalf("Parse() accepted %s", body)
			}
		})
	}
}

func TestReloadPublishesOnlyOnChange(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "agentd.json")
	write := func(s string) {
		if err := os.WriteFile(path, []byte(s), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write(`{"logging":{"level":"info"}}`)
	m := NewConfigManager(path)
	m.SetEnv(envMap(nil))
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	changed, err := m.Reload(context.Background())
	if err != nil || changed {
		t.Fatalf("Reload() unchanged = (%v, %v), want (false, nil)", changed, err)
	}

	write(`{"logging":{"level":"debug"}}`)
	changed, err = m.Reload(context.Background())
	if err != nil || !changed {
		t.Fatalf("Reload() = (%v, %v), want (true, nil)", changed, err)
	}
	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("published level = %q", cfg.Logging.Level)
		}
	case <-time.After(time.Second):
		t.Fatal("no config published")
	}
}

func TestValidatorRejectsReload(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "agentd.json")
	if err := os.WriteFile(path, []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}
	m := NewConfigManager(path)
	m.SetEnv(envMap(nil))
	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		return context.DeadlineExceeded
	})
	if _, err := m.Reload(context.Background()); err == nil || !strings.Contains(err.Error(), "rejected") {
		t.Fatalf("Reload() err = %v, want rejection", err)
	}
	if m.Get() != nil {
		t.Fatal("rejected config was committed")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	a := Default()
	b := Default()
	b.Extensions.ExcludedTools = "exec"
	b.Admin.Token = "x"

	changed, _ := SummarizeConfigChange(a, b)
	if !reflect.DeepEqual(changed, []string{"admin", "extensions"}) {
		t.Fatalf("changed = %v", changed)
	}
	if !ExtensionsChanged(a, b) {
		t.Fatal("ExtensionsChanged() = false")
	}
	c := Default()
	c.Extensions.ExcludedUnits = " SHELL, example "
	if ExtensionsChanged(a, c) {
		t.Fatal("case/whitespace-only change should not require reload")
	}
}

func TestParseSwitchDuration(t *testing.T) {
	t.Parallel()
	cases := []struct {
		raw  string
		want time.Duration
	}{
		{"", 2 * time.Second},
		{"5s", 5 * time.Second},
		{"-1s", -time.Second},
	}
	for _, c := range cases {
		got, err := ParseSwitchDuration("x", c.raw, 2*time.Second)
		if err != nil || got != c.want {
			t.Fatalf("ParseSwitchDuration(%q) = (%v, %v), want %v", c.raw, got, err, c.want)
		}
	}
}
