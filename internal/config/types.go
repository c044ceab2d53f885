package config

// Config is the agentd process configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging    LoggingConfig     `json:"logging"`
	Extensions ExtensionsConfig  `json:"extensions"`
	Cron       CronConfig        `json:"cron"`
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`
	Tasks      TasksConfig       `json:"tasks,omitempty"`
	Storage    *StorageConfig    `json:"storage,omitempty"`
	Admin      AdminConfig       `json:"admin,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ExtensionsConfig controls plugin discovery for the tool registry.
//
// ExcludedUnits / ExcludedTools are comma-separated, case-insensitive lists.
// The environment variables EXTENSION_EXCLUDED_EXTENSIONS and
// EXTENSION_EXCLUDED_TOOLS replace them when set.
type ExtensionsConfig struct {
	Dir           string `json:"dir"`
	ExcludedUnits string `json:"excluded_units,omitempty"`
	ExcludedTools string `json:"excluded_tools,omitempty"`

	// LoadTimeout bounds how long a single unit may take to load.
	LoadTimeout string `json:"load_timeout,omitempty"`
	// Parallelism bounds concurrent unit loading (default 4).
	Parallelism int `json:"parallelism,omitempty"`
	// ReloadOnStart performs the first reload during startup (default true).
	ReloadOnStart *bool `json:"reload_on_start,omitempty"`
}

// CronConfig controls the job store and the scheduler.
type CronConfig struct {
	Enabled  bool   `json:"enabled"`
	JobsPath string `json:"jobs_path,omitempty"` // default: $WORKSPACE_ROOT/cron/jobs.json
	Timezone string `json:"timezone,omitempty"`

	// Debounce is the quiet period after a jobs file edit before reconcile.
	Debounce string `json:"debounce,omitempty"`
	// PollInterval is the stat-poll fallback for filesystems without inotify ("-1s" disables).
	PollInterval string `json:"poll_interval,omitempty"`
}

// TaskEngineConfig controls the execution worker pool.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - history_size: 200
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// TasksConfig tunes the built-in task handlers.
type TasksConfig struct {
	FetchURL FetchURLConfig `json:"fetch_url,omitempty"`
}

type FetchURLConfig struct {
	RatePerSec float64 `json:"rate_per_sec,omitempty"` // default 1
	Burst      int     `json:"burst,omitempty"`        // default 2
	Timeout    string  `json:"timeout,omitempty"`      // default 15s
	MaxBytes   int64   `json:"max_bytes,omitempty"`    // default 2 MiB
	UserAgent  string  `json:"user_agent,omitempty"`
}

// StorageConfig controls the optional run-history store.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./agentd_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// AdminConfig controls the administrative HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8765").
//   - A non-loopback address requires a token unless allow_insecure is set.
//   - EXTENSIONS_ADMIN_TOKEN replaces Token when set.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8765"
	Token         string `json:"token,omitempty"` // never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
