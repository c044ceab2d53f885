package app

import (
	"fmt"
	"strings"
	"time"

	"agentd/internal/admin"
	"agentd/internal/config"
	"agentd/internal/extensions"
	"agentd/internal/storage"
	"agentd/internal/task/engine"
	"agentd/internal/task/handlers"
	"agentd/internal/task/scheduler"
	logx "agentd/pkg/logx"
)

const (
	defaultCronDebounce = 500 * time.Millisecond
	defaultCronPoll     = 2 * time.Second
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.TrimSpace(sc.Driver)
	if driver == "" || strings.EqualFold(driver, "none") {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	dl := strings.ToLower(driver)
	switch dl {
	case "file":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", driver)
	}
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{Workers: 2, QueueSize: 256, HistorySize: 200}
	if cfg == nil || cfg.TaskEngine == nil {
		return out, nil
	}
	te := cfg.TaskEngine
	if te.Workers > 0 {
		out.Workers = te.Workers
	}
	if te.QueueSize > 0 {
		out.QueueSize = te.QueueSize
	}
	if te.HistorySize > 0 {
		out.HistorySize = te.HistorySize
	}
	d, err := config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	out.DefaultTimeout = d
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	debounce, err := config.ParseDurationOrDefault("cron.debounce", cfg.Cron.Debounce, defaultCronDebounce)
	if err != nil {
		return scheduler.Config{}, err
	}
	poll, err := config.ParseSwitchDuration("cron.poll_interval", cfg.Cron.PollInterval, defaultCronPoll)
	if err != nil {
		return scheduler.Config{}, err
	}
	tz := strings.TrimSpace(cfg.Cron.Timezone)
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, fmt.Errorf("cron.timezone: invalid %q: %w", tz, err)
		}
	}
	return scheduler.Config{Timezone: tz, Debounce: debounce, PollInterval: poll}, nil
}

func mapFetchConfig(cfg *config.Config) (handlers.FetchConfig, error) {
	fc := cfg.Tasks.FetchURL
	timeout, err := config.ParseDurationField("tasks.fetch_url.timeout", fc.Timeout)
	if err != nil {
		return handlers.FetchConfig{}, err
	}
	if fc.RatePerSec < 0 || fc.Burst < 0 || fc.MaxBytes < 0 {
		return handlers.FetchConfig{}, fmt.Errorf("tasks.fetch_url: limits must be >= 0")
	}
	return handlers.FetchConfig{
		RatePerSec: fc.RatePerSec,
		Burst:      fc.Burst,
		Timeout:    timeout,
		MaxBytes:   fc.MaxBytes,
		UserAgent:  fc.UserAgent,
	}, nil
}

// mapLoadOptions builds the discovery options; the registry supplies the resolver.
func mapLoadOptions(cfg *config.Config) (extensions.LoadOptions, error) {
	timeout, err := config.ParseDurationOrDefault("extensions.load_timeout", cfg.Extensions.LoadTimeout, extensions.DefaultUnitTimeout)
	if err != nil {
		return extensions.LoadOptions{}, err
	}
	par := cfg.Extensions.Parallelism
	if par <= 0 {
		par = extensions.DefaultParallelism
	}
	return extensions.LoadOptions{
		Root:          strings.TrimSpace(cfg.Extensions.Dir),
		ExcludedUnits: config.SplitList(cfg.Extensions.ExcludedUnits),
		ExcludedTools: config.SplitList(cfg.Extensions.ExcludedTools),
		Parallelism:   par,
		UnitTimeout:   timeout,
	}, nil
}

func mapAdminConfig(cfg *config.Config) (admin.Config, error) {
	ac := cfg.Admin
	read, err := config.ParseDurationOrDefault("admin.read_timeout", ac.ReadTimeout, 10*time.Second)
	if err != nil {
		return admin.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("admin.write_timeout", ac.WriteTimeout, 90*time.Second)
	if err != nil {
		return admin.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("admin.idle_timeout", ac.IdleTimeout, 60*time.Second)
	if err != nil {
		return admin.Config{}, err
	}
	addr := strings.TrimSpace(ac.Addr)
	if addr == "" {
		addr = admin.DefaultAddr
	}
	return admin.Config{
		Enabled:       ac.Enabled,
		Addr:          addr,
		Token:         strings.TrimSpace(ac.Token),
		AllowInsecure: ac.AllowInsecure,
		Pprof:         ac.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

func reloadOnStart(cfg *config.Config) bool {
	if cfg.Extensions.ReloadOnStart == nil {
		return true
	}
	return *cfg.Extensions.ReloadOnStart
}

// validate runs every mapping so a bad hot-reload is rejected before commit.
func validate(cfg *config.Config) error {
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapFetchConfig(cfg); err != nil {
		return err
	}
	if _, err := mapLoadOptions(cfg); err != nil {
		return err
	}
	_, err := mapAdminConfig(cfg)
	return err
}
