package config

import (
	"reflect"
	"sort"
	"strings"

	logx "agentd/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging (never includes tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if ExtensionsChanged(oldCfg, newCfg) {
		changed = append(changed, "extensions")
		attrs = append(attrs,
			logx.String("extensions.dir", newCfg.Extensions.Dir),
			logx.Strings("extensions.excluded_units", SplitList(newCfg.Extensions.ExcludedUnits)),
			logx.Strings("extensions.excluded_tools", SplitList(newCfg.Extensions.ExcludedTools)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Cron, newCfg.Cron) {
		changed = append(changed, "cron")
		attrs = append(attrs,
			logx.Bool("cron.enabled", newCfg.Cron.Enabled),
			logx.String("cron.jobs_path", newCfg.Cron.JobsPath),
			logx.String("cron.timezone", newCfg.Cron.Timezone),
		)
	}

	if !reflect.DeepEqual(derefTaskEngine(oldCfg.TaskEngine), derefTaskEngine(newCfg.TaskEngine)) {
		te := derefTaskEngine(newCfg.TaskEngine)
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Int("task_engine.workers", te.Workers),
			logx.Int("task_engine.queue_size", te.QueueSize),
		)
	}

	if !reflect.DeepEqual(oldCfg.Tasks, newCfg.Tasks) {
		changed = append(changed, "tasks")
	}

	var oDriver, nDriver string
	if oldCfg.Storage != nil {
		oDriver = strings.TrimSpace(oldCfg.Storage.Driver)
	}
	if newCfg.Storage != nil {
		nDriver = strings.TrimSpace(newCfg.Storage.Driver)
	}
	if oDriver != nDriver || !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", nDriver))
	}

	oa, na := oldCfg.Admin, newCfg.Admin
	oTok, nTok := strings.TrimSpace(oa.Token) != "", strings.TrimSpace(na.Token) != ""
	oa.Token, na.Token = "", ""
	if oa != na || oTok != nTok || oldCfg.Admin.Token != newCfg.Admin.Token {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", na.Enabled),
			logx.String("admin.addr", na.Addr),
			logx.Bool("admin.token_set", nTok),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// ExtensionsChanged reports whether a new config requires a registry reload.
func ExtensionsChanged(oldCfg, newCfg *Config) bool {
	o, n := oldCfg.Extensions, newCfg.Extensions
	return strings.TrimSpace(o.Dir) != strings.TrimSpace(n.Dir) ||
		!sameSet(o.ExcludedUnits, n.ExcludedUnits) ||
		!sameSet(o.ExcludedTools, n.ExcludedTools) ||
		o.LoadTimeout != n.LoadTimeout || o.Parallelism != n.Parallelism
}

func sameSet(a, b string) bool {
	x, y := SplitList(a), SplitList(b)
	sort.Strings(x)
	sort.Strings(y)
	return reflect.DeepEqual(x, y)
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}
