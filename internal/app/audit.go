package app

import (
	"context"

	"agentd/internal/extensions"
	"agentd/internal/storage"
)

// reloadAudit records registry swaps in the history store.
type reloadAudit struct{ store storage.Store }

func (a reloadAudit) RecordReload(ctx context.Context, r extensions.Report) error {
	var failed map[string]string
	if len(r.FailedUnits) > 0 {
		failed = make(map[string]string, len(r.FailedUnits))
		for _, f := range r.FailedUnits {
			failed[f.Unit] = f.Reason
		}
	}
	return a.store.AppendReload(ctx, storage.ReloadRecord{
		Version: r.Version,
		Loaded:  r.LoadedUnits,
		Failed:  failed,
		Tools:   r.ToolNames,
	})
}
