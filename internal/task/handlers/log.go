package handlers

import (
	"context"

	logx "agentd/pkg/logx"
)

const defaultLogMessage = "cron event"

// Log writes kwargs.message at kwargs.level and returns the message.
// Unknown levels fall back to info.
func Log(log logx.Logger) Func {
	return func(ctx context.Context, kw map[string]any) (any, error) {
		_ = ctx
		msg, err := stringArg(kw, "message", defaultLogMessage)
		if err != nil {
			return nil, err
		}
		lvl, err := stringArg(kw, "level", "info")
		if err != nil {
			return nil, err
		}
		log.Log(logx.ParseLevel(lvl, logx.LevelInfo), "[cron.log] "+msg)
		return msg, nil
	}
}
