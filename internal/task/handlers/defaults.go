package handlers

import (
	"errors"
	"net/http"

	logx "agentd/pkg/logx"
)

// Names of the built-in tasks.
const (
	TaskLog      = "log"
	TaskFetchURL = "fetch_url"
	TaskTool     = "tool"
)

// Defaults builds a registry with the built-in tasks. tools may be nil, in
// which case the "tool" task is not registered.
func Defaults(log logx.Logger, fetch FetchConfig, client *http.Client, tools ToolInvoker) (*Registry, *Fetcher, error) {
	r := NewRegistry()
	f := NewFetcher(fetch, client)
	err := errors.Join(
		r.Register(TaskLog, Log(log)),
		r.Register(TaskFetchURL, f.Handle),
	)
	if tools != nil {
		err = errors.Join(err, r.Register(TaskTool, Tool(tools)))
	}
	if err != nil {
		return nil, nil, err
	}
	return r, f, nil
}
