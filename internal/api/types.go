package api

import (
	"github.com/mattjoyce/plughost/internal/host"
	"github.com/mattjoyce/plughost/internal/plugin"
	"github.com/mattjoyce/plughost/internal/queue"
	"github.com/mattjoyce/plughost/internal/runs"
)

// CreateRunRequest is the JSON body for POST /runs.
type CreateRunRequest struct {
	PluginID string         `json:"plugin_id"`
	EntryID  string         `json:"entry_id"`
	Args     map[string]any `json:"args,omitempty"`
	// TimeoutMS overrides the default request timeout when positive.
	TimeoutMS int64 `json:"timeout_ms,omitempty"`
}

// CreateRunResponse is returned with 202 Accepted.
type CreateRunResponse struct {
	RunID string `json:"run_id"`
}

// ListRunsResponse is returned by GET /runs.
type ListRunsResponse struct {
	Runs []runs.Run `json:"runs"`
}

// ListPluginsResponse is returned by GET /plugins.
type ListPluginsResponse struct {
	Plugins []plugin.Info `json:"plugins"`
}

// ConnectResponse is returned by POST /plugins/{id}/connect.
type ConnectResponse struct {
	PluginID string     `json:"plugin_id"`
	State    host.State `json:"state"`
}

// DisconnectResponse is returned by POST /plugins/{id}/disconnect.
type DisconnectResponse struct {
	PluginID string `json:"plugin_id"`
	Clean    bool   `json:"clean"`
}

// MessagesResponse is returned by GET /messages.
type MessagesResponse struct {
	Messages []queue.Item `json:"messages"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	PluginsLoaded int    `json:"plugins_loaded"`
}
