package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/plughost/internal/host"
	"github.com/mattjoyce/plughost/internal/queue"
	"github.com/mattjoyce/plughost/internal/runs"
)

// handleHealthz handles GET /healthz. It reads only the descriptor table so
// probes never sample process metrics.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		PluginsLoaded: len(s.registry.Descriptors()),
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleCreateRun handles POST /runs. Every well-formed request is accepted;
// plugin failures surface later through GET /runs/{id}.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	id, err := s.runs.CreateRun(runs.Request{
		PluginID: req.PluginID,
		EntryID:  req.EntryID,
		Args:     req.Args,
		Timeout:  time.Duration(req.TimeoutMS) * time.Millisecond,
	})
	if err != nil {
		if errors.Is(err, runs.ErrClosed) {
			s.writeError(w, http.StatusServiceUnavailable, "shutting down")
			return
		}
		s.logger.Error("failed to create run", "plugin", req.PluginID, "entry", req.EntryID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create run")
		return
	}

	respondJSON(w, http.StatusAccepted, CreateRunResponse{RunID: id})
}

// handleListRuns handles GET /runs?limit=N.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit")
	if !ok {
		s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	list := s.runs.List(limit)
	if list == nil {
		list = []runs.Run{}
	}
	respondJSON(w, http.StatusOK, ListRunsResponse{Runs: list})
}

// handleGetRun handles GET /runs/{runID}.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.GetRun(chi.URLParam(r, "runID"))
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, run)
}

// handleExportRun handles GET /runs/{runID}/export.
func (s *Server) handleExportRun(w http.ResponseWriter, r *http.Request) {
	export, err := s.runs.Export(chi.URLParam(r, "runID"))
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	if export.Items == nil {
		export.Items = []runs.ExportItem{}
	}
	respondJSON(w, http.StatusOK, export)
}

func (s *Server) writeRunError(w http.ResponseWriter, err error) {
	if errors.Is(err, runs.ErrRunNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	s.logger.Error("run lookup failed", "error", err)
	s.writeError(w, http.StatusInternalServerError, "run lookup failed")
}

// handleListPlugins handles GET /plugins.
func (s *Server) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, ListPluginsResponse{Plugins: s.registry.List(r.Context())})
}

// handleConnect handles POST /plugins/{pluginID}/connect.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "pluginID")
	h, err := s.registry.Connect(r.Context(), id)
	if err != nil {
		s.writePluginError(w, id, err)
		return
	}
	respondJSON(w, http.StatusOK, ConnectResponse{PluginID: id, State: h.State()})
}

// handleDisconnect handles POST /plugins/{pluginID}/disconnect.
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "pluginID")
	clean, err := s.registry.Disconnect(r.Context(), id)
	if err != nil {
		s.writePluginError(w, id, err)
		return
	}
	respondJSON(w, http.StatusOK, DisconnectResponse{PluginID: id, Clean: clean})
}

// handleRemove handles DELETE /plugins/{pluginID}.
func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "pluginID")
	if err := s.registry.Remove(r.Context(), id); err != nil {
		s.writePluginError(w, id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleReload handles POST /plugins/reload.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	report, err := s.registry.Reload(r.Context())
	if err != nil {
		s.logger.Error("plugin reload failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "reload failed: "+err.Error())
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (s *Server) writePluginError(w http.ResponseWriter, id string, err error) {
	code := host.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case host.CodeNotFound:
		status = http.StatusNotFound
	case host.CodeStartFailed:
		status = http.StatusBadGateway
	default:
		s.logger.Error("plugin operation failed", "plugin", id, "error", err)
	}
	respondJSON(w, status, ErrorResponse{Error: err.Error(), Code: code})
}

// handleMessages handles GET /messages?max=N.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	max, ok := queryInt(r, "max")
	if !ok {
		s.writeError(w, http.StatusBadRequest, "max must be a non-negative integer")
		return
	}
	items, err := s.messages.DrainMessages(max)
	if err != nil {
		if errors.Is(err, queue.ErrClosed) {
			s.writeError(w, http.StatusServiceUnavailable, "message queue closed")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "drain failed")
		return
	}
	if items == nil {
		items = []queue.Item{}
	}
	respondJSON(w, http.StatusOK, MessagesResponse{Messages: items})
}

// queryInt reads an optional non-negative integer query parameter. A missing
// value yields 0.
func queryInt(r *http.Request, key string) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
