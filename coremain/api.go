package coremain

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/pmkol/offsync/pkg/coordinator"
	"github.com/pmkol/offsync/pkg/engine"
	"github.com/pmkol/offsync/pkg/syncqueue"
)

const maxCommandSize = 1 << 20

type healthStatus struct {
	Online   bool                     `json:"online"`
	Version  string                   `json:"version"`
	LastSync *coordinator.SyncSession `json:"last_sync,omitempty"`
	Queue    *syncqueue.Stats         `json:"queue,omitempty"`
}

type apiError struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// registerEngineAPI mounts the engine control endpoints on mux.
func registerEngineAPI(mux *http.ServeMux, e *engine.Engine, lg *zap.Logger) {
	mux.HandleFunc("POST /engine/command", func(w http.ResponseWriter, r *http.Request) {
		var cmd engine.Command
		if err := json.NewDecoder(io.LimitReader(r.Body, maxCommandSize)).Decode(&cmd); err != nil {
			writeJSON(w, http.StatusBadRequest, apiError{Error: fmt.Sprintf("invalid command: %v", err)})
			return
		}
		res, err := e.Command(r.Context(), cmd)
		if err != nil {
			status := http.StatusInternalServerError
			switch {
			case errors.Is(err, engine.ErrUnknownCommand):
				status = http.StatusBadRequest
			case errors.Is(err, engine.ErrClosed):
				status = http.StatusServiceUnavailable
			}
			lg.Warn("command failed", zap.String("type", cmd.Type), zap.Error(err))
			writeJSON(w, status, apiError{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, res)
	})

	mux.HandleFunc("POST /engine/sync/{tag}", func(w http.ResponseWriter, r *http.Request) {
		tag := r.PathValue("tag")
		session, err := e.SyncTag(r.Context(), tag)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, apiError{Error: err.Error()})
			return
		}
		if session == nil {
			writeJSON(w, http.StatusNotFound, apiError{Error: fmt.Sprintf("unknown sync tag %q", tag)})
			return
		}
		writeJSON(w, http.StatusOK, session)
	})

	mux.HandleFunc("GET /engine/queue", func(w http.ResponseWriter, r *http.Request) {
		stats, err := e.Queue().Stats(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, apiError{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, stats)
	})

	mux.HandleFunc("GET /engine/queue/dead", func(w http.ResponseWriter, r *http.Request) {
		format := r.URL.Query().Get("format")
		switch format {
		case "", "json":
			format = "json"
			w.Header().Set("Content-Type", "application/json")
		case "yaml", "yml":
			w.Header().Set("Content-Type", "application/yaml")
		default:
			writeJSON(w, http.StatusBadRequest, apiError{Error: fmt.Sprintf("unknown format %q", format)})
			return
		}
		dead, err := e.Queue().ListDead(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, apiError{Error: err.Error()})
			return
		}
		if err := syncqueue.Export(w, format, dead); err != nil {
			lg.Warn("failed to export dead letters", zap.Error(err))
		}
	})

	mux.HandleFunc("GET /engine/events", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, e.Events())
	})

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		hs := healthStatus{
			Online:   e.Online(),
			Version:  e.Version(),
			LastSync: e.LastSync(),
		}
		if stats, err := e.Queue().Stats(r.Context()); err == nil {
			hs.Queue = &stats
		}
		writeJSON(w, http.StatusOK, hs)
	})
}
