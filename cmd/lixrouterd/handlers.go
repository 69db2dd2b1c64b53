package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/lixrouter/lixrouter/pkg/rewriter"
)

type server struct {
	rewriter *rewriter.Rewriter
	hub      *hub
	log      *zap.Logger
}

type rewriteRequest struct {
	SQL     string          `json:"sql"`
	Context json.RawMessage `json:"context"`
}

func (s *server) handleRewrite(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read request body")
		return
	}

	var req rewriteRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SQL == "" {
		writeError(w, http.StatusBadRequest, "sql is required")
		return
	}

	out, err := s.rewriter.Rewrite(r.Context(), req.SQL, req.Context)
	if err != nil {
		var rerr *rewriter.RewriteError
		status := http.StatusBadRequest
		if !errors.As(err, &rerr) {
			status = http.StatusInternalServerError
		}
		s.log.Warn("rewrite failed",
			zap.String("requestId", requestIDFrom(r.Context())),
			zap.Error(err))
		writeError(w, status, err.Error())
		return
	}

	if out.CacheHints != nil && out.CacheHints.InternalStateReader != nil {
		hint := out.CacheHints.InternalStateReader
		s.hub.broadcastCacheHint(hint.SchemaKeys, hint.IncludeInheritance)
	}

	writeJSON(w, http.StatusOK, out)
}

type setContextRequest struct {
	TableCache *[]string         `json:"tableCache"`
	Views      map[string]string `json:"views"`
	Parameters []any             `json:"parameters"`
}

func (s *server) handleSetContext(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read request body")
		return
	}

	if err := s.rewriter.SetSharedContext(body); err != nil {
		s.log.Warn("set context failed",
			zap.String("requestId", requestIDFrom(r.Context())),
			zap.Error(err))
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
