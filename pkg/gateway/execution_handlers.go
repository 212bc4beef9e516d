package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Mindburn-Labs/helm/dispatch/pkg/api"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/audit"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/auth"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/contracts"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/identity"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/kernel/errorir"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/orchestrator"
)

type executionList struct {
	Executions []contracts.ExecutionResult `json:"executions"`
	Limit      int                         `json:"limit"`
	Offset     int                         `json:"offset"`
}

func caller(r *http.Request) (identity.Identity, error) {
	p, err := auth.GetPrincipal(r.Context())
	if err != nil {
		return identity.Identity{}, errorir.New(errorir.KindInvalid, "authentication required")
	}
	return p.Identity(), nil
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r)
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		api.WriteProblem(w, r, errorir.New(errorir.KindInvalidRequest, "request body too large or unreadable"))
		return
	}
	if err := validateExecuteBody(raw); err != nil {
		api.WriteProblem(w, r, err)
		return
	}
	var req contracts.ExecutionRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		api.WriteProblem(w, r, errorir.New(errorir.KindInvalidRequest, "request body does not match the execute schema"))
		return
	}

	async, _ := strconv.ParseBool(r.URL.Query().Get("async"))
	result, err := s.deps.Orchestrator.Execute(r.Context(), who, req, async)
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}

	status := http.StatusOK
	if async {
		status = http.StatusAccepted
		w.Header().Set("Location", "/api/v1/executions/"+result.ExecutionID)
	}
	api.WriteJSON(w, status, result)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r)
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}

	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		api.WriteProblem(w, r, errorir.New(errorir.KindInvalidRequest, "limit must be an integer"))
		return
	}
	offset, err := intParam(q.Get("offset"))
	if err != nil || offset < 0 {
		api.WriteProblem(w, r, errorir.New(errorir.KindInvalidRequest, "offset must be a non-negative integer"))
		return
	}

	items, err := s.deps.Orchestrator.List(r.Context(), who, limit, offset)
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	effective := limit
	if effective <= 0 {
		effective = orchestrator.DefaultListLimit
	}
	if effective > orchestrator.MaxListLimit {
		effective = orchestrator.MaxListLimit
	}
	api.WriteJSON(w, http.StatusOK, executionList{Executions: items, Limit: effective, Offset: offset})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r)
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}

	result, err := s.deps.Orchestrator.Get(r.Context(), who, chi.URLParam(r, "id"))
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, result)
}

func (s *Server) handleListEngines(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, map[string]any{"engines": s.deps.Orchestrator.Engines(r.Context())})
}

func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	if s.deps.Exporter == nil {
		api.WriteNotFound(w, "audit export is not configured")
		return
	}

	q := r.URL.Query()
	req := audit.ExportRequest{ActorID: q.Get("actor_id")}
	var err error
	if req.StartTime, err = timeParam(q.Get("start")); err != nil {
		api.WriteProblem(w, r, errorir.New(errorir.KindInvalidRequest, "start must be an RFC 3339 timestamp"))
		return
	}
	if req.EndTime, err = timeParam(q.Get("end")); err != nil {
		api.WriteProblem(w, r, errorir.New(errorir.KindInvalidRequest, "end must be an RFC 3339 timestamp"))
		return
	}

	pack, digest, err := s.deps.Exporter.GeneratePack(r.Context(), req)
	if err != nil {
		if errors.Is(err, audit.ErrInvalidTimeRange) {
			api.WriteProblem(w, r, errorir.New(errorir.KindInvalidRequest, "start must not be after end"))
			return
		}
		api.WriteInternal(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="audit-pack.zip"`)
	w.Header().Set("X-Pack-SHA256", digest)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pack)
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func timeParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}
