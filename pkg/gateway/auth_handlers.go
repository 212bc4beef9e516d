package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/Mindburn-Labs/helm/dispatch/pkg/api"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/auth"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/contracts"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/identity"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/kernel/errorir"
)

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken string          `json:"access_token"`
	TokenType   string          `json:"token_type"`
	ExpiresAt   time.Time       `json:"expires_at"`
	User        *auth.Principal `json:"user,omitempty"`
}

type userResponse struct {
	User identity.Identity `json:"user"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		api.WriteProblem(w, r, err)
		return
	}

	session, err := s.deps.Authenticator.Issue(r.Context(), req.Username, req.Password)
	if err != nil {
		s.audit(r, contracts.AuditEntry{
			ActorID:  "anonymous",
			Action:   contracts.ActionAuthenticate,
			Ref:      req.Username,
			Outcome:  contracts.OutcomeRejected,
			Reason:   reason(err),
			Metadata: map[string]string{"client_ip": api.ClientIP(r)},
		})
		api.WriteProblem(w, r, err)
		return
	}

	s.audit(r, contracts.AuditEntry{
		ActorID: session.Principal.ID,
		Action:  contracts.ActionAuthenticate,
		Ref:     session.Credential.ID,
		Outcome: contracts.OutcomeAllowed,
	})
	api.WriteJSON(w, http.StatusOK, tokenResponse{
		AccessToken: session.Token,
		TokenType:   "Bearer",
		ExpiresAt:   session.Credential.ExpiresAt,
		User:        &session.Principal,
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	token, ok := auth.BearerToken(r)
	if !ok {
		api.WriteProblem(w, r, errorir.New(errorir.KindInvalid, "missing or malformed Authorization header (expected 'Bearer <token>')"))
		return
	}

	session, err := s.deps.Authenticator.Refresh(r.Context(), token)
	if err != nil {
		s.audit(r, contracts.AuditEntry{
			ActorID: "anonymous",
			Action:  contracts.ActionRefresh,
			Outcome: contracts.OutcomeRejected,
			Reason:  reason(err),
		})
		api.WriteProblem(w, r, err)
		return
	}

	s.audit(r, contracts.AuditEntry{
		ActorID: session.Principal.ID,
		Action:  contracts.ActionRefresh,
		Ref:     session.Credential.ID,
		Outcome: contracts.OutcomeAllowed,
	})
	api.WriteJSON(w, http.StatusOK, tokenResponse{
		AccessToken: session.Token,
		TokenType:   "Bearer",
		ExpiresAt:   session.Credential.ExpiresAt,
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !s.deps.AllowRegistration {
		api.WriteNotFound(w, "registration is disabled")
		return
	}

	var req credentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		api.WriteProblem(w, r, err)
		return
	}

	ident, err := s.deps.Authenticator.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		s.audit(r, contracts.AuditEntry{
			ActorID: "anonymous",
			Action:  contracts.ActionRegister,
			Ref:     req.Username,
			Outcome: contracts.OutcomeRejected,
			Reason:  reason(err),
		})
		api.WriteProblem(w, r, err)
		return
	}

	s.audit(r, contracts.AuditEntry{
		ActorID: ident.ID,
		Action:  contracts.ActionRegister,
		Ref:     ident.ID,
		Outcome: contracts.OutcomeAllowed,
	})
	api.WriteJSON(w, http.StatusCreated, userResponse{User: *ident})
}

// decodeJSON reads a single JSON object, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errorir.New(errorir.KindInvalidRequest, "request body must be a JSON object with the documented fields")
	}
	return nil
}

func (s *Server) audit(r *http.Request, e contracts.AuditEntry) {
	if s.deps.Recorder == nil {
		return
	}
	_ = s.deps.Recorder.Record(r.Context(), e)
}

func reason(err error) string {
	if e, ok := errorir.As(err); ok {
		return e.Reason
	}
	return "internal error"
}
