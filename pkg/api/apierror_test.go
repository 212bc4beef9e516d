package api_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm/dispatch/pkg/api"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/kernel/errorir"
)

func decodeProblem(t *testing.T, w *httptest.ResponseRecorder) api.ProblemDetail {
	t.Helper()
	var problem api.ProblemDetail
	require.NoError(t, json.NewDecoder(w.Body).Decode(&problem))
	return problem
}

func TestWriteError_ContentType(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteError(w, http.StatusBadRequest, "Bad Request", "field is missing")

	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	problem := decodeProblem(t, w)
	assert.Equal(t, 400, problem.Status)
	assert.Equal(t, "Bad Request", problem.Title)
	assert.Equal(t, "field is missing", problem.Detail)
}

func TestWriteInternal_SanitizesError(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteInternal(w, errors.New("pq: connection refused to host=10.0.0.1"))

	problem := decodeProblem(t, w)
	assert.NotContains(t, problem.Detail, "10.0.0.1", "internal error details leaked to client")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestWriteProblem_Taxonomy(t *testing.T) {
	tests := []struct {
		err    error
		status int
		cat    errorir.Category
	}{
		{errorir.New(errorir.KindExpired, "credential has expired"), http.StatusUnauthorized, errorir.CategoryAuthentication},
		{errorir.New(errorir.KindInsufficientRole, "role user cannot access analyst"), http.StatusForbidden, errorir.CategoryAuthorization},
		{errorir.New(errorir.KindDescriptionTooShort, "too short"), http.StatusUnprocessableEntity, errorir.CategoryValidation},
		{errorir.New(errorir.KindNoEngineAvailable, "all engines saturated"), http.StatusServiceUnavailable, errorir.CategoryRouting},
		{errorir.New(errorir.KindUsernameTaken, "taken"), http.StatusConflict, errorir.CategoryConflict},
	}
	for _, tt := range tests {
		e, _ := errorir.As(tt.err)
		t.Run(string(e.Kind), func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/api/v1/execute", nil)
			w := httptest.NewRecorder()
			api.WriteProblem(w, r, tt.err)

			assert.Equal(t, tt.status, w.Code)
			problem := decodeProblem(t, w)
			assert.Equal(t, e.Kind, problem.Kind)
			assert.Equal(t, tt.cat, problem.Category)
			assert.Equal(t, e.Reason, problem.Detail)
			assert.Equal(t, "/api/v1/execute", problem.Instance)
		})
	}
}

func TestWriteProblem_RetryableSetsRetryAfter(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/api/v1/execute", nil)
	w := httptest.NewRecorder()
	api.WriteProblem(w, r, errorir.Retryable(errorir.KindNoEngineAvailable, "saturated", 1500*time.Millisecond))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
	assert.True(t, decodeProblem(t, w).Retryable)
}

func TestWriteProblem_UsesRequestID(t *testing.T) {
	var w *httptest.ResponseRecorder
	h := middleware.RequestID(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		api.WriteProblem(rw, r, errorir.New(errorir.KindInvalid, "bad token"))
	}))
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/executions", nil))

	problem := decodeProblem(t, w)
	assert.NotEmpty(t, problem.TraceID)
	assert.Equal(t, `Bearer realm="helm-dispatch"`, w.Header().Get("WWW-Authenticate"))
}

func TestWriteProblem_UnclassifiedIsInternal(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteProblem(w, httptest.NewRequest(http.MethodGet, "/", nil), errors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestWriteTooManyRequests_RetryAfterHeader(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteTooManyRequests(w, 30)
	assert.Equal(t, "30", w.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}
