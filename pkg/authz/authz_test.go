package authz_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"

	"github.com/Mindburn-Labs/helm/dispatch/pkg/auth"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/authz"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/identity"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/kernel/errorir"
)

func TestAuthorize_Matrix(t *testing.T) {
	for i, have := range identity.Roles {
		for j, need := range identity.Roles {
			err := authz.Authorize(identity.Identity{ID: "x", Role: have, Active: true}, need)
			if i >= j {
				assert.NoError(t, err, "%s should satisfy %s", have, need)
			} else {
				assert.ErrorIs(t, err, errorir.ErrInsufficientRole, "%s should not satisfy %s", have, need)
			}

			err = authz.Authorize(identity.Identity{ID: "x", Role: have, Active: false}, need)
			assert.ErrorIs(t, err, errorir.ErrInactiveAccount)
		}
	}
}

func TestAuthorize_UnknownRoles(t *testing.T) {
	err := authz.Authorize(identity.Identity{Role: "root", Active: true}, identity.RoleServiceAccount)
	assert.ErrorIs(t, err, errorir.ErrInsufficientRole)

	err = authz.Authorize(identity.Identity{Role: identity.RoleAdmin, Active: true}, "superuser")
	assert.ErrorIs(t, err, errorir.ErrInsufficientRole)
}

func TestAuthorize_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	roleGen := gen.IntRange(0, len(identity.Roles)-1)

	properties.Property("allowed iff active and rank(have) >= rank(need)", prop.ForAll(
		func(have, need int, active bool) bool {
			id := identity.Identity{ID: "p", Role: identity.Roles[have], Active: active}
			err := authz.Authorize(id, identity.Roles[need])
			want := active && authz.Rank(identity.Roles[have]) >= authz.Rank(identity.Roles[need])
			return (err == nil) == want
		},
		roleGen, roleGen, gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestRequireRole(t *testing.T) {
	h := authz.RequireRole(identity.RoleAnalyst)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	call := func(p *auth.Principal) int {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/executions", nil)
		if p != nil {
			req = req.WithContext(auth.WithPrincipal(req.Context(), p))
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusUnauthorized, call(nil))
	assert.Equal(t, http.StatusForbidden, call(&auth.Principal{ID: "u", Role: identity.RoleUser, Active: true}))
	assert.Equal(t, http.StatusOK, call(&auth.Principal{ID: "a", Role: identity.RoleAnalyst, Active: true}))
	assert.Equal(t, http.StatusOK, call(&auth.Principal{ID: "r", Role: identity.RoleAdmin, Active: true}))
	assert.Equal(t, http.StatusUnauthorized, call(&auth.Principal{ID: "d", Role: identity.RoleAdmin, Active: false}))
}
