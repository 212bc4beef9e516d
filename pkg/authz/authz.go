// Package authz gates operations by a minimum account role.
package authz

import (
	"fmt"
	"net/http"

	"github.com/Mindburn-Labs/helm/dispatch/pkg/api"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/auth"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/identity"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/kernel/errorir"
)

// rank is the single static role hierarchy. Unknown roles rank below everything.
var rank = map[identity.Role]int{
	identity.RoleServiceAccount: 0,
	identity.RoleUser:           1,
	identity.RoleAnalyst:        2,
	identity.RoleAdmin:          3,
}

// Rank returns the privilege rank of r, or -1 for an unknown role.
func Rank(r identity.Role) int {
	if v, ok := rank[r]; ok {
		return v
	}
	return -1
}

// Authorize succeeds iff the identity is active and its role ranks at or above
// required. Inactive accounts are rejected before the role is considered.
func Authorize(id identity.Identity, required identity.Role) error {
	if !id.Active {
		return errorir.New(errorir.KindInactiveAccount, "account is inactive")
	}
	need := Rank(required)
	if need < 0 {
		return errorir.New(errorir.KindInsufficientRole, fmt.Sprintf("unknown required role %q", required))
	}
	if Rank(id.Role) < need {
		return errorir.New(errorir.KindInsufficientRole, fmt.Sprintf("role %q cannot perform an operation requiring %q", id.Role, required))
	}
	return nil
}

// RequireRole rejects requests whose principal does not satisfy Authorize.
// A missing principal is treated as unauthenticated.
func RequireRole(required identity.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := auth.GetPrincipal(r.Context())
			if err != nil {
				api.WriteProblem(w, r, errorir.New(errorir.KindInvalid, "authentication required"))
				return
			}
			if err := Authorize(p.Identity(), required); err != nil {
				api.WriteProblem(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
