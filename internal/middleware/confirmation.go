package middleware

import (
	"net/http"
	"strings"

	"controlplane/internal/api/v1/response"
)

// ConfirmationHeader carries the admin's confirmation for destructive and bulk routes.
const ConfirmationHeader = "X-Admin-Confirmation"

// RequireConfirmation rejects requests without a non-empty confirmation header before any
// handler runs.
func RequireConfirmation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimSpace(r.Header.Get(ConfirmationHeader)) == "" {
			p, _ := PrincipalFromContext(r.Context())
			response.Error(w, http.StatusBadRequest, "CONFIRMATION_REQUIRED",
				"confirmation header "+ConfirmationHeader+" is required", nil, p.ResponseUser())
			return
		}
		next.ServeHTTP(w, r)
	})
}
