package api

import (
	"context"
	"net/http"

	"github.com/openauthhq/openauth/pkg/authz"
	"github.com/openauthhq/openauth/pkg/autherr"
	"github.com/openauthhq/openauth/pkg/httputil"
	"github.com/openauthhq/openauth/pkg/token"
)

type contextKey string

const claimsContextKey contextKey = "openauth.claims"

// claimsFrom returns the verified access token claims stored by requireAuth.
func claimsFrom(ctx context.Context) (*token.Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey).(*token.Claims)
	return claims, ok
}

// requireAuth verifies the bearer token as an access token and stores its
// claims on the request context.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := httputil.BearerToken(r)
		if raw == "" {
			httputil.WriteDomainError(w, autherr.New(autherr.KindAuthentication, "missing bearer token"))
			return
		}
		claims, err := s.engine.Verify(r.Context(), raw, token.TypeAccess)
		if err != nil {
			httputil.WriteDomainError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), claimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAdmin gates a route on the admin role. It must run after requireAuth.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := claimsFrom(r.Context())
		if !ok {
			httputil.WriteDomainError(w, autherr.New(autherr.KindAuthentication, "authentication required"))
			return
		}
		if !authz.HasRole(claims.Roles, authz.RoleAdmin) {
			httputil.WriteDomainError(w, autherr.New(autherr.KindAuthentication, "admin role required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// scopeOrg restricts admin handlers to the caller's own organization. A
// foreign org id reads as not found so org existence is not leaked.
func scopeOrg(claims *token.Claims, orgID string) error {
	if claims.OrgID != orgID {
		return autherr.Newf(autherr.KindNotFound, "organization %s not found", orgID)
	}
	return nil
}
