package web

import (
	"context"
	"net/http"
	"strings"

	"stratafs.io/platform/private/authtoken"
)

type claimsKeyType struct{}

var claimsKey claimsKeyType

// Authenticate returns middleware that verifies the Authorization bearer
// token with v and stores the resulting claims in the request context.
// Missing or invalid tokens yield 401 per spec.md §7.
func Authenticate(v *authtoken.Verifier) func(http.Handler) http.Handler {
	return AuthenticateDynamic(func() *authtoken.Verifier { return v })
}

// AuthenticateDynamic is Authenticate for a caller whose active key set
// changes over time (Admin's own middleware, sitting in front of the
// KeyRing its rotation scheduler mutates): resolve is called once per
// request so a just-rotated key is honored without restarting the
// service.
func AuthenticateDynamic(resolve func() *authtoken.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			v := resolve()
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				WriteError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			tokenString := strings.TrimPrefix(header, "Bearer ")
			claims, err := v.Verify(tokenString)
			if err != nil {
				WriteError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// WithClaims attaches claims to ctx, the mechanism Authenticate uses to
// pass verified claims to handlers. Exported so tests can stand in for
// real token verification.
func WithClaims(ctx context.Context, claims *authtoken.Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// ClaimsFromContext retrieves the claims stored by Authenticate.
func ClaimsFromContext(ctx context.Context) (*authtoken.Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*authtoken.Claims)
	return claims, ok
}

// RequireRole writes 403 and returns false unless the request's claims
// satisfy one of allowed.
func RequireRole(w http.ResponseWriter, r *http.Request, allowed ...string) bool {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		WriteError(w, http.StatusForbidden, "no claims in context")
		return false
	}
	if !authtoken.RequireRole(claims, allowed...) {
		WriteError(w, http.StatusForbidden, "insufficient role")
		return false
	}
	return true
}
