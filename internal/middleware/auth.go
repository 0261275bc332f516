package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/pliu/sniffguard/internal/common"
	"github.com/pliu/sniffguard/internal/models"
)

type contextKey string

const IdentityKey contextKey = "identity"

type Authenticator interface {
	Authenticate(r *http.Request) (models.Identity, error)
}

// AuthMiddleware rejects requests without a valid credential and stores the
// caller's identity in the request context.
func AuthMiddleware(authn Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := authn.Authenticate(r)
			if errors.Is(err, common.ErrUnauthenticated) {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			if err != nil {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
			ctx := context.WithValue(r.Context(), IdentityKey, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IdentityFrom returns the identity AuthMiddleware stored, if any.
func IdentityFrom(ctx context.Context) (models.Identity, bool) {
	id, ok := ctx.Value(IdentityKey).(models.Identity)
	return id, ok
}
