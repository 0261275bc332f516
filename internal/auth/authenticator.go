// Package auth is the identity verification oracle: it turns a presented
// credential into the user it belongs to.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/pliu/sniffguard/internal/common"
	"github.com/pliu/sniffguard/internal/models"
)

type UserLookup interface {
	GetUserByID(ctx context.Context, id string) (*models.User, error)
}

// Authenticator accepts a bearer token (header or ?token= query) or a
// signed session cookie holding the user id. Either way the user must
// still exist.
type Authenticator struct {
	secret  []byte
	cookies *CookieSigner
	users   UserLookup
}

func NewAuthenticator(jwtSecret []byte, cookies *CookieSigner, users UserLookup) *Authenticator {
	return &Authenticator{secret: jwtSecret, cookies: cookies, users: users}
}

func (a *Authenticator) Authenticate(r *http.Request) (models.Identity, error) {
	if token := bearer(r); token != "" {
		return a.FromToken(r.Context(), token)
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return a.FromToken(r.Context(), token)
	}
	if c, err := r.Cookie(SessionCookie); err == nil && a.cookies != nil {
		return a.FromCookie(r.Context(), c.Value)
	}
	return models.Identity{}, fmt.Errorf("no credential: %w", common.ErrUnauthenticated)
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func (a *Authenticator) FromToken(ctx context.Context, token string) (models.Identity, error) {
	id, err := VerifyToken(token, a.secret)
	if err != nil {
		return models.Identity{}, err
	}
	return a.resolve(ctx, id.UserID)
}

func (a *Authenticator) FromCookie(ctx context.Context, value string) (models.Identity, error) {
	userID, err := a.cookies.Verify(value)
	if err != nil {
		return models.Identity{}, err
	}
	return a.resolve(ctx, userID)
}

func (a *Authenticator) resolve(ctx context.Context, userID string) (models.Identity, error) {
	user, err := a.users.GetUserByID(ctx, userID)
	if errors.Is(err, common.ErrNotFound) {
		return models.Identity{}, fmt.Errorf("unknown user %s: %w", userID, common.ErrUnauthenticated)
	}
	if err != nil {
		return models.Identity{}, err
	}
	return models.Identity{UserID: user.ID, Username: user.Username, DisplayName: user.DisplayName}, nil
}
