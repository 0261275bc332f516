package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pliu/sniffguard/internal/common"
	"github.com/pliu/sniffguard/internal/models"
)

// Claims carries the identity on top of the registered claims. The user id
// is the subject.
type Claims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
}

// IssueToken signs an HS256 token for id valid for ttl.
func IssueToken(id models.Identity, secret []byte, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Username: id.Username,
	})
	return token.SignedString(secret)
}

// VerifyToken returns the identity a valid token was issued for. Any
// failure is ErrUnauthenticated.
func VerifyToken(tokenString string, secret []byte) (models.Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return models.Identity{}, fmt.Errorf("%w: %v", common.ErrUnauthenticated, err)
	}
	if !token.Valid || claims.Subject == "" {
		return models.Identity{}, fmt.Errorf("invalid token: %w", common.ErrUnauthenticated)
	}
	return models.Identity{UserID: claims.Subject, Username: claims.Username}, nil
}
