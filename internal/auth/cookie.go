package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/pliu/sniffguard/internal/common"
)

// SessionCookie is the name of the signed session cookie.
const SessionCookie = "session"

// CookieSigner signs cookie values in the format "value|signature".
type CookieSigner struct {
	secret []byte
}

func NewCookieSigner(secret []byte) *CookieSigner {
	return &CookieSigner{secret: secret}
}

func (s *CookieSigner) mac(value string) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(value))
	return mac.Sum(nil)
}

func (s *CookieSigner) Sign(value string) string {
	return fmt.Sprintf("%s|%s", base64.URLEncoding.EncodeToString([]byte(value)), base64.URLEncoding.EncodeToString(s.mac(value)))
}

// Verify returns the original value of a signed cookie.
func (s *CookieSigner) Verify(signedValue string) (string, error) {
	valueBase64, signatureBase64, ok := strings.Cut(signedValue, "|")
	if !ok {
		return "", fmt.Errorf("invalid cookie format: %w", common.ErrUnauthenticated)
	}

	valueBytes, err := base64.URLEncoding.DecodeString(valueBase64)
	if err != nil {
		return "", fmt.Errorf("invalid value encoding: %w", common.ErrUnauthenticated)
	}
	signature, err := base64.URLEncoding.DecodeString(signatureBase64)
	if err != nil {
		return "", fmt.Errorf("invalid signature encoding: %w", common.ErrUnauthenticated)
	}

	value := string(valueBytes)
	if !hmac.Equal(signature, s.mac(value)) {
		return "", fmt.Errorf("invalid signature: %w", common.ErrUnauthenticated)
	}
	return value, nil
}
