package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const accessTokenQueryParam = "access_token"

var (
	ErrMissingToken = errors.New("auth: token required")
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrExpiredToken = errors.New("auth: token expired")
)

// TokenValidator verifies bearer tokens presented to the realtime endpoint.
type TokenValidator struct {
	signingSecret []byte
	issuer        string
	audience      string
	clock         func() time.Time
}

// ValidateToken verifies signature, issuer, audience and expiry and returns the claims.
func (v *TokenValidator) ValidateToken(tokenString string) (Claims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return Claims{}, ErrMissingToken
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			return v.signingSecret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(v.audience),
		jwt.WithIssuer(v.issuer),
		jwt.WithTimeFunc(v.clock),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.UserID) == "" {
		claims.UserID = strings.TrimSpace(claims.Subject)
	}
	if claims.UserID == "" {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, errMissingUserID)
	}
	return *claims, nil
}

// ValidateRequest reads the bearer token from the Authorization header, or from
// the access_token query parameter for clients that cannot set headers on upgrade.
func (v *TokenValidator) ValidateRequest(r *http.Request) (Claims, error) {
	if r == nil {
		return Claims{}, ErrMissingToken
	}
	return v.ValidateToken(BearerToken(r))
}

// BearerToken extracts the raw token from a request, or returns "".
func BearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > len("Bearer ") && strings.EqualFold(header[:len("Bearer ")], "Bearer ") {
		return strings.TrimSpace(header[len("Bearer "):])
	}
	return strings.TrimSpace(r.URL.Query().Get(accessTokenQueryParam))
}
