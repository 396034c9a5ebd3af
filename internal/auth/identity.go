package auth

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/MarcoPoloResearchLab/classroom/realtime/internal/realtime"
)

// IdentityFromToken reads the user behind a bearer token without verifying the
// signature. The client only uses it to name its account channel; the server
// still verifies the token during the handshake.
func IdentityFromToken(tokenString string) (realtime.Identity, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return realtime.Identity{}, ErrMissingToken
	}
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return realtime.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	userID := strings.TrimSpace(claims.UserID)
	if userID == "" {
		userID = strings.TrimSpace(claims.Subject)
	}
	if userID == "" {
		return realtime.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, errMissingUserID)
	}
	return realtime.Identity{UserID: userID, DisplayName: strings.TrimSpace(claims.DisplayName)}, nil
}
