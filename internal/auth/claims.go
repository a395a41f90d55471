package auth

import (
	"fmt"

	"github.com/cloudbackup/cloudbackup/internal/models"
	"github.com/golang-jwt/jwt/v5"
)

type idTokenClaims struct {
	Email  string   `json:"email"`
	Groups []string `json:"cognito:groups"`
	jwt.RegisteredClaims
}

// SessionFromTokens builds a Session from the provider's token set. The ID
// token signature is not checked, so tokens must come straight from the
// provider.
func SessionFromTokens(idToken, accessToken, refreshToken string) (*models.Session, error) {
	claims := &idTokenClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return nil, fmt.Errorf("parse id token: %w", err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("id token has no subject")
	}

	s := &models.Session{
		SubjectID:    claims.Subject,
		Email:        claims.Email,
		Groups:       claims.Groups,
		IDToken:      idToken,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	}
	if claims.ExpiresAt != nil {
		s.ExpiresAt = claims.ExpiresAt.Time
	}
	return s, nil
}
