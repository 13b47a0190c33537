package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
)

// ErrInvalidCredentials is returned when username/password don't match.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Service provides authentication for the bridge admin API. There is a
// single configured operator account; no user registration.
type Service struct {
	username     string
	passwordHash string
	jwtConfig    *JWTConfig
}

// NewService creates a new authentication service.
func NewService(username, passwordHash string, jwtConfig *JWTConfig) *Service {
	return &Service{
		username:     username,
		passwordHash: passwordHash,
		jwtConfig:    jwtConfig,
	}
}

// Login validates credentials and returns a JWT token.
func (s *Service) Login(username, password string) (string, error) {
	if s.username == "" || s.passwordHash == "" {
		return "", ErrInvalidCredentials
	}

	if subtle.ConstantTimeCompare([]byte(username), []byte(s.username)) != 1 {
		return "", ErrInvalidCredentials
	}

	if !VerifyPassword(s.passwordHash, password) {
		return "", ErrInvalidCredentials
	}

	token, err := GenerateToken(s.jwtConfig, username)
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}

	return token, nil
}

// ValidateToken validates a JWT token and returns the claims.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	return ValidateToken(s.jwtConfig, tokenString)
}
