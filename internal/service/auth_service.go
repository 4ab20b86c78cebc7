// internal/service/auth_service.go
package service

import (
	"errors"
	"fmt"
	"os"
	"time"

	"geopresence/internal/helper"
	"geopresence/internal/model"

	"github.com/golang-jwt/jwt/v5"
)

const RoleAdmin = "admin"

var (
	ErrPINNotConfigured = errors.New("admin PIN is not configured")
	ErrInvalidPIN       = errors.New("invalid admin PIN")
)

// JWT configuration
var (
	jwtSecret         []byte
	accessTokenExpiry time.Duration
	adminPINHash      string
)

// InitAuthConfig initializes authentication configuration. Tokens are
// issued by the identity provider in front of this service; Generate is
// kept for the agent login command and tests.
func InitAuthConfig(secret, pinHash string) {
	jwtSecret = []byte(secret)
	adminPINHash = pinHash

	// Access token expiry (default: 12 hours, one field shift)
	accessExp := os.Getenv("JWT_ACCESS_TOKEN_EXPIRY")
	if accessExp == "" {
		accessExp = "12h"
	}
	d, err := time.ParseDuration(accessExp)
	if err != nil || d <= 0 {
		d = 12 * time.Hour
	}
	accessTokenExpiry = d
}

// Claims represents JWT claims
type Claims struct {
	SubjectID   string `json:"subject_id"`
	DisplayName string `json:"display_name"`
	Contact     string `json:"contact"`
	Role        string `json:"role"`
	jwt.RegisteredClaims
}

// Subject is the identity a device session tracks.
func (c *Claims) Subject() model.Subject {
	return model.Subject{ID: c.SubjectID, DisplayName: c.DisplayName, Contact: c.Contact, Role: c.Role}
}

func (c *Claims) IsAdmin() bool { return c.Role == RoleAdmin }

// GenerateAccessToken signs an HS256 token for subject.
func GenerateAccessToken(subject model.Subject) (string, error) {
	if len(jwtSecret) == 0 {
		return "", errors.New("JWT secret is not configured")
	}
	now := time.Now()

	claims := &Claims{
		SubjectID:   subject.ID,
		DisplayName: subject.DisplayName,
		Contact:     subject.Contact,
		Role:        subject.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject.ID,
			ExpiresAt: jwt.NewNumericDate(now.Add(accessTokenExpiry)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(jwtSecret)
}

// ValidateAccessToken parses and validates a JWT token
func ValidateAccessToken(tokenString string) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	if err != nil {
		return nil, err
	}

	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.SubjectID == "" {
		return nil, errors.New("token has no subject_id")
	}

	return claims, nil
}

// VerifyAdminPIN checks the confirmation PIN required for destructive
// admin actions.
func VerifyAdminPIN(pin string) error {
	if adminPINHash == "" {
		return ErrPINNotConfigured
	}
	if err := helper.VerifyPassword(adminPINHash, pin); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPIN, err)
	}
	return nil
}
