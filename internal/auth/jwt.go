// Package auth authenticates API callers with HS256 JWTs or a static
// operator token.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/kimhsiao/bridgesync/internal/errors"
)

// Issuer is set on every token this package mints.
const Issuer = "bridgesync"

// Roles
const (
	RolePeer  = "peer"
	RoleAdmin = "admin"
)

// DefaultTokenDuration is used when no duration is configured.
const DefaultTokenDuration = 24 * time.Hour

// Claims represents the JWT claims of a caller.
type Claims struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles"`
	jwt.RegisteredClaims
}

// HasRole reports whether the claims carry role.
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Config configures a Manager.
type Config struct {
	Secret        string
	TokenDuration time.Duration
	// StaticToken, when set, authenticates as StaticUser with the admin role.
	StaticToken string
	StaticUser  string
}

// Manager handles token generation and validation.
type Manager struct {
	secretKey     []byte
	tokenDuration time.Duration
	staticToken   []byte
	staticUser    string
}

// NewManager creates a Manager.
func NewManager(cfg Config) *Manager {
	if cfg.TokenDuration <= 0 {
		cfg.TokenDuration = DefaultTokenDuration
	}
	if cfg.StaticUser == "" {
		cfg.StaticUser = RoleAdmin
	}
	m := &Manager{
		secretKey:     []byte(cfg.Secret),
		tokenDuration: cfg.TokenDuration,
		staticUser:    cfg.StaticUser,
	}
	if cfg.StaticToken != "" {
		m.staticToken = []byte(cfg.StaticToken)
	}
	return m
}

// GenerateSecretKey generates a random secret key.
func GenerateSecretKey() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// GenerateToken creates a token for userID.
func (m *Manager) GenerateToken(userID string, roles []string) (string, error) {
	if len(m.secretKey) == 0 {
		return "", apperrors.New(apperrors.ErrInvalid, "jwt secret is not configured")
	}
	if userID == "" {
		return "", apperrors.New(apperrors.ErrInvalid, "user id is required")
	}
	now := time.Now()
	claims := &Claims{
		UserID: userID,
		Roles:  roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenDuration)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    Issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secretKey)
}

// ValidateToken validates a JWT and returns its claims.
func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	if len(m.secretKey) == 0 {
		return nil, apperrors.New(apperrors.ErrAuth, "jwt authentication is not configured")
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secretKey, nil
	}, jwt.WithIssuer(Issuer))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrAuth, "invalid token", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, apperrors.New(apperrors.ErrAuth, "invalid token")
	}
	return claims, nil
}

// Authenticate checks an Authorization header value. The static token is
// tried first, then JWT validation.
func (m *Manager) Authenticate(header string) (*Claims, error) {
	if header == "" {
		return nil, apperrors.New(apperrors.ErrAuth, "authorization header required")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return nil, apperrors.New(apperrors.ErrAuth, "invalid authorization header format")
	}
	token := strings.TrimSpace(parts[1])

	if len(m.staticToken) > 0 && subtle.ConstantTimeCompare([]byte(token), m.staticToken) == 1 {
		return &Claims{UserID: m.staticUser, Roles: []string{RoleAdmin}}, nil
	}
	return m.ValidateToken(token)
}
