// Package auth issues and validates the device tokens sent with every sync request.
package auth

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issuer is the iss claim of device tokens
const Issuer = "wmssync"

// DefaultTokenTTL is used when Config.TokenTTL is zero
const DefaultTokenTTL = 15 * time.Minute

var (
	// ErrInvalidToken indicates a token that failed validation
	ErrInvalidToken = errors.New("invalid token")

	// ErrEmptySecret indicates a missing signing secret
	ErrEmptySecret = errors.New("auth secret is empty")
)

// Claims are the JWT claims of a device
type Claims struct {
	DeviceID string `json:"device_id"`
	jwt.RegisteredClaims
}

// Config holds the JWT settings
type Config struct {
	Secret   []byte
	TokenTTL time.Duration
}

func (c Config) ttl() time.Duration {
	if c.TokenTTL <= 0 {
		return DefaultTokenTTL
	}
	return c.TokenTTL
}

// GenerateToken issues a new JWT for a device
func GenerateToken(cfg Config, deviceID string, now time.Time) (string, time.Time, error) {
	if len(cfg.Secret) == 0 {
		return "", time.Time{}, ErrEmptySecret
	}

	expiresAt := now.Add(cfg.ttl())
	claims := Claims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   deviceID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    Issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(cfg.Secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}

	return tokenString, expiresAt, nil
}

// ValidateToken verifies and parses a device JWT
func ValidateToken(cfg Config, tokenString string) (*Claims, error) {
	if len(cfg.Secret) == 0 {
		return nil, ErrEmptySecret
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Check the signing algorithm
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return cfg.Secret, nil
	}, jwt.WithIssuer(Issuer))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.DeviceID == "" {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// TokenSource caches a device token and renews it shortly before expiry
type TokenSource struct {
	expiresAt time.Time
	now       func() time.Time
	token     string
	deviceID  string
	cfg       Config
	mu        sync.Mutex
}

// NewTokenSource creates a TokenSource for deviceID
func NewTokenSource(cfg Config, deviceID string) *TokenSource {
	return &TokenSource{
		cfg:      cfg,
		deviceID: deviceID,
		now:      time.Now,
	}
}

// Token returns a valid token, signing a new one when needed
func (s *TokenSource) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	// Refresh early so the token does not expire in flight
	if s.token != "" && now.Add(s.cfg.ttl()/10).Before(s.expiresAt) {
		return s.token, nil
	}

	token, expiresAt, err := GenerateToken(s.cfg, s.deviceID, now)
	if err != nil {
		return "", err
	}

	s.token = token
	s.expiresAt = expiresAt
	return token, nil
}
