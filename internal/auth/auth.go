// Package auth issues and validates operator tokens for the approval API.
//
// Operators authenticate with an API key (Argon2id-hashed at rest) and
// exchange it for a short-lived JWT. Approve, reject, and rollback
// endpoints require a valid token.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuer = "sekisho"

// Claims extends jwt.RegisteredClaims with the operator name, which the
// governance layer records as the approving actor.
type Claims struct {
	jwt.RegisteredClaims
	Operator string `json:"operator"`
}

// JWTManager signs and validates operator tokens with HMAC-SHA256.
type JWTManager struct {
	secret     []byte
	expiration time.Duration
}

// NewJWTManager creates a manager from the configured secret. An empty
// secret generates an ephemeral one, so tokens do not survive restarts.
func NewJWTManager(secret string, expiration time.Duration) (*JWTManager, error) {
	if secret == "" {
		slog.Warn("auth: no JWT secret configured, generating ephemeral secret (not for production)")
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("auth: generate ephemeral secret: %w", err)
		}
		secret = hex.EncodeToString(buf)
	}
	return &JWTManager{secret: []byte(secret), expiration: expiration}, nil
}

// IssueToken creates a signed JWT for the given operator.
func (m *JWTManager) IssueToken(operatorID uuid.UUID, operatorName string) (string, time.Time, error) {
	now := time.Now().UTC()
	exp := now.Add(m.expiration)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operatorID.String(),
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{issuer},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
		Operator: operatorName,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}

// ValidateToken parses and validates a JWT, returning the claims.
func (m *JWTManager) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return m.secret, nil
		},
		jwt.WithAudience(issuer),
		jwt.WithIssuer(issuer),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: validate token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token claims")
	}
	if claims.Operator == "" {
		return nil, fmt.Errorf("auth: token missing operator")
	}
	if _, err := uuid.Parse(claims.Subject); err != nil {
		return nil, fmt.Errorf("auth: invalid subject (expected UUID): %w", err)
	}

	return claims, nil
}
