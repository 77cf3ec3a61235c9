// ABOUTME: JWT approval-token verification and generation for decision gates.
// ABOUTME: Tokens are HS256-signed with the approver identity in the sub claim.

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken indicates the token is malformed or has an invalid signature.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken indicates the token has expired.
	ErrExpiredToken = errors.New("token expired")
	// ErrMissingClaim indicates a required claim is missing from the token.
	ErrMissingClaim = errors.New("missing required claim")
)

// TokenVerifier verifies approval tokens and extracts the approver identity.
type TokenVerifier interface {
	// Verify checks the token signature and expiry, returning the approver ID
	// from the subject claim.
	Verify(tokenString string) (string, error)
}

// JWTVerifier verifies HS256-signed JWT approval tokens.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier with the given signing secret.
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify parses and validates a JWT approval token. It returns the approver ID
// from the "sub" claim, or an error if the token is invalid, expired, or
// missing the subject.
func (v *JWTVerifier) Verify(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", ErrInvalidToken
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return sub, nil
}

// Generate creates a signed approval token for the given approver. Used by the
// token subcommand so operators can mint credentials for decision gates.
func (v *JWTVerifier) Generate(approverID string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": approverID,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
