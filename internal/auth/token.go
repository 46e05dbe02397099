// ABOUTME: JWT tokens authenticating companion callback requests.
// ABOUTME: Uses HS256 signing with a configurable secret.

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// MinSecretLength is the minimum HS256 secret size in bytes.
const MinSecretLength = 32

// callbackTokenTTL bounds how long a minted callback token stays valid. It
// comfortably exceeds any sane round-trip timeout.
const callbackTokenTTL = time.Hour

// CallbackTokens mints and verifies the bearer tokens a companion app must
// present when posting a response to the callback endpoint. The subject claim
// carries the request ID so a token is only good for its own request.
type CallbackTokens struct {
	secret []byte
}

// NewCallbackTokens creates a token issuer/verifier with the given secret.
func NewCallbackTokens(secret []byte) (*CallbackTokens, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("callback secret must be at least %d bytes, got %d", MinSecretLength, len(secret))
	}
	return &CallbackTokens{secret: secret}, nil
}

// Issue creates a token bound to the given request ID.
func (c *CallbackTokens) Issue(requestID string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": requestID,
		"iat": now.Unix(),
		"exp": now.Add(callbackTokenTTL).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify validates the token and extracts the request ID from the "sub" claim.
func (c *CallbackTokens) Verify(tokenString string) (requestID string, err error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return c.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return sub, nil
}
