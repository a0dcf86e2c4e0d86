// Package auth resolves the principal that owns a transfer from an HS256
// bearer token carried in the request context.
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/opd-ai/vfstransfer/clock"
	"github.com/opd-ai/vfstransfer/vfs"
	"github.com/sirupsen/logrus"
)

// ErrInvalidToken is returned for tokens that parse but fail validation.
var ErrInvalidToken = errors.New("invalid token")

// Claims are the token claims. The principal is the registered subject.
type Claims struct {
	jwt.RegisteredClaims
}

// GenerateToken signs a token for subject valid from now for validity.
func GenerateToken(subject string, secret []byte, now time.Time, validity time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(validity)),
		},
	})
	return token.SignedString(secret)
}

// ParseToken validates tokenString against secret at the time reported by
// tp and returns its subject.
func ParseToken(tokenString string, secret []byte, tp clock.TimeProvider) (string, error) {
	tp = clock.OrDefault(tp)
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(tp.Now))
	if err != nil {
		return "", err
	}
	if !token.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

type bearerKey struct{}

// WithBearerToken returns a context carrying token.
func WithBearerToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, bearerKey{}, token)
}

// BearerToken returns the token stored by WithBearerToken.
func BearerToken(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(bearerKey{}).(string)
	return token, ok && token != ""
}

// JWTIdentity is a vfs.IdentityResolver reading the principal from the
// context's bearer token. Missing or invalid tokens resolve to
// vfs.Anonymous.
type JWTIdentity struct {
	secret       []byte
	timeProvider clock.TimeProvider
}

var _ vfs.IdentityResolver = (*JWTIdentity)(nil)

// NewJWTIdentity creates a resolver validating tokens with secret.
func NewJWTIdentity(secret []byte, tp clock.TimeProvider) *JWTIdentity {
	return &JWTIdentity{secret: secret, timeProvider: clock.OrDefault(tp)}
}

// Identity implements vfs.IdentityResolver.
func (j *JWTIdentity) Identity(ctx context.Context) string {
	token, ok := BearerToken(ctx)
	if !ok {
		return vfs.Anonymous
	}
	subject, err := ParseToken(token, j.secret, j.timeProvider)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "JWTIdentity.Identity",
			"error":    err.Error(),
		}).Warn("Rejected bearer token, falling back to anonymous identity")
		return vfs.Anonymous
	}
	return subject
}
