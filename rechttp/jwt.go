// Copyright 2026 Eyelink Media
// SPDX-License-Identifier: Apache-2.0

package rechttp

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource mints and validates HS256 bearer tokens for the sync gateway.
type TokenSource struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// Claims carries the gateway token claims.
type Claims struct {
	SourceID string `json:"sid"` // flushing client's source id
	jwt.RegisteredClaims
}

// NewTokenSource creates a token source with the shared gateway secret.
func NewTokenSource(secret, issuer string, ttl time.Duration) *TokenSource {
	return &TokenSource{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
	}
}

// Mint generates a token for the given user and source.
func (t *TokenSource) Mint(userID, sourceID string) (string, error) {
	claims := &Claims{
		SourceID: sourceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(t.ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    t.issuer,
			Subject:   userID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// Validate parses a token and returns its claims.
func (t *TokenSource) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		if claims.SourceID == "" {
			return nil, fmt.Errorf("missing sid (source ID) in token")
		}
		if claims.Subject == "" {
			return nil, fmt.Errorf("missing sub (user ID) in token")
		}
		return claims, nil
	}

	return nil, fmt.Errorf("invalid token")
}

// TokenFunc adapts the source to the Client.Token callback shape.
func (t *TokenSource) TokenFunc(userID, sourceID string) func(context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		return t.Mint(userID, sourceID)
	}
}
