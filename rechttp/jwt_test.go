// Copyright 2026 Eyelink Media
// SPDX-License-Identifier: Apache-2.0

package rechttp

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestMintAndValidate(t *testing.T) {
	tokens := NewTokenSource("test-secret", "recsync-test", time.Hour)

	token, err := tokens.Mint("user-1", "source-1")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := tokens.Validate(token)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.Subject)
	require.Equal(t, "source-1", claims.SourceID)
	require.Equal(t, "recsync-test", claims.Issuer)
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	tokens := NewTokenSource("test-secret", "recsync-test", time.Hour)
	other := NewTokenSource("other-secret", "recsync-test", time.Hour)

	token, err := tokens.Mint("user-1", "source-1")
	require.NoError(t, err)

	_, err = other.Validate(token)
	require.Error(t, err)
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	tokens := NewTokenSource("test-secret", "recsync-test", -time.Minute)

	token, err := tokens.Mint("user-1", "source-1")
	require.NoError(t, err)

	_, err = tokens.Validate(token)
	require.Error(t, err)
}

func TestValidateRejectsMissingSourceID(t *testing.T) {
	tokens := NewTokenSource("test-secret", "recsync-test", time.Hour)

	// A token signed with the right secret but no sid claim.
	bare := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := bare.SignedString([]byte("test-secret"))
	require.NoError(t, err)

	_, err = tokens.Validate(signed)
	require.ErrorContains(t, err, "missing sid")
}
