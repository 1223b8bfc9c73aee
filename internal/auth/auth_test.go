package auth

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndValidateToken(t *testing.T) {
	m, err := NewJWTManager("test-secret", time.Hour)
	require.NoError(t, err)

	opID := uuid.New()
	token, exp, err := m.IssueToken(opID, "night-shift")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, 5*time.Second)

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "night-shift", claims.Operator)
	assert.Equal(t, opID.String(), claims.Subject)
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	issuer, err := NewJWTManager("secret-a", time.Hour)
	require.NoError(t, err)
	verifier, err := NewJWTManager("secret-b", time.Hour)
	require.NoError(t, err)

	token, _, err := issuer.IssueToken(uuid.New(), "ops")
	require.NoError(t, err)

	_, err = verifier.ValidateToken(token)
	require.Error(t, err)
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	m, err := NewJWTManager("test-secret", -time.Minute)
	require.NoError(t, err)

	token, _, err := m.IssueToken(uuid.New(), "ops")
	require.NoError(t, err)

	_, err = m.ValidateToken(token)
	require.Error(t, err)
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	m, err := NewJWTManager("test-secret", time.Hour)
	require.NoError(t, err)

	_, err = m.ValidateToken("not.a.jwt")
	require.Error(t, err)
}

func TestEphemeralSecretStillWorks(t *testing.T) {
	m, err := NewJWTManager("", time.Hour)
	require.NoError(t, err)

	token, _, err := m.IssueToken(uuid.New(), "ops")
	require.NoError(t, err)

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Operator)
}

func TestHashAndVerifyOperatorKey(t *testing.T) {
	hash, err := HashOperatorKey("sk-op-12345")
	require.NoError(t, err)
	assert.NotContains(t, hash, "sk-op-12345")

	ok, err := VerifyOperatorKey("sk-op-12345", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyOperatorKey("wrong-key", hash)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = VerifyOperatorKey("anything", "malformed")
	require.Error(t, err)
}

func TestHashesAreSalted(t *testing.T) {
	first, err := HashOperatorKey("same-key")
	require.NoError(t, err)
	second, err := HashOperatorKey("same-key")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}
