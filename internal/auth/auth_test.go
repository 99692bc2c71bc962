package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService() *Service {
	svc := NewService("test-secret")
	svc.RegisterAPICredentials(TestAPIKey, TestAPISecret)
	return svc
}

func TestGenerateToken(t *testing.T) {
	svc := newTestService()

	token, err := svc.GenerateToken(Credentials{
		APIKey:    TestAPIKey,
		APISecret: TestAPISecret,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, token.Token)
	assert.True(t, token.Expiration.After(time.Now().Add(23*time.Hour)))
}

func TestGenerateTokenInvalidCredentials(t *testing.T) {
	svc := newTestService()

	tests := []struct {
		name  string
		creds Credentials
	}{
		{"wrong secret", Credentials{APIKey: TestAPIKey, APISecret: "wrong"}},
		{"unknown key", Credentials{APIKey: "unknown", APISecret: TestAPISecret}},
		{"empty", Credentials{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.GenerateToken(tt.creds)
			assert.ErrorIs(t, err, ErrInvalidCredentials)
		})
	}
}

func TestValidateToken(t *testing.T) {
	svc := newTestService()

	token, err := svc.GenerateToken(Credentials{
		APIKey:    TestAPIKey,
		APISecret: TestAPISecret,
	})
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token.Token)
	require.NoError(t, err)
	assert.Equal(t, TestAPIKey, claims.UserID)
	assert.Contains(t, claims.Permissions, PermissionTrade)
}

func TestTokenCarriesRegisteredPermissions(t *testing.T) {
	svc := NewService("test-secret")
	svc.RegisterAPICredentials("funder-key", "funder-secret", PermissionFund)

	token, err := svc.GenerateToken(Credentials{
		APIKey:    "funder-key",
		APISecret: "funder-secret",
	})
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token.Token)
	require.NoError(t, err)
	assert.Equal(t, []string{PermissionFund}, claims.Permissions)
	assert.NotContains(t, claims.Permissions, PermissionTrade)
}

func TestRegisterWithoutScopesDefaultsToTrade(t *testing.T) {
	svc := NewService("test-secret")
	svc.RegisterAPICredentials("trader-key", "trader-secret")

	token, err := svc.GenerateToken(Credentials{
		APIKey:    "trader-key",
		APISecret: "trader-secret",
	})
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token.Token)
	require.NoError(t, err)
	assert.Equal(t, []string{PermissionTrade}, claims.Permissions)
}

func TestValidateTokenWrongSecret(t *testing.T) {
	svc := newTestService()

	token, err := svc.GenerateToken(Credentials{
		APIKey:    TestAPIKey,
		APISecret: TestAPISecret,
	})
	require.NoError(t, err)

	other := NewService("different-secret")
	_, err = other.ValidateToken(token.Token)
	assert.Error(t, err)
}

func TestValidateTokenMalformed(t *testing.T) {
	svc := newTestService()

	_, err := svc.ValidateToken("not-a-token")
	assert.Error(t, err)
}
