package account

import (
	"context"
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/pulsewatch-app/pulsewatch/internal/provider"
)

const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	svc, err := NewService(db, testKey, provider.NewRegistry(provider.NewClaude()))
	require.NoError(t, err)
	return svc
}

func TestService_CreateAndGet(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	acc, err := svc.Create(ctx, &CreateRequest{
		ProviderID:  "claude",
		DisplayName: "Work",
		Credentials: provider.Credentials{OrgID: "org-1", SessionKey: "sk-1"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, acc.ID)
	assert.Equal(t, "Work", acc.DisplayName)

	got, err := svc.Get(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, acc.ID, got.ID)
}

func TestService_CredentialsRoundTrip(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	acc, err := svc.Create(ctx, &CreateRequest{
		ProviderID:  "claude",
		DisplayName: "Work",
		Credentials: provider.Credentials{OrgID: "org-1", SessionKey: "sk-secret"},
	})
	require.NoError(t, err)

	creds, err := svc.Credentials(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, "org-1", creds.OrgID)
	assert.Equal(t, "sk-secret", creds.SessionKey)
}

func TestService_CredentialsEncryptedAtRest(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	svc, err := NewService(db, testKey, provider.NewRegistry(provider.NewClaude()))
	require.NoError(t, err)

	ctx := context.Background()
	acc, err := svc.Create(ctx, &CreateRequest{
		ProviderID:  "claude",
		DisplayName: "Work",
		Credentials: provider.Credentials{OrgID: "org-1", SessionKey: "sk-super-secret"},
	})
	require.NoError(t, err)

	var row Row
	require.NoError(t, db.First(&row, "id = ?", acc.ID).Error)
	assert.NotContains(t, row.Credentials, "sk-super-secret")
	assert.NotContains(t, row.Credentials, "org-1")
}

func TestService_CreateRejectsBadProvider(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Create(context.Background(), &CreateRequest{
		ProviderID:  "codex",
		DisplayName: "X",
		Credentials: provider.Credentials{APIKey: "k"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider")
}

func TestService_CreateRejectsIncompleteCredentials(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Create(context.Background(), &CreateRequest{
		ProviderID:  "claude",
		DisplayName: "X",
		Credentials: provider.Credentials{OrgID: "org-only"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing required fields")
}

func TestService_UpdateCredentials(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	acc, err := svc.Create(ctx, &CreateRequest{
		ProviderID:  "claude",
		DisplayName: "Work",
		Credentials: provider.Credentials{OrgID: "org-1", SessionKey: "sk-old"},
	})
	require.NoError(t, err)

	_, err = svc.UpdateCredentials(ctx, acc.ID, provider.Credentials{OrgID: "org-1", SessionKey: "sk-new"})
	require.NoError(t, err)

	creds, err := svc.Credentials(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, "sk-new", creds.SessionKey)
}

func TestService_Delete(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	acc, err := svc.Create(ctx, &CreateRequest{
		ProviderID:  "claude",
		DisplayName: "Work",
		Credentials: provider.Credentials{OrgID: "org-1", SessionKey: "sk-1"},
	})
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, acc.ID))

	_, err = svc.Get(ctx, acc.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, svc.Delete(ctx, acc.ID), ErrNotFound)
}

func TestEncryptor_RoundTrip(t *testing.T) {
	enc, err := NewEncryptor(testKey)
	require.NoError(t, err)

	sealed, err := enc.Encrypt("hello world")
	require.NoError(t, err)
	assert.NotEqual(t, "hello world", sealed)

	plain, err := enc.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "hello world", plain)
}

func TestEncryptor_UniqueNonces(t *testing.T) {
	enc, err := NewEncryptor(testKey)
	require.NoError(t, err)

	a, err := enc.Encrypt("same input")
	require.NoError(t, err)
	b, err := enc.Encrypt("same input")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestEncryptor_RejectsBadKey(t *testing.T) {
	_, err := NewEncryptor("deadbeef")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "32 bytes")

	_, err = NewEncryptor(strings.Repeat("zz", 32))
	require.Error(t, err)
}

func TestEncryptor_RejectsTamperedCiphertext(t *testing.T) {
	enc, err := NewEncryptor(testKey)
	require.NoError(t, err)

	sealed, err := enc.Encrypt("payload")
	require.NoError(t, err)

	tampered := sealed[:len(sealed)-2] + "00"
	_, err = enc.Decrypt(tampered)
	assert.Error(t, err)
}
