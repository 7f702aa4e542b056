// ABOUTME: Tests for SDK secret hashing and member access token handling.
// ABOUTME: Covers creation, verification, revocation and token expiry.

package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentlabs-dev/relay/internal/store"
)

// memSecretStore keeps secrets in memory for tests.
type memSecretStore struct {
	secrets []*store.SDKSecret
}

func (s *memSecretStore) CreateSecret(_ context.Context, secret *store.SDKSecret) error {
	s.secrets = append(s.secrets, secret)
	return nil
}

func (s *memSecretStore) ListProjectSecrets(_ context.Context, projectID string) ([]*store.SDKSecret, error) {
	var out []*store.SDKSecret
	for _, sec := range s.secrets {
		if sec.ProjectID == projectID {
			out = append(out, sec)
		}
	}
	return out, nil
}

func (s *memSecretStore) RevokeSecret(_ context.Context, id string) error {
	for _, sec := range s.secrets {
		if sec.ID == id {
			now := time.Now().UTC()
			sec.RevokedAt = &now
			return nil
		}
	}
	return store.ErrNotFound
}

func TestSecretManager_CreateAndVerify(t *testing.T) {
	m := NewSecretManager(&memSecretStore{}, nil)
	ctx := context.Background()

	plaintext, secret, err := m.CreateSecret(ctx, "proj-1", "ci")
	require.NoError(t, err)
	assert.NotEmpty(t, secret.ID)
	assert.NotEqual(t, plaintext, secret.Hash, "plaintext must not be stored")

	ok, err := m.Verify(ctx, "proj-1", plaintext)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Verify(ctx, "proj-1", "sk_wrong")
	require.NoError(t, err)
	assert.False(t, ok)

	// The secret belongs to proj-1 only.
	ok, err = m.Verify(ctx, "proj-2", plaintext)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSecretManager_RevokedSecretFailsVerify(t *testing.T) {
	m := NewSecretManager(&memSecretStore{}, nil)
	ctx := context.Background()

	plaintext, secret, err := m.CreateSecret(ctx, "proj-1", "")
	require.NoError(t, err)

	require.NoError(t, m.Revoke(ctx, secret.ID))

	ok, err := m.Verify(ctx, "proj-1", plaintext)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSecretManager_MultipleActiveSecrets(t *testing.T) {
	m := NewSecretManager(&memSecretStore{}, nil)
	ctx := context.Background()

	first, _, err := m.CreateSecret(ctx, "proj-1", "old")
	require.NoError(t, err)
	second, _, err := m.CreateSecret(ctx, "proj-1", "new")
	require.NoError(t, err)

	for _, plaintext := range []string{first, second} {
		ok, err := m.Verify(ctx, "proj-1", plaintext)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestJWTVerifier_RoundTrip(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))

	token, err := v.Generate("member-1", time.Hour)
	require.NoError(t, err)

	memberID, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "member-1", memberID)
}

func TestJWTVerifier_RejectsExpiredToken(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))

	token, err := v.Generate("member-1", -time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestJWTVerifier_RejectsWrongSecret(t *testing.T) {
	issuer := NewJWTVerifier([]byte("secret-a"))
	verifier := NewJWTVerifier([]byte("secret-b"))

	token, err := issuer.Generate("member-1", time.Hour)
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTVerifier_RejectsGarbage(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))

	_, err := v.Verify("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
