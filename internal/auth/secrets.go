// ABOUTME: SDK secret generation and verification using scrypt hashing.
// ABOUTME: Secrets are shown once at creation; only hash and salt are persisted.

package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/crypto/scrypt"

	"github.com/agentlabs-dev/relay/internal/store"
)

// scrypt parameters for SDK secret hashing.
const (
	scryptN      = 16384
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
	saltBytes    = 16
	secretBytes  = 32
)

// SecretStore is the slice of persistence the secret manager needs.
type SecretStore interface {
	CreateSecret(ctx context.Context, secret *store.SDKSecret) error
	ListProjectSecrets(ctx context.Context, projectID string) ([]*store.SDKSecret, error)
	RevokeSecret(ctx context.Context, id string) error
}

// SecretManager creates and verifies project SDK secrets. It implements
// the relay's CredentialVerifier.
type SecretManager struct {
	store  SecretStore
	logger *slog.Logger
}

// NewSecretManager creates a SecretManager backed by the given store.
func NewSecretManager(secretStore SecretStore, logger *slog.Logger) *SecretManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SecretManager{
		store:  secretStore,
		logger: logger.With("component", "auth"),
	}
}

// CreateSecret generates a fresh secret for the project, persists its
// scrypt hash, and returns the plaintext. The plaintext cannot be
// recovered later.
func (m *SecretManager) CreateSecret(ctx context.Context, projectID, description string) (string, *store.SDKSecret, error) {
	raw := make([]byte, secretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("generating secret: %w", err)
	}
	plaintext := "sk_" + hex.EncodeToString(raw)

	saltRaw := make([]byte, saltBytes)
	if _, err := rand.Read(saltRaw); err != nil {
		return "", nil, fmt.Errorf("generating salt: %w", err)
	}
	salt := hex.EncodeToString(saltRaw)

	hash, err := hashSecret(plaintext, salt)
	if err != nil {
		return "", nil, err
	}

	secret := &store.SDKSecret{
		ID:          uuid.New().String(),
		ProjectID:   projectID,
		Hash:        hash,
		Salt:        salt,
		Description: description,
	}
	if err := m.store.CreateSecret(ctx, secret); err != nil {
		return "", nil, fmt.Errorf("storing secret: %w", err)
	}

	m.logger.Info("sdk secret created", "project_id", projectID, "secret_id", secret.ID)
	return plaintext, secret, nil
}

// Verify reports whether the presented secret matches any non-revoked
// secret of the project.
func (m *SecretManager) Verify(ctx context.Context, projectID, secret string) (bool, error) {
	secrets, err := m.store.ListProjectSecrets(ctx, projectID)
	if err != nil {
		return false, fmt.Errorf("listing project secrets: %w", err)
	}

	for _, candidate := range secrets {
		if candidate.RevokedAt != nil {
			continue
		}
		hash, err := hashSecret(secret, candidate.Salt)
		if err != nil {
			return false, err
		}
		if subtle.ConstantTimeCompare([]byte(hash), []byte(candidate.Hash)) == 1 {
			return true, nil
		}
	}
	return false, nil
}

// Revoke marks a secret as no longer valid for new connections.
func (m *SecretManager) Revoke(ctx context.Context, secretID string) error {
	return m.store.RevokeSecret(ctx, secretID)
}

// hashSecret derives the scrypt hash of a secret under the given hex salt.
func hashSecret(secret, salt string) (string, error) {
	key, err := scrypt.Key([]byte(secret), []byte(salt), scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return "", fmt.Errorf("hashing secret: %w", err)
	}
	return hex.EncodeToString(key), nil
}
