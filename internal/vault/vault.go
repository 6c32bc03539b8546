// Package vault seals marketplace credentials at rest.
package vault

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/vipul43/marketsync/internal/marketplace"
	"github.com/vipul43/marketsync/internal/models"
)

var (
	ErrNoKey         = errors.New("vault key not configured")
	ErrNoCredentials = errors.New("account has no stored credentials")
)

const keyInfo = "marketsync marketplace credentials v1"

// Vault opens the credentials stored on an account
type Vault interface {
	Decrypt(ctx context.Context, account *models.MarketplaceAccount) (marketplace.Credentials, error)
}

// SealedVault encrypts credentials with XChaCha20-Poly1305. The account id
// is bound as additional data so a sealed blob cannot be moved between
// accounts.
type SealedVault struct {
	key []byte
}

var _ Vault = (*SealedVault)(nil)

// NewSealedVault derives the encryption key from the configured secret
func NewSealedVault(secret string) (*SealedVault, error) {
	if secret == "" {
		return nil, ErrNoKey
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("failed to derive vault key: %w", err)
	}
	return &SealedVault{key: key}, nil
}

// Seal returns the base64 form stored in marketplace_account.encrypted_credentials
func (v *SealedVault) Seal(accountID string, creds marketplace.Credentials) (string, error) {
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return "", fmt.Errorf("failed to marshal credentials: %w", err)
	}

	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, plaintext, []byte(accountID))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (v *SealedVault) Decrypt(ctx context.Context, account *models.MarketplaceAccount) (marketplace.Credentials, error) {
	if account.EncryptedCredentials == "" {
		return nil, ErrNoCredentials
	}
	raw, err := base64.StdEncoding.DecodeString(account.EncryptedCredentials)
	if err != nil {
		return nil, fmt.Errorf("failed to decode credentials: %w", err)
	}

	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	if len(raw) < aead.NonceSize() {
		return nil, errors.New("sealed credentials too short")
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(account.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to open credentials for account %s: %w", account.ID, err)
	}

	var creds marketplace.Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, fmt.Errorf("failed to parse credentials: %w", err)
	}
	return creds, nil
}
