package tokens

import (
	"context"
	"errors"
	"fmt"

	"github.com/coderelay/coderelay/internal/directory"
)

// Provider names.
const (
	ProviderGitHub = "github"
)

// ErrNoToken is returned when a user has no token for the provider.
var ErrNoToken = errors.New("tokens: no token for user")

// Service reads and writes encrypted OAuth tokens in the directory.
// Decrypted values never leave memory.
type Service struct {
	store  directory.Store
	crypto *MasterKeyProvider
}

// NewService creates a token service.
func NewService(store directory.Store, crypto *MasterKeyProvider) *Service {
	return &Service{store: store, crypto: crypto}
}

// Get returns the decrypted token for a user and provider.
func (s *Service) Get(ctx context.Context, userID, provider string) (string, error) {
	row, err := s.store.GetOAuthToken(ctx, userID, provider)
	if errors.Is(err, directory.ErrNotFound) {
		return "", ErrNoToken
	}
	if err != nil {
		return "", err
	}
	plaintext, err := Decrypt(row.Ciphertext, row.Nonce, s.crypto.Key())
	if err != nil {
		return "", fmt.Errorf("decrypt token: %w", err)
	}
	return string(plaintext), nil
}

// Put encrypts and stores a token for a user and provider.
func (s *Service) Put(ctx context.Context, userID, provider, token string) error {
	ciphertext, nonce, err := Encrypt([]byte(token), s.crypto.Key())
	if err != nil {
		return fmt.Errorf("encrypt token: %w", err)
	}
	return s.store.PutOAuthToken(ctx, &directory.OAuthToken{
		UserID:     userID,
		Provider:   provider,
		Ciphertext: ciphertext,
		Nonce:      nonce,
	})
}
