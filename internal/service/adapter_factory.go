package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/vipul43/marketsync/internal/marketplace"
	"github.com/vipul43/marketsync/internal/models"
	"github.com/vipul43/marketsync/internal/vault"
)

// ErrCredentialsUnavailable wraps every failure to open an account's
// stored credentials; retrying the job cannot fix it.
var ErrCredentialsUnavailable = errors.New("account credentials unavailable")

// AdapterRegistry builds unconnected adapters by marketplace type
type AdapterRegistry interface {
	New(t marketplace.Type) (marketplace.Adapter, error)
}

type AdapterFactory struct {
	registry AdapterRegistry
	vault    vault.Vault
}

func NewAdapterFactory(registry AdapterRegistry, v vault.Vault) *AdapterFactory {
	return &AdapterFactory{registry: registry, vault: v}
}

// ForAccount returns a new adapter connected with the account's
// credentials. The caller owns it and must Disconnect it.
func (f *AdapterFactory) ForAccount(ctx context.Context, account *models.MarketplaceAccount) (marketplace.Adapter, error) {
	adapter, err := f.registry.New(account.Marketplace)
	if err != nil {
		return nil, err
	}

	creds, err := f.vault.Decrypt(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCredentialsUnavailable, err)
	}

	if err := adapter.Connect(ctx, creds); err != nil {
		_ = adapter.Disconnect()
		return nil, fmt.Errorf("failed to connect %s adapter: %w", account.Marketplace, err)
	}
	return adapter, nil
}

// isConfigurationError reports failures no retry can fix
func isConfigurationError(err error) bool {
	return marketplace.IsConfigurationError(err) || errors.Is(err, ErrCredentialsUnavailable)
}

// ConnectionTester checks stored credentials against the live API
type ConnectionTester struct {
	accounts AccountReader
	adapters AdapterProvider
}

func NewConnectionTester(accounts AccountReader, adapters AdapterProvider) *ConnectionTester {
	return &ConnectionTester{accounts: accounts, adapters: adapters}
}

// TestConnection returns false with a nil error when the account's
// credentials are rejected or incomplete
func (t *ConnectionTester) TestConnection(ctx context.Context, accountID string) (bool, error) {
	account, err := t.accounts.GetByID(ctx, accountID)
	if err != nil {
		return false, err
	}

	adapter, err := t.adapters.ForAccount(ctx, account)
	if err != nil {
		if isConfigurationError(err) {
			return false, nil
		}
		return false, err
	}
	defer adapter.Disconnect()

	return adapter.TestConnection(ctx), nil
}
