//go:build darwin

package secrets

import (
	"errors"

	"github.com/keybase/go-keychain"
)

func init() {
	store = &KeychainStore{}
}

// KeychainStore implements SecretStore using the macOS Keychain.
type KeychainStore struct{}

func genericPassword(service, account string) keychain.Item {
	item := keychain.NewItem()
	item.SetSecClass(keychain.SecClassGenericPassword)
	item.SetService(service)
	item.SetAccount(account)
	return item
}

// Get retrieves a password from the Keychain.
func (k *KeychainStore) Get(service, account string) (string, error) {
	query := genericPassword(service, account)
	query.SetMatchLimit(keychain.MatchLimitOne)
	query.SetReturnData(true)

	results, err := keychain.QueryItem(query)
	switch {
	case errors.Is(err, keychain.ErrorItemNotFound):
		return "", ErrNotFound
	case err != nil:
		return "", err
	case len(results) == 0:
		return "", ErrNotFound
	}
	return string(results[0].Data), nil
}

// Set stores a password in the Keychain, updating an existing item in place.
func (k *KeychainStore) Set(service, account, password string) error {
	item := genericPassword(service, account)
	item.SetLabel(service + " (" + account + ")")
	item.SetData([]byte(password))
	item.SetSynchronizable(keychain.SynchronizableNo)
	item.SetAccessible(keychain.AccessibleAfterFirstUnlock)

	err := keychain.AddItem(item)
	if !errors.Is(err, keychain.ErrorDuplicateItem) {
		return err
	}

	update := keychain.NewItem()
	update.SetData([]byte(password))
	return keychain.UpdateItem(genericPassword(service, account), update)
}

// Delete removes a credential from the Keychain.
func (k *KeychainStore) Delete(service, account string) error {
	err := keychain.DeleteItem(genericPassword(service, account))
	if errors.Is(err, keychain.ErrorItemNotFound) {
		return ErrNotFound
	}
	return err
}

func (k *KeychainStore) IsSupported() bool { return true }
