// Package secrets stores the account password outside the config file.
// On macOS the password lives in the system Keychain; other platforms get a
// store that reports ErrNotSupported, and the password must come from the
// config file instead.
package secrets

import (
	"errors"
	"fmt"
	"strings"
)

// ServiceName is the keychain service under which passwords are stored.
// The keychain account is the vehicle account username.
const ServiceName = "MyFisker"

var (
	// ErrNotFound is returned when a credential is not found in the store.
	ErrNotFound = errors.New("credential not found")

	// ErrNotSupported is returned when the secret store is not supported on the current platform.
	ErrNotSupported = errors.New("secret store not supported on this platform")
)

// SecretStore provides secure credential storage.
// Implementations should be safe for concurrent use.
type SecretStore interface {
	// Get retrieves a password for the given service and account.
	// Returns ErrNotFound if the credential does not exist.
	Get(service, account string) (string, error)

	// Set stores a password, replacing any existing one.
	Set(service, account, password string) error

	// Delete removes a credential.
	// Returns ErrNotFound if the credential does not exist.
	Delete(service, account string) error

	// IsSupported returns true if this store is functional on the current platform.
	IsSupported() bool
}

// store is set by the platform-specific init().
var store SecretStore

// Default returns the SecretStore for the current platform. It never returns nil.
func Default() SecretStore {
	if store == nil {
		store = &NoopStore{}
	}
	return store
}

// IsSupported reports whether secure credential storage is available.
func IsSupported() bool {
	return Default().IsSupported()
}

// Get retrieves a password using the default store.
func Get(service, account string) (string, error) {
	return Default().Get(service, account)
}

// Set stores a password using the default store.
func Set(service, account, password string) error {
	return Default().Set(service, account, password)
}

// Delete removes a credential using the default store.
func Delete(service, account string) error {
	return Default().Delete(service, account)
}

// accountKey normalizes a username into a keychain account name.
// Usernames are e-mail addresses, which are case-insensitive in practice.
func accountKey(username string) (string, error) {
	key := strings.ToLower(strings.TrimSpace(username))
	if key == "" {
		return "", errors.New("username is required")
	}
	return key, nil
}

// GetPassword reads the password stored for username from s.
func GetPassword(s SecretStore, username string) (string, error) {
	account, err := accountKey(username)
	if err != nil {
		return "", err
	}
	password, err := s.Get(ServiceName, account)
	if err != nil {
		return "", fmt.Errorf("read password for %s: %w", account, err)
	}
	return password, nil
}

// SetPassword stores password for username in s.
func SetPassword(s SecretStore, username, password string) error {
	account, err := accountKey(username)
	if err != nil {
		return err
	}
	if password == "" {
		return errors.New("password is required")
	}
	if err := s.Set(ServiceName, account, password); err != nil {
		return fmt.Errorf("store password for %s: %w", account, err)
	}
	return nil
}

// DeletePassword removes the password stored for username from s.
func DeletePassword(s SecretStore, username string) error {
	account, err := accountKey(username)
	if err != nil {
		return err
	}
	if err := s.Delete(ServiceName, account); err != nil {
		return fmt.Errorf("delete password for %s: %w", account, err)
	}
	return nil
}
