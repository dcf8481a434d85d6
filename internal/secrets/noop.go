package secrets

// NoopStore is used on platforms without a supported keychain.
// Every operation returns ErrNotSupported.
type NoopStore struct{}

func (n *NoopStore) Get(service, account string) (string, error) { return "", ErrNotSupported }

func (n *NoopStore) Set(service, account, password string) error { return ErrNotSupported }

func (n *NoopStore) Delete(service, account string) error { return ErrNotSupported }

func (n *NoopStore) IsSupported() bool { return false }
