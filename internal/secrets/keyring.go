// Package secrets provides core.SecretStore implementations backed by the
// OS keyring, the environment and static maps.
package secrets

import (
	"context"
	"errors"
	"fmt"

	"github.com/99designs/keyring"

	"github.com/lattiq/mailgate/internal/core"
)

// DefaultServiceName is the keyring service the gateway stores secrets under.
const DefaultServiceName = "mailgate"

// ErrNoFilePassword is returned when the encrypted file backend is used
// without a configured password.
var ErrNoFilePassword = errors.New("file keyring password is not configured")

// KeyringConfig selects and configures the keyring backend.
type KeyringConfig struct {
	ServiceName string `mapstructure:"service_name"`
	// Backends restricts the backends tried, e.g. "keychain", "file".
	Backends     []string `mapstructure:"backends"`
	FileDir      string   `mapstructure:"file_dir"`
	FilePassword string   `mapstructure:"file_password"`
}

// KeyringStore reads and writes secrets in the system keyring.
type KeyringStore struct {
	ring keyring.Keyring
}

// OpenKeyring opens the keyring described by cfg.
func OpenKeyring(cfg KeyringConfig) (*KeyringStore, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultServiceName
	}
	if cfg.FileDir == "" {
		cfg.FileDir = "~/.config/mailgate/secrets"
	}

	backends := []keyring.BackendType{
		keyring.KeychainBackend,
		keyring.SecretServiceBackend,
		keyring.WinCredBackend,
		keyring.PassBackend,
		keyring.FileBackend,
	}
	if len(cfg.Backends) > 0 {
		backends = backends[:0]
		for _, b := range cfg.Backends {
			backends = append(backends, keyring.BackendType(b))
		}
	}

	passwordFunc := keyring.FixedStringPrompt(cfg.FilePassword)
	if cfg.FilePassword == "" {
		if onlyFileBackend(backends) {
			return nil, fmt.Errorf("opening keyring: %w", ErrNoFilePassword)
		}
		// The file backend stays locked; the OS backends are unaffected.
		passwordFunc = func(string) (string, error) { return "", ErrNoFilePassword }
	}

	ring, err := keyring.Open(keyring.Config{
		ServiceName:              cfg.ServiceName,
		AllowedBackends:          backends,
		FileDir:                  cfg.FileDir,
		FilePasswordFunc:         passwordFunc,
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return NewKeyringStore(ring), nil
}

func onlyFileBackend(backends []keyring.BackendType) bool {
	for _, b := range backends {
		if b != keyring.FileBackend {
			return false
		}
	}
	return true
}

// NewKeyringStore wraps an already opened keyring.
func NewKeyringStore(ring keyring.Keyring) *KeyringStore {
	return &KeyringStore{ring: ring}
}

// GetSecret implements core.SecretStore.
func (k *KeyringStore) GetSecret(_ context.Context, name string) (string, error) {
	item, err := k.ring.Get(name)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return "", fmt.Errorf("%q: %w", name, core.ErrSecretNotFound)
		}
		return "", fmt.Errorf("getting secret %q: %w", name, err)
	}
	return string(item.Data), nil
}

// SetSecret stores value under name.
func (k *KeyringStore) SetSecret(_ context.Context, name, value string) error {
	err := k.ring.Set(keyring.Item{
		Key:   name,
		Data:  []byte(value),
		Label: DefaultServiceName + " " + name,
	})
	if err != nil {
		return fmt.Errorf("setting secret %q: %w", name, err)
	}
	return nil
}

// DeleteSecret removes name from the keyring.
func (k *KeyringStore) DeleteSecret(_ context.Context, name string) error {
	if err := k.ring.Remove(name); err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return fmt.Errorf("%q: %w", name, core.ErrSecretNotFound)
		}
		return fmt.Errorf("deleting secret %q: %w", name, err)
	}
	return nil
}
