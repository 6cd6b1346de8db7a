package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/lattiq/mailgate/internal/core"
)

// DefaultEnvPrefix prefixes secret names looked up in the environment.
const DefaultEnvPrefix = "MAILGATE_SECRET_"

// EnvStore reads secrets from environment variables named
// <Prefix><UPPERCASED NAME>.
type EnvStore struct {
	Prefix string
	lookup func(string) (string, bool)
}

// NewEnvStore creates an EnvStore reading the process environment.
func NewEnvStore(prefix string) *EnvStore {
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	return &EnvStore{Prefix: prefix, lookup: os.LookupEnv}
}

// GetSecret implements core.SecretStore.
func (e *EnvStore) GetSecret(_ context.Context, name string) (string, error) {
	v, ok := e.lookup(e.Prefix + strings.ToUpper(name))
	if !ok || v == "" {
		return "", fmt.Errorf("%q: %w", name, core.ErrSecretNotFound)
	}
	return v, nil
}

// StaticStore serves secrets from a fixed map.
type StaticStore map[string]string

// GetSecret implements core.SecretStore.
func (s StaticStore) GetSecret(_ context.Context, name string) (string, error) {
	v, ok := s[name]
	if !ok {
		return "", fmt.Errorf("%q: %w", name, core.ErrSecretNotFound)
	}
	return v, nil
}

// Chain consults each store in order and returns the first hit. Errors
// other than core.ErrSecretNotFound stop the lookup.
type Chain []core.SecretStore

// GetSecret implements core.SecretStore.
func (c Chain) GetSecret(ctx context.Context, name string) (string, error) {
	for _, s := range c {
		v, err := s.GetSecret(ctx, name)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, core.ErrSecretNotFound) {
			return "", err
		}
	}
	return "", fmt.Errorf("%q: %w", name, core.ErrSecretNotFound)
}
