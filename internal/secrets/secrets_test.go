package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/require"

	"github.com/lattiq/mailgate/internal/core"
)

func TestKeyringStore(t *testing.T) {
	ctx := context.Background()
	store := NewKeyringStore(keyring.NewArrayKeyring(nil))

	_, err := store.GetSecret(ctx, "sendgrid_api_key")
	require.ErrorIs(t, err, core.ErrSecretNotFound)

	require.NoError(t, store.SetSecret(ctx, "sendgrid_api_key", "SG.abc"))

	v, err := store.GetSecret(ctx, "sendgrid_api_key")
	require.NoError(t, err)
	require.Equal(t, "SG.abc", v)

	require.NoError(t, store.DeleteSecret(ctx, "sendgrid_api_key"))
	_, err = store.GetSecret(ctx, "sendgrid_api_key")
	require.ErrorIs(t, err, core.ErrSecretNotFound)
}

func TestOpenKeyringFileBackend(t *testing.T) {
	ctx := context.Background()
	store, err := OpenKeyring(KeyringConfig{
		Backends:     []string{string(keyring.FileBackend)},
		FileDir:      t.TempDir(),
		FilePassword: "test-password",
	})
	require.NoError(t, err)

	require.NoError(t, store.SetSecret(ctx, "postmark_api_key", "pm-token"))
	v, err := store.GetSecret(ctx, "postmark_api_key")
	require.NoError(t, err)
	require.Equal(t, "pm-token", v)
}

func TestOpenKeyringFileBackendRequiresPassword(t *testing.T) {
	_, err := OpenKeyring(KeyringConfig{
		Backends: []string{string(keyring.FileBackend)},
		FileDir:  t.TempDir(),
	})
	require.ErrorIs(t, err, ErrNoFilePassword)
}

func TestEnvStore(t *testing.T) {
	env := map[string]string{"MAILGATE_SECRET_MAILGUN_API_KEY": "key-1", "MAILGATE_SECRET_EMPTY": ""}
	store := &EnvStore{Prefix: DefaultEnvPrefix, lookup: func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}}

	v, err := store.GetSecret(context.Background(), "mailgun_api_key")
	require.NoError(t, err)
	require.Equal(t, "key-1", v)

	_, err = store.GetSecret(context.Background(), "empty")
	require.ErrorIs(t, err, core.ErrSecretNotFound)

	t.Setenv("MAILGATE_SECRET_SES_ACCESS_KEY", "AKIA")
	v, err = NewEnvStore("").GetSecret(context.Background(), core.SESAccessKeySecret)
	require.NoError(t, err)
	require.Equal(t, "AKIA", v)
}

type failingStore struct{ err error }

func (f failingStore) GetSecret(context.Context, string) (string, error) { return "", f.err }

func TestChain(t *testing.T) {
	ctx := context.Background()
	chain := Chain{
		StaticStore{"a": "from-first"},
		StaticStore{"a": "shadowed", "b": "from-second"},
	}

	v, err := chain.GetSecret(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "from-first", v)

	v, err = chain.GetSecret(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, "from-second", v)

	_, err = chain.GetSecret(ctx, "c")
	require.ErrorIs(t, err, core.ErrSecretNotFound)

	boom := errors.New("keyring locked")
	_, err = Chain{failingStore{boom}, StaticStore{"a": "x"}}.GetSecret(ctx, "a")
	require.ErrorIs(t, err, boom)
}
