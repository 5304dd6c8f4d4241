package secret

import (
	"testing"

	"github.com/materials-commons/filegate/pkg/config"
	"github.com/materials-commons/filegate/pkg/gwerr"
	"github.com/materials-commons/filegate/pkg/reqctx"
	"github.com/stretchr/testify/require"
)

func TestSecretboxStore_UserPassword(t *testing.T) {
	store, err := NewStoreFromConfig(config.SecretConfig{Mode: ModeUserPassword, Salt: "test"})
	require.NoError(t, err)

	rc := reqctx.New("alice", "pw1")
	sealed, err := store.Encrypt(rc, []byte(`{"username":"a"}`))
	require.NoError(t, err)
	require.NotContains(t, sealed, "username")

	plaintext, err := store.Decrypt(rc, sealed)
	require.NoError(t, err)
	require.Equal(t, `{"username":"a"}`, string(plaintext))

	_, err = store.Decrypt(reqctx.New("alice", "other"), sealed)
	require.True(t, gwerr.Is(err, gwerr.PermissionDenied), "wrong password should not decrypt: %v", err)

	_, err = store.Decrypt(reqctx.New("bob", "pw1"), sealed)
	require.True(t, gwerr.Is(err, gwerr.PermissionDenied), "another user should not decrypt: %v", err)

	_, err = store.Encrypt(reqctx.New("alice", ""), []byte("x"))
	require.True(t, gwerr.Is(err, gwerr.NeedsAuthentication))
}

func TestSecretboxStore_Static(t *testing.T) {
	store, err := NewStoreFromConfig(config.SecretConfig{Mode: ModeStatic, StaticKey: "k3y", Salt: "test"})
	require.NoError(t, err)

	sealed, err := store.Encrypt(reqctx.New("alice", "pw"), []byte("secret"))
	require.NoError(t, err)

	plaintext, err := store.Decrypt(reqctx.New("bob", ""), sealed)
	require.NoError(t, err)
	require.Equal(t, "secret", string(plaintext))

	_, err = store.Decrypt(nil, "bm90LXNlYWxlZA==")
	require.Error(t, err)

	_, err = NewStoreFromConfig(config.SecretConfig{Mode: ModeStatic, Salt: "test"})
	require.Error(t, err)
}
