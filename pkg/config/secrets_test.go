package config

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAESEncryptionRoundTrip(t *testing.T) {
	enc, err := NewAESEncryption([]byte("short key"))
	require.NoError(t, err)

	ct, err := enc.Encrypt([]byte("hello"))
	require.NoError(t, err)
	assert.NotContains(t, string(ct), "hello")

	pt, err := enc.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(pt))

	other, err := NewAESEncryption([]byte("another key"))
	require.NoError(t, err)
	_, err = other.Decrypt(ct)
	assert.Error(t, err)

	_, err = NewAESEncryption(nil)
	assert.Error(t, err)
}

func TestFileSecretStore(t *testing.T) {
	enc, err := NewAESEncryption([]byte("k"))
	require.NoError(t, err)
	store, err := NewFileSecretStore(t.TempDir(), enc, nopLogger{})
	require.NoError(t, err)

	require.NoError(t, store.SetSecret("signing/key", "s3cret"))
	require.NoError(t, store.SetSecret("other", "x"))

	v, err := store.GetSecret("signing/key")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", v)

	keys, err := store.ListSecrets()
	require.NoError(t, err)
	assert.Equal(t, []string{"other", "signing_key"}, keys)

	require.NoError(t, store.DeleteSecret("other"))
	_, err = store.GetSecret("other")
	assert.ErrorIs(t, err, ErrSecretNotFound)
	assert.ErrorIs(t, store.DeleteSecret("other"), ErrSecretNotFound)
}

func TestVaultSecretStoreGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if !strings.HasSuffix(r.URL.Path, "/v1/kv/data/plugind/signing-key") {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"errors":[]}`))
			return
		}
		assert.Equal(t, "root-token", r.Header.Get("X-Vault-Token"))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"data": map[string]interface{}{"value": "from-vault"},
				"metadata": map[string]interface{}{
					"created_time":  "2024-01-01T00:00:00Z",
					"deletion_time": "",
					"destroyed":     false,
					"version":       1,
				},
			},
		})
	}))
	defer srv.Close()

	store, err := NewVaultSecretStore(VaultConfig{Address: srv.URL, Token: "root-token", Mount: "kv"}, nopLogger{})
	require.NoError(t, err)

	v, err := store.GetSecret("signing-key")
	require.NoError(t, err)
	assert.Equal(t, "from-vault", v)

	_, err = store.GetSecret("missing")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}
