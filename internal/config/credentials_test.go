package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentialStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "credentials.json")
	store := NewCredentialStore(path)

	assert.False(t, store.Exists())
	_, err := store.Load()
	assert.ErrorIs(t, err, ErrNoCredentials)

	empty, err := store.LoadOrEmpty()
	require.NoError(t, err)
	assert.Equal(t, &Credentials{}, empty)

	creds := Credentials{}
	creds.Set("", "admin", "secret")
	creds.Set("10.0.0.5", "plug", "pw5")
	require.NoError(t, store.Save(creds))
	assert.True(t, store.Exists())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, &creds, loaded)

	require.NoError(t, store.Delete())
	require.NoError(t, store.Delete())
	assert.False(t, store.Exists())
}

func TestCredentialsForAndForget(t *testing.T) {
	var creds Credentials
	creds.Set("", "admin", "secret")
	creds.Set("10.0.0.5", "plug", "pw5")

	u, p := creds.For("10.0.0.5")
	assert.Equal(t, "plug", u)
	assert.Equal(t, "pw5", p)

	u, _ = creds.For("10.0.0.6")
	assert.Equal(t, "admin", u)

	assert.True(t, creds.Forget("10.0.0.5"))
	u, _ = creds.For("10.0.0.5")
	assert.Equal(t, "admin", u)

	assert.False(t, creds.Forget(""))

	var none *Credentials
	u, p = none.For("10.0.0.5")
	assert.Empty(t, u)
	assert.Empty(t, p)
}
