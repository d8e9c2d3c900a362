package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeyRing() KeyRing {
	return KeyRing{
		"k1": {Algorithm: "aes256gcm", Secret: []byte("0123456789abcdef0123456789abcdef")[:32]},
		"k2": {Algorithm: "aes256gcm", Secret: []byte("zyxwvutsrqponmlkjihgfedcba987654")[:32]},
	}
}

func TestCredentialStoreEncryptDecryptRoundtrip(t *testing.T) {
	cs, err := NewCredentialStore(testKeyRing(), "k1")
	require.NoError(t, err)

	ct, keyID, err := cs.Encrypt([]byte("hmac-secret"))
	require.NoError(t, err)
	assert.Equal(t, "k1", keyID)
	assert.NotEqual(t, []byte("hmac-secret"), ct)

	pt, err := cs.DecryptWithHint(ct, keyID)
	require.NoError(t, err)
	assert.Equal(t, []byte("hmac-secret"), pt)
}

func TestCredentialStoreRejectsUnknownDefaultKey(t *testing.T) {
	_, err := NewCredentialStore(testKeyRing(), "missing")
	assert.Error(t, err)
}

func TestCredentialStoreNoDefaultStoresPlaintext(t *testing.T) {
	cs, err := NewCredentialStore(testKeyRing(), "")
	require.NoError(t, err)

	ct, keyID, err := cs.Encrypt([]byte("plain"))
	require.NoError(t, err)
	assert.Empty(t, keyID)
	assert.Equal(t, []byte("plain"), ct)
}

func TestCredentialStoreMigrationDecryptTriesEveryKey(t *testing.T) {
	cs, err := NewCredentialStore(testKeyRing(), "k2")
	require.NoError(t, err)

	ct, _, err := cs.Encrypt([]byte("secret-under-k2"))
	require.NoError(t, err)

	// simulate a row whose key_id hint was lost
	pt, err := cs.DecryptWithHint(ct, "")
	require.NoError(t, err)
	assert.Equal(t, []byte("secret-under-k2"), pt)
}

func TestCredentialStoreRotate(t *testing.T) {
	cs, err := NewCredentialStore(testKeyRing(), "k1")
	require.NoError(t, err)

	ct, _, err := cs.Encrypt([]byte("rotate-me"))
	require.NoError(t, err)

	rotated, err := cs.Rotate(ct, "k1", "k2")
	require.NoError(t, err)

	pt, err := cs.DecryptWithHint(rotated, "k2")
	require.NoError(t, err)
	assert.Equal(t, []byte("rotate-me"), pt)
}

func TestCredentialStoreDecryptUnknownKeyID(t *testing.T) {
	cs, err := NewCredentialStore(testKeyRing(), "k1")
	require.NoError(t, err)
	ct, _, _ := cs.Encrypt([]byte("x"))
	_, err = cs.DecryptWithHint(ct, "nonexistent")
	assert.Error(t, err)
}
