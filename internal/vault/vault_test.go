package vault

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	v, err := New("test-master-secret")
	require.NoError(t, err)

	for _, plaintext := range []string{
		"sk-proj-abc123",
		"",
		"key with spaces and unicode — ключ",
	} {
		enc, iv, err := v.Encrypt(plaintext)
		require.NoError(t, err)

		got, err := v.Decrypt(enc, iv)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}
}

func TestWrongSecretFailsDecrypt(t *testing.T) {
	v1, err := New("secret-one")
	require.NoError(t, err)
	v2, err := New("secret-two")
	require.NoError(t, err)

	enc, iv, err := v1.Encrypt("sk-live-key")
	require.NoError(t, err)

	_, err = v2.Decrypt(enc, iv)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestTamperedCiphertextFailsDecrypt(t *testing.T) {
	v, err := New("test-master-secret")
	require.NoError(t, err)

	enc, iv, err := v.Encrypt("sk-live-key")
	require.NoError(t, err)

	// Flip one character in the base64 payload.
	tampered := []byte(enc)
	mid := len(tampered) / 2
	if tampered[mid] == 'A' {
		tampered[mid] = 'B'
	} else {
		tampered[mid] = 'A'
	}

	_, err = v.Decrypt(string(tampered), iv)
	assert.Error(t, err)
}

func TestEncryptIsSalted(t *testing.T) {
	v, err := New("test-master-secret")
	require.NoError(t, err)

	enc1, iv1, err := v.Encrypt("same-plaintext")
	require.NoError(t, err)
	enc2, iv2, err := v.Encrypt("same-plaintext")
	require.NoError(t, err)

	assert.NotEqual(t, enc1, enc2, "fresh salt must produce distinct ciphertexts")
	assert.NotEqual(t, iv1, iv2, "fresh IV per encryption")
}

func TestMissingMasterSecret(t *testing.T) {
	_, err := New("")
	assert.ErrorIs(t, err, ErrNoMasterSecret)
}
