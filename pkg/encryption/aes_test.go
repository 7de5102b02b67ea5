package encryption

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAESGCM_RoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	c, err := NewAESGCM(key, "k1")
	require.NoError(t, err)

	plaintext := []byte(`{"subjective":{"chief_complaint":"cough"}}`)
	ciphertext, err := c.Encrypt(plaintext, []byte("doc-1"))
	require.NoError(t, err)
	assert.False(t, bytes.Contains(ciphertext, []byte("cough")))

	scheme, err := SchemeOf(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "aes-256-gcm/k1", scheme)
	assert.Equal(t, scheme, c.Scheme())

	decrypted, err := c.Decrypt(ciphertext, []byte("doc-1"))
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestAESGCM_NonceIsRandom(t *testing.T) {
	c, err := NewAESGCM("passphrase", "k1")
	require.NoError(t, err)

	a, err := c.Encrypt([]byte("same"), nil)
	require.NoError(t, err)
	b, err := c.Encrypt([]byte("same"), nil)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestAESGCM_AssociatedDataBindsRecord(t *testing.T) {
	c, err := NewAESGCM("passphrase", "k1")
	require.NoError(t, err)

	ciphertext, err := c.Encrypt([]byte("note"), []byte("doc-1"))
	require.NoError(t, err)

	_, err = c.Decrypt(ciphertext, []byte("doc-2"))
	assert.Error(t, err)
}

func TestAESGCM_RejectsTampering(t *testing.T) {
	c, err := NewAESGCM("passphrase", "k1")
	require.NoError(t, err)

	ciphertext, err := c.Encrypt([]byte("note"), nil)
	require.NoError(t, err)
	ciphertext[len(ciphertext)-1] ^= 0xff

	_, err = c.Decrypt(ciphertext, nil)
	assert.Error(t, err)

	_, err = c.Decrypt(nil, nil)
	assert.Error(t, err)
	_, err = c.Decrypt([]byte{40, 'a'}, nil)
	assert.Error(t, err)
}

func TestAESGCM_WrongKeyVersion(t *testing.T) {
	k1, err := NewAESGCM("passphrase", "k1")
	require.NoError(t, err)
	k2, err := NewAESGCM("passphrase", "k2")
	require.NoError(t, err)

	ciphertext, err := k1.Encrypt([]byte("note"), nil)
	require.NoError(t, err)
	_, err = k2.Decrypt(ciphertext, nil)
	assert.Error(t, err)
}

func TestNewAESGCM_Validation(t *testing.T) {
	_, err := NewAESGCM("", "k1")
	assert.Error(t, err)
	_, err = NewAESGCM("key", "")
	assert.Error(t, err)
}

func TestKeyring_Rotation(t *testing.T) {
	old, err := NewKeyring("k1", map[string]string{"k1": "first-key"})
	require.NoError(t, err)
	stored, err := old.Encrypt([]byte("note"), []byte("doc-1"))
	require.NoError(t, err)

	rotated, err := NewKeyring("k2", map[string]string{"k1": "first-key", "k2": "second-key"})
	require.NoError(t, err)
	assert.Equal(t, "aes-256-gcm/k2", rotated.Scheme())
	assert.Equal(t, []string{"aes-256-gcm/k1", "aes-256-gcm/k2"}, rotated.Schemes())

	plaintext, err := rotated.Decrypt(stored, []byte("doc-1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("note"), plaintext)

	fresh, err := rotated.Encrypt([]byte("note"), nil)
	require.NoError(t, err)
	scheme, err := SchemeOf(fresh)
	require.NoError(t, err)
	assert.Equal(t, "aes-256-gcm/k2", scheme)

	_, err = old.Decrypt(fresh, nil)
	assert.Error(t, err)
}

func TestNewKeyring_RequiresActiveKey(t *testing.T) {
	_, err := NewKeyring("k3", map[string]string{"k1": "first-key"})
	assert.Error(t, err)
}

func TestHashData(t *testing.T) {
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		HashData(nil))
	assert.NotEqual(t, HashData([]byte("a")), HashData([]byte("b")))
}
