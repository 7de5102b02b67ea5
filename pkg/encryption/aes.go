package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"sort"
)

// Cipher encrypts document blobs at rest. Associated data binds a
// ciphertext to its record so blobs cannot be swapped between documents.
type Cipher interface {
	Encrypt(plaintext, associated []byte) ([]byte, error)
	Decrypt(ciphertext, associated []byte) ([]byte, error)
	Scheme() string
}

const schemePrefix = "aes-256-gcm"

// AESGCM handles 256-bit AES-GCM encryption for a single key version
type AESGCM struct {
	aead   cipher.AEAD
	scheme string
}

// NewAESGCM creates a cipher from a key and its version label. A key that
// decodes from base64 to 32 bytes is used as is; any other non-empty key is
// treated as a passphrase and stretched with SHA-256.
func NewAESGCM(key, version string) (*AESGCM, error) {
	if key == "" {
		return nil, fmt.Errorf("encryption key is required")
	}
	if version == "" {
		return nil, fmt.Errorf("encryption key version is required")
	}
	if len(version) > 200 {
		return nil, fmt.Errorf("encryption key version is too long")
	}

	keyBytes, err := base64.StdEncoding.DecodeString(key)
	if err != nil || len(keyBytes) != 32 {
		sum := sha256.Sum256([]byte(key))
		keyBytes = sum[:]
	}

	block, err := aes.NewCipher(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher block: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &AESGCM{
		aead:   gcm,
		scheme: schemePrefix + "/" + version,
	}, nil
}

// Scheme returns the scheme label recorded with every ciphertext
func (a *AESGCM) Scheme() string {
	return a.scheme
}

// Encrypt seals plaintext. The output is a scheme header followed by the
// nonce and the authenticated ciphertext.
func (a *AESGCM) Encrypt(plaintext, associated []byte) ([]byte, error) {
	nonce := make([]byte, a.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, 1+len(a.scheme)+len(nonce)+len(plaintext)+a.aead.Overhead())
	out = append(out, byte(len(a.scheme)))
	out = append(out, a.scheme...)
	out = append(out, nonce...)
	return a.aead.Seal(out, nonce, plaintext, associated), nil
}

// Decrypt opens a ciphertext produced by Encrypt with the same key version
func (a *AESGCM) Decrypt(ciphertext, associated []byte) ([]byte, error) {
	scheme, body, err := splitHeader(ciphertext)
	if err != nil {
		return nil, err
	}
	if scheme != a.scheme {
		return nil, fmt.Errorf("ciphertext scheme %s does not match key %s", scheme, a.scheme)
	}

	nonceSize := a.aead.NonceSize()
	if len(body) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := body[:nonceSize], body[nonceSize:]

	plaintext, err := a.aead.Open(nil, nonce, sealed, associated)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// SchemeOf reads the scheme label from a ciphertext header
func SchemeOf(ciphertext []byte) (string, error) {
	scheme, _, err := splitHeader(ciphertext)
	return scheme, err
}

func splitHeader(ciphertext []byte) (string, []byte, error) {
	if len(ciphertext) == 0 {
		return "", nil, fmt.Errorf("ciphertext is empty")
	}
	n := int(ciphertext[0])
	if n == 0 || len(ciphertext) < 1+n {
		return "", nil, fmt.Errorf("ciphertext header is truncated")
	}
	return string(ciphertext[1 : 1+n]), ciphertext[1+n:], nil
}

// Keyring encrypts with the active key and decrypts with whichever key
// version a ciphertext names, so keys can be rotated without re-encrypting
// stored documents.
type Keyring struct {
	active *AESGCM
	keys   map[string]*AESGCM
}

// NewKeyring builds a keyring. keys maps version labels to keys and must
// contain the active version.
func NewKeyring(activeVersion string, keys map[string]string) (*Keyring, error) {
	if _, ok := keys[activeVersion]; !ok {
		return nil, fmt.Errorf("active key version %q is not in the keyring", activeVersion)
	}

	kr := &Keyring{keys: make(map[string]*AESGCM, len(keys))}
	for version, key := range keys {
		c, err := NewAESGCM(key, version)
		if err != nil {
			return nil, fmt.Errorf("key version %s: %w", version, err)
		}
		kr.keys[c.Scheme()] = c
		if version == activeVersion {
			kr.active = c
		}
	}
	return kr, nil
}

// Scheme returns the scheme of the active key
func (k *Keyring) Scheme() string {
	return k.active.Scheme()
}

// Schemes lists every scheme the keyring can decrypt
func (k *Keyring) Schemes() []string {
	out := make([]string, 0, len(k.keys))
	for scheme := range k.keys {
		out = append(out, scheme)
	}
	sort.Strings(out)
	return out
}

// Encrypt seals with the active key
func (k *Keyring) Encrypt(plaintext, associated []byte) ([]byte, error) {
	return k.active.Encrypt(plaintext, associated)
}

// Decrypt opens with the key version named in the ciphertext header
func (k *Keyring) Decrypt(ciphertext, associated []byte) ([]byte, error) {
	scheme, err := SchemeOf(ciphertext)
	if err != nil {
		return nil, err
	}
	c, ok := k.keys[scheme]
	if !ok {
		return nil, fmt.Errorf("no key loaded for scheme %s", scheme)
	}
	return c.Decrypt(ciphertext, associated)
}

// GenerateKey generates a new base64-encoded 256-bit key
func GenerateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// HashData returns the hex SHA-256 digest of data
func HashData(data []byte) string {
	hash := sha256.Sum256(data)
	return fmt.Sprintf("%x", hash)
}
