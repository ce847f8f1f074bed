package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// KeySize is the AES-128 key size used for file and metadata keys.
	KeySize = 16

	// NonceSize is the GCM nonce size for v2 metadata and file content.
	NonceSize = 12

	// LegacyNonceSize is the IV size used by v1 metadata.
	LegacyNonceSize = 16

	// TagSize is the GCM authentication tag size.
	TagSize = 16
)

// Errors
var (
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrInvalidKey        = errors.New("invalid key size")
	ErrDecryptionFailed  = errors.New("decryption failed")
)

// GenerateKey returns a random AES key.
func GenerateKey() ([]byte, error) {
	return randomBytes(KeySize)
}

// GenerateNonce returns a random nonce of the given size.
func GenerateNonce(size int) ([]byte, error) {
	return randomBytes(size)
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("read random: %w", err)
	}
	return b, nil
}

func newAEAD(key []byte, nonceSize int) (cipher.AEAD, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}

// EncryptGCM encrypts plaintext and returns ciphertext and tag separately.
func EncryptGCM(plaintext, key, nonce []byte) (ciphertext, tag []byte, err error) {
	aead, err := newAEAD(key, len(nonce))
	if err != nil {
		return nil, nil, err
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)
	split := len(sealed) - TagSize
	return sealed[:split], sealed[split:], nil
}

// DecryptGCM verifies tag and decrypts ciphertext.
func DecryptGCM(ciphertext, key, nonce, tag []byte) ([]byte, error) {
	if len(tag) != TagSize {
		return nil, ErrInvalidCiphertext
	}

	aead, err := newAEAD(key, len(nonce))
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(ciphertext)+TagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// SealString encrypts plaintext with a fresh nonce and encodes the result
// as "base64(ciphertext||tag)|base64(nonce)".
func SealString(plaintext, key []byte, nonceSize int) (string, error) {
	nonce, err := GenerateNonce(nonceSize)
	if err != nil {
		return "", err
	}

	ct, tag, err := EncryptGCM(plaintext, key, nonce)
	if err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(append(ct, tag...)) + "|" +
		base64.StdEncoding.EncodeToString(nonce), nil
}

// OpenString reverses SealString.
func OpenString(sealed string, key []byte) ([]byte, error) {
	parts := strings.Split(sealed, "|")
	if len(parts) < 2 {
		return nil, ErrInvalidCiphertext
	}

	data, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	if len(data) < TagSize {
		return nil, ErrInvalidCiphertext
	}

	split := len(data) - TagSize
	return DecryptGCM(data[:split], key, nonce, data[split:])
}
