package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// PrivateKeyIterations is the PBKDF2 work factor protecting the
	// server-stored private key.
	PrivateKeyIterations = 600000

	// PrivateKeySaltSize is the salt length for private key protection.
	PrivateKeySaltSize = 40

	privateKeyDerivedSize = 32
)

// KeyPair is the account key material used for folder metadata.
type KeyPair struct {
	UserID      string
	Certificate *x509.Certificate
	PrivateKey  *rsa.PrivateKey
}

// CertificatePEM returns the certificate encoded as PEM.
func (k *KeyPair) CertificatePEM() string {
	return string(EncodeCertificatePEM(k.Certificate))
}

// LoadKeyPair reads a PEM certificate and private key from disk.
func LoadKeyPair(userID, certFile, keyFile string) (*KeyPair, error) {
	certData, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}
	cert, err := ParseCertificatePEM(certData)
	if err != nil {
		return nil, err
	}

	keyData, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	key, err := ParsePrivateKeyPEM(keyData)
	if err != nil {
		return nil, err
	}

	return NewKeyPair(userID, cert, key)
}

// NewKeyPair validates that cert and key belong together.
func NewKeyPair(userID string, cert *x509.Certificate, key *rsa.PrivateKey) (*KeyPair, error) {
	pub, err := PublicKey(cert)
	if err != nil {
		return nil, err
	}
	if !pub.Equal(&key.PublicKey) {
		return nil, fmt.Errorf("private key does not match certificate for %s", userID)
	}
	return &KeyPair{UserID: userID, Certificate: cert, PrivateKey: key}, nil
}

// GenerateKeyPair creates an RSA key and a self-signed certificate whose
// common name is the user id.
func GenerateKeyPair(userID string, bits int) (*KeyPair, error) {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: userID},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(10, 0, 0),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}

	return &KeyPair{UserID: userID, Certificate: cert, PrivateKey: key}, nil
}

// normalizeMnemonic strips spaces and lowercases the recovery words.
func normalizeMnemonic(mnemonic string) string {
	return strings.ToLower(strings.Join(strings.Fields(mnemonic), ""))
}

func derivePrivateKeyKey(mnemonic string, salt []byte) []byte {
	return pbkdf2.Key([]byte(normalizeMnemonic(mnemonic)), salt, PrivateKeyIterations, privateKeyDerivedSize, sha256.New)
}

// EncryptPrivateKey protects a PEM private key with the mnemonic. The
// result is "base64(ciphertext||tag)|base64(iv)|base64(salt)".
func EncryptPrivateKey(keyPEM []byte, mnemonic string) (string, error) {
	salt, err := randomBytes(PrivateKeySaltSize)
	if err != nil {
		return "", err
	}
	iv, err := GenerateNonce(LegacyNonceSize)
	if err != nil {
		return "", err
	}

	ct, tag, err := EncryptGCM(keyPEM, derivePrivateKeyKey(mnemonic, salt), iv)
	if err != nil {
		return "", err
	}

	enc := base64.StdEncoding
	return enc.EncodeToString(append(ct, tag...)) + "|" + enc.EncodeToString(iv) + "|" + enc.EncodeToString(salt), nil
}

// DecryptPrivateKey unlocks a private key stored by EncryptPrivateKey.
func DecryptPrivateKey(encrypted, mnemonic string) (*rsa.PrivateKey, error) {
	parts := strings.Split(encrypted, "|")
	if len(parts) != 3 {
		return nil, ErrInvalidCiphertext
	}

	enc := base64.StdEncoding
	data, err := enc.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	iv, err := enc.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("decode iv: %w", err)
	}
	salt, err := enc.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("decode salt: %w", err)
	}
	if len(data) < TagSize {
		return nil, ErrInvalidCiphertext
	}

	split := len(data) - TagSize
	keyPEM, err := DecryptGCM(data[:split], derivePrivateKeyKey(mnemonic, salt), iv, data[split:])
	if err != nil {
		return nil, fmt.Errorf("unlock private key: %w", err)
	}
	return ParsePrivateKeyPEM(keyPEM)
}
