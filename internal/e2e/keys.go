package e2e

import (
	"context"
	"fmt"
	"os"

	"github.com/TheMichaelB/davsync/internal/config"
	"github.com/TheMichaelB/davsync/internal/crypto"
)

// KeySource fetches key material stored on the server.
type KeySource interface {
	GetPrivateKey(ctx context.Context) (string, error)
	GetPublicKey(ctx context.Context, user string) (string, error)
}

// LoadKeys returns the account key pair. Local PEM files win; a missing
// private key file means the server copy is fetched and unlocked with the
// mnemonic.
func LoadKeys(ctx context.Context, src KeySource, user string, cfg config.E2EConfig) (*crypto.KeyPair, error) {
	if cfg.CertificateFile != "" && cfg.PrivateKeyFile != "" {
		return crypto.LoadKeyPair(user, cfg.CertificateFile, cfg.PrivateKeyFile)
	}

	var certPEM []byte
	if cfg.CertificateFile != "" {
		data, err := os.ReadFile(cfg.CertificateFile)
		if err != nil {
			return nil, fmt.Errorf("read certificate: %w", err)
		}
		certPEM = data
	} else {
		data, err := src.GetPublicKey(ctx, user)
		if err != nil {
			return nil, fmt.Errorf("load keys: %w", err)
		}
		certPEM = []byte(data)
	}
	cert, err := crypto.ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, fmt.Errorf("load keys: %w", err)
	}

	if cfg.Mnemonic == "" {
		return nil, fmt.Errorf("load keys: mnemonic required to unlock the server private key")
	}
	encrypted, err := src.GetPrivateKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("load keys: %w", err)
	}
	key, err := crypto.DecryptPrivateKey(encrypted, cfg.Mnemonic)
	if err != nil {
		return nil, fmt.Errorf("unlock private key: %w", err)
	}

	return crypto.NewKeyPair(user, cert, key)
}
