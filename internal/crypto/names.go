package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// NormalizeName returns the NFC form of a file name so that names produced
// on different platforms compare equal.
func NormalizeName(name string) string {
	return norm.NFC.String(name)
}

// GenerateEncryptedName returns a fresh opaque file name.
func GenerateEncryptedName() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// SHA256Hex returns the hex SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
