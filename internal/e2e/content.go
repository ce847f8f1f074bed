package e2e

import (
	"bytes"
	"fmt"

	"github.com/TheMichaelB/davsync/internal/crypto"
	"github.com/TheMichaelB/davsync/internal/models"
)

// EncryptContent encrypts file content with a fresh key and nonce. The
// returned blob is ciphertext followed by the tag, the entry carries the
// key material for the folder metadata.
func EncryptContent(plaintext []byte, filename, mimeType string, nonceSize int) ([]byte, *Entry, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, nil, err
	}
	nonce, err := crypto.GenerateNonce(nonceSize)
	if err != nil {
		return nil, nil, err
	}

	ct, tag, err := crypto.EncryptGCM(plaintext, key, nonce)
	if err != nil {
		return nil, nil, fmt.Errorf("encrypt %s: %w", filename, err)
	}

	blob := make([]byte, 0, len(ct)+len(tag))
	blob = append(blob, ct...)
	blob = append(blob, tag...)

	return blob, &Entry{
		Filename: filename,
		MimeType: mimeType,
		Key:      key,
		Nonce:    nonce,
		AuthTag:  tag,
	}, nil
}

// DecryptContent reverses EncryptContent. The trailing tag of the blob must
// match the one recorded in the metadata.
func DecryptContent(blob []byte, entry *Entry) ([]byte, error) {
	if len(blob) < crypto.TagSize {
		return nil, &models.DecryptError{Path: entry.Filename, Reason: "content too short", Err: models.ErrDecryptionFailed}
	}

	split := len(blob) - crypto.TagSize
	tag := blob[split:]
	if len(entry.AuthTag) > 0 && !bytes.Equal(tag, entry.AuthTag) {
		return nil, &models.DecryptError{Path: entry.Filename, Reason: "tag mismatch", Err: models.ErrMetadataInconsistent}
	}

	plain, err := crypto.DecryptGCM(blob[:split], entry.Key, entry.Nonce, tag)
	if err != nil {
		return nil, &models.DecryptError{Path: entry.Filename, Reason: "content", Err: fmt.Errorf("%w: %v", models.ErrDecryptionFailed, err)}
	}
	return plain, nil
}
