package e2e

import (
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/TheMichaelB/davsync/internal/crypto"
	"github.com/TheMichaelB/davsync/internal/models"
)

// Errors
var (
	ErrDuplicateName       = errors.New("encrypted name already present in metadata")
	ErrSharingNotSupported = errors.New("sharing requires metadata version 2")
	ErrUnknownSharee       = errors.New("user is not a recipient of this folder")
)

// Entry is the decrypted record of one encrypted file.
type Entry struct {
	Filename string
	MimeType string
	Key      []byte
	Nonce    []byte
	AuthTag  []byte
}

func (e *Entry) clone() *Entry {
	c := *e
	c.Key = append([]byte(nil), e.Key...)
	c.Nonce = append([]byte(nil), e.Nonce...)
	c.AuthTag = append([]byte(nil), e.AuthTag...)
	return &c
}

// Metadata is the decrypted metadata of one encrypted folder. Mutations are
// in memory only; Manager.SerializeAndUpload publishes them.
type Metadata interface {
	Version() models.E2EVersion
	Counter() int64
	SetCounter(counter int64)

	// LookupByEncryptedName resolves an opaque remote name to its file entry.
	LookupByEncryptedName(encName string) (*Entry, bool)
	// LookupByName finds the encrypted name of a file or folder by its
	// decrypted name.
	LookupByName(name string) (string, bool)
	FolderName(encName string) (string, bool)

	Files() map[string]*Entry
	Folders() map[string]string

	AddFile(encName string, entry *Entry) error
	RemoveFile(encName string)
	AddFolder(encName, name string) error
	RemoveFolder(encName string)

	AddSharee(userID string, cert *x509.Certificate) error
	RemoveSharee(userID string) error

	// NonceSize is the nonce length for file content under this version.
	NonceSize() int
}

// NewMetadata returns an empty metadata object for the given version with
// the key pair owner as sole recipient.
func NewMetadata(v models.E2EVersion, keys *crypto.KeyPair) (Metadata, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate metadata key: %w", err)
	}

	b := base{
		metadataKey: key,
		files:       make(map[string]*Entry),
		folders:     make(map[string]string),
	}

	if v.IsV2() {
		return &metadataV2{
			base:         b,
			keyChecksums: []string{crypto.SHA256Hex(key)},
			users:        map[string]*x509.Certificate{keys.UserID: keys.Certificate},
		}, nil
	}
	if v == models.E2EVersionUnknown {
		return nil, fmt.Errorf("new metadata: %w", models.ErrNotEncrypted)
	}
	return &metadataV1{
		base:    b,
		version: v,
		users:   map[string]*x509.Certificate{keys.UserID: keys.Certificate},
		wrapped: make(map[string]string),
	}, nil
}

// base holds what both schema versions share.
type base struct {
	metadataKey []byte
	files       map[string]*Entry
	folders     map[string]string
}

func (b *base) LookupByEncryptedName(encName string) (*Entry, bool) {
	e, ok := b.files[encName]
	if !ok {
		return nil, false
	}
	return e.clone(), true
}

func (b *base) LookupByName(name string) (string, bool) {
	name = crypto.NormalizeName(name)
	for enc, e := range b.files {
		if crypto.NormalizeName(e.Filename) == name {
			return enc, true
		}
	}
	for enc, n := range b.folders {
		if crypto.NormalizeName(n) == name {
			return enc, true
		}
	}
	return "", false
}

func (b *base) FolderName(encName string) (string, bool) {
	n, ok := b.folders[encName]
	return n, ok
}

func (b *base) Files() map[string]*Entry {
	out := make(map[string]*Entry, len(b.files))
	for k, v := range b.files {
		out[k] = v.clone()
	}
	return out
}

func (b *base) Folders() map[string]string {
	out := make(map[string]string, len(b.folders))
	for k, v := range b.folders {
		out[k] = v
	}
	return out
}

func (b *base) taken(encName string) bool {
	_, f := b.files[encName]
	_, d := b.folders[encName]
	return f || d
}

func (b *base) AddFile(encName string, entry *Entry) error {
	if encName == "" || entry == nil {
		return fmt.Errorf("add file: empty entry")
	}
	if b.taken(encName) {
		return fmt.Errorf("add file %s: %w", encName, ErrDuplicateName)
	}
	b.files[encName] = entry.clone()
	return nil
}

func (b *base) RemoveFile(encName string) {
	delete(b.files, encName)
}

func (b *base) AddFolder(encName, name string) error {
	if encName == "" || name == "" {
		return fmt.Errorf("add folder: empty name")
	}
	if b.taken(encName) {
		return fmt.Errorf("add folder %s: %w", encName, ErrDuplicateName)
	}
	b.folders[encName] = name
	return nil
}

func (b *base) RemoveFolder(encName string) {
	delete(b.folders, encName)
}

// metadataV2 is the counter-guarded schema with a per-user recipient list.
type metadataV2 struct {
	base
	keyChecksums []string
	counter      int64
	deleted      bool
	users        map[string]*x509.Certificate
	filedrop     json.RawMessage
}

func (m *metadataV2) Version() models.E2EVersion { return models.E2EVersionV2_0 }
func (m *metadataV2) Counter() int64             { return m.counter }
func (m *metadataV2) SetCounter(counter int64)   { m.counter = counter }
func (m *metadataV2) NonceSize() int             { return crypto.NonceSize }

func (m *metadataV2) rotateKey() error {
	key, err := crypto.GenerateKey()
	if err != nil {
		return fmt.Errorf("rotate metadata key: %w", err)
	}
	m.metadataKey = key
	return nil
}

func (m *metadataV2) AddSharee(userID string, cert *x509.Certificate) error {
	if _, err := crypto.PublicKey(cert); err != nil {
		return fmt.Errorf("add sharee %s: %w", userID, err)
	}
	if err := m.rotateKey(); err != nil {
		return err
	}
	m.users[userID] = cert
	m.keyChecksums = append(m.keyChecksums, crypto.SHA256Hex(m.metadataKey))
	return nil
}

func (m *metadataV2) RemoveSharee(userID string) error {
	if _, ok := m.users[userID]; !ok {
		return fmt.Errorf("remove sharee %s: %w", userID, ErrUnknownSharee)
	}
	if err := m.rotateKey(); err != nil {
		return err
	}
	delete(m.users, userID)
	m.keyChecksums = []string{crypto.SHA256Hex(m.metadataKey)}
	return nil
}

// Users returns the recipient ids in stable order.
func (m *metadataV2) Users() []string {
	ids := make([]string, 0, len(m.users))
	for id := range m.users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// metadataV1 is the legacy schema. Folders are stored as file entries with
// the directory mime type on the wire.
type metadataV1 struct {
	base
	version models.E2EVersion
	users   map[string]*x509.Certificate

	// wrapped keeps metadata keys of recipients whose certificate is
	// unknown locally.
	wrapped map[string]string
}

func (m *metadataV1) Version() models.E2EVersion { return m.version }
func (m *metadataV1) Counter() int64             { return 0 }
func (m *metadataV1) SetCounter(int64)           {}
func (m *metadataV1) NonceSize() int             { return crypto.LegacyNonceSize }

func (m *metadataV1) AddSharee(string, *x509.Certificate) error {
	return ErrSharingNotSupported
}

func (m *metadataV1) RemoveSharee(string) error {
	return ErrSharingNotSupported
}
