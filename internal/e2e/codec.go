package e2e

import (
	"bytes"
	"compress/gzip"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/TheMichaelB/davsync/internal/crypto"
	"github.com/TheMichaelB/davsync/internal/models"
)

var b64 = base64.StdEncoding

type v2Document struct {
	Metadata v2Ciphertext    `json:"metadata"`
	Users    []v2User        `json:"users"`
	Filedrop json.RawMessage `json:"filedrop,omitempty"`
	Version  string          `json:"version"`
}

type v2Ciphertext struct {
	Ciphertext        string `json:"ciphertext"`
	Nonce             string `json:"nonce"`
	AuthenticationTag string `json:"authenticationTag"`
}

type v2User struct {
	UserID               string `json:"userId"`
	Certificate          string `json:"certificate"`
	EncryptedMetadataKey string `json:"encryptedMetadataKey"`
}

type v2Content struct {
	KeyChecksums []string          `json:"keyChecksums"`
	Deleted      bool              `json:"deleted"`
	Counter      int64             `json:"counter"`
	Folders      map[string]string `json:"folders"`
	Files        map[string]v2File `json:"files"`
}

type v2File struct {
	Filename          string `json:"filename"`
	MimeType          string `json:"mimetype"`
	Key               string `json:"key"`
	Nonce             string `json:"nonce"`
	AuthenticationTag string `json:"authenticationTag"`
}

type v1Document struct {
	Metadata v1Header          `json:"metadata"`
	Files    map[string]v1File `json:"files"`
}

type v1Header struct {
	MetadataKeys map[string]string `json:"metadataKeys"`
	Version      version           `json:"version"`
	Checksum     string            `json:"checksum,omitempty"`
}

type v1File struct {
	Encrypted            string `json:"encrypted"`
	InitializationVector string `json:"initializationVector"`
	AuthenticationTag    string `json:"authenticationTag"`
	MetadataKey          int    `json:"metadataKey"`
}

type v1Encrypted struct {
	Key      string `json:"key"`
	Filename string `json:"filename"`
	MimeType string `json:"mimetype"`
}

// version accepts both "1.2" and 1.2 on the wire.
type version string

func (v *version) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*v = ""
		return nil
	}
	*v = version(strings.Trim(string(data), `"`))
	return nil
}

func inconsistent(reason string, err error) error {
	if err == nil {
		return &models.DecryptError{Reason: reason, Err: models.ErrMetadataInconsistent}
	}
	return &models.DecryptError{Reason: reason, Err: fmt.Errorf("%w: %v", models.ErrMetadataInconsistent, err)}
}

// Decode decrypts a raw metadata document with the given key pair. The
// schema is picked from the document itself.
func Decode(raw string, keys *crypto.KeyPair) (Metadata, error) {
	var head struct {
		Version version `json:"version"`
	}
	if err := json.Unmarshal([]byte(raw), &head); err != nil {
		return nil, inconsistent("parse document", err)
	}

	if head.Version != "" {
		v, err := models.ParseE2EVersion(string(head.Version))
		if err != nil {
			return nil, inconsistent("document version", err)
		}
		if v.IsV2() {
			return decodeV2(raw, keys)
		}
	}
	return decodeV1(raw, keys)
}

// Encode encrypts metadata into its wire document.
func Encode(md Metadata) (string, error) {
	switch m := md.(type) {
	case *metadataV2:
		return encodeV2(m)
	case *metadataV1:
		return encodeV1(m)
	default:
		return "", fmt.Errorf("encode metadata: unsupported type %T", md)
	}
}

func decodeV2(raw string, keys *crypto.KeyPair) (*metadataV2, error) {
	var doc v2Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, inconsistent("parse v2 document", err)
	}

	m := &metadataV2{
		base: base{
			files:   make(map[string]*Entry),
			folders: make(map[string]string),
		},
		users:    make(map[string]*x509.Certificate, len(doc.Users)),
		filedrop: doc.Filedrop,
	}

	var wrapped string
	for _, u := range doc.Users {
		cert, err := crypto.ParseCertificatePEM([]byte(u.Certificate))
		if err != nil {
			return nil, inconsistent("certificate of "+u.UserID, err)
		}
		m.users[u.UserID] = cert
		if u.UserID == keys.UserID {
			wrapped = u.EncryptedMetadataKey
		}
	}
	if wrapped == "" {
		return nil, inconsistent("no metadata key for "+keys.UserID, nil)
	}

	key, err := unwrap(keys, wrapped)
	if err != nil {
		return nil, err
	}
	m.metadataKey = key

	ct, err1 := b64.DecodeString(doc.Metadata.Ciphertext)
	nonce, err2 := b64.DecodeString(doc.Metadata.Nonce)
	tag, err3 := b64.DecodeString(doc.Metadata.AuthenticationTag)
	if err1 != nil || err2 != nil || err3 != nil {
		return nil, inconsistent("decode ciphertext", nil)
	}

	compressed, err := crypto.DecryptGCM(ct, key, nonce, tag)
	if err != nil {
		return nil, &models.DecryptError{Reason: "metadata ciphertext", Err: fmt.Errorf("%w: %v", models.ErrDecryptionFailed, err)}
	}
	plain, err := gunzip(compressed)
	if err != nil {
		return nil, inconsistent("decompress metadata", err)
	}

	var content v2Content
	if err := json.Unmarshal(plain, &content); err != nil {
		return nil, inconsistent("parse metadata content", err)
	}

	checksum := crypto.SHA256Hex(key)
	found := false
	for _, c := range content.KeyChecksums {
		if c == checksum {
			found = true
			break
		}
	}
	if !found {
		return nil, inconsistent("metadata key checksum", nil)
	}

	m.keyChecksums = content.KeyChecksums
	m.counter = content.Counter
	m.deleted = content.Deleted
	for enc, name := range content.Folders {
		m.folders[enc] = name
	}
	for enc, f := range content.Files {
		e, err := decodeEntry(f.Filename, f.MimeType, f.Key, f.Nonce, f.AuthenticationTag)
		if err != nil {
			return nil, err
		}
		m.files[enc] = e
	}
	return m, nil
}

func encodeV2(m *metadataV2) (string, error) {
	content := v2Content{
		KeyChecksums: m.keyChecksums,
		Deleted:      m.deleted,
		Counter:      m.counter,
		Folders:      m.folders,
		Files:        make(map[string]v2File, len(m.files)),
	}
	for enc, e := range m.files {
		content.Files[enc] = v2File{
			Filename:          e.Filename,
			MimeType:          e.MimeType,
			Key:               b64.EncodeToString(e.Key),
			Nonce:             b64.EncodeToString(e.Nonce),
			AuthenticationTag: b64.EncodeToString(e.AuthTag),
		}
	}

	plain, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("marshal metadata content: %w", err)
	}
	compressed, err := gzipBytes(plain)
	if err != nil {
		return "", err
	}

	nonce, err := crypto.GenerateNonce(crypto.NonceSize)
	if err != nil {
		return "", err
	}
	ct, tag, err := crypto.EncryptGCM(compressed, m.metadataKey, nonce)
	if err != nil {
		return "", fmt.Errorf("encrypt metadata: %w", err)
	}

	doc := v2Document{
		Metadata: v2Ciphertext{
			Ciphertext:        b64.EncodeToString(ct),
			Nonce:             b64.EncodeToString(nonce),
			AuthenticationTag: b64.EncodeToString(tag),
		},
		Filedrop: m.filedrop,
		Version:  string(models.E2EVersionV2_0),
	}
	if len(doc.Filedrop) == 0 {
		doc.Filedrop = json.RawMessage("{}")
	}

	for _, id := range m.Users() {
		cert := m.users[id]
		wrapped, err := wrap(cert, m.metadataKey)
		if err != nil {
			return "", fmt.Errorf("wrap metadata key for %s: %w", id, err)
		}
		doc.Users = append(doc.Users, v2User{
			UserID:               id,
			Certificate:          string(crypto.EncodeCertificatePEM(cert)),
			EncryptedMetadataKey: wrapped,
		})
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(out), nil
}

func decodeV1(raw string, keys *crypto.KeyPair) (*metadataV1, error) {
	var doc v1Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, inconsistent("parse v1 document", err)
	}

	v := models.E2EVersionV1_0
	if doc.Metadata.Version != "" {
		parsed, err := models.ParseE2EVersion(string(doc.Metadata.Version))
		if err != nil {
			return nil, inconsistent("document version", err)
		}
		v = parsed
	}

	wrapped, ok := doc.Metadata.MetadataKeys[keys.UserID]
	if !ok {
		return nil, inconsistent("no metadata key for "+keys.UserID, nil)
	}
	key, err := unwrap(keys, wrapped)
	if err != nil {
		return nil, err
	}

	m := &metadataV1{
		base: base{
			metadataKey: key,
			files:       make(map[string]*Entry),
			folders:     make(map[string]string),
		},
		version: v,
		users:   map[string]*x509.Certificate{keys.UserID: keys.Certificate},
		wrapped: make(map[string]string),
	}
	for id, w := range doc.Metadata.MetadataKeys {
		if id != keys.UserID {
			m.wrapped[id] = w
		}
	}

	names := make([]string, 0, len(doc.Files))
	for enc := range doc.Files {
		names = append(names, enc)
	}
	if doc.Metadata.Checksum != "" || v == models.E2EVersionV1_2 {
		if doc.Metadata.Checksum != v1Checksum(names, key) {
			return nil, inconsistent("metadata checksum", nil)
		}
	}

	for enc, f := range doc.Files {
		plain, err := crypto.OpenString(f.Encrypted, key)
		if err != nil {
			return nil, &models.DecryptError{Path: enc, Reason: "file entry", Err: fmt.Errorf("%w: %v", models.ErrDecryptionFailed, err)}
		}
		var inner v1Encrypted
		if err := json.Unmarshal(plain, &inner); err != nil {
			return nil, inconsistent("parse file entry", err)
		}

		if inner.MimeType == models.MimeTypeDirectory {
			m.folders[enc] = inner.Filename
			continue
		}
		e, err := decodeEntry(inner.Filename, inner.MimeType, inner.Key, f.InitializationVector, f.AuthenticationTag)
		if err != nil {
			return nil, err
		}
		m.files[enc] = e
	}
	return m, nil
}

func encodeV1(m *metadataV1) (string, error) {
	doc := v1Document{
		Metadata: v1Header{
			MetadataKeys: make(map[string]string, len(m.users)+len(m.wrapped)),
			Version:      version(m.version),
		},
		Files: make(map[string]v1File, len(m.files)+len(m.folders)),
	}

	for id, w := range m.wrapped {
		doc.Metadata.MetadataKeys[id] = w
	}
	for id, cert := range m.users {
		w, err := wrap(cert, m.metadataKey)
		if err != nil {
			return "", fmt.Errorf("wrap metadata key for %s: %w", id, err)
		}
		doc.Metadata.MetadataKeys[id] = w
	}

	seal := func(inner v1Encrypted) (string, error) {
		plain, err := json.Marshal(inner)
		if err != nil {
			return "", err
		}
		return crypto.SealString(plain, m.metadataKey, crypto.LegacyNonceSize)
	}

	for enc, e := range m.files {
		sealed, err := seal(v1Encrypted{Key: b64.EncodeToString(e.Key), Filename: e.Filename, MimeType: e.MimeType})
		if err != nil {
			return "", fmt.Errorf("encrypt entry %s: %w", enc, err)
		}
		doc.Files[enc] = v1File{
			Encrypted:            sealed,
			InitializationVector: b64.EncodeToString(e.Nonce),
			AuthenticationTag:    b64.EncodeToString(e.AuthTag),
		}
	}
	for enc, name := range m.folders {
		sealed, err := seal(v1Encrypted{Filename: name, MimeType: models.MimeTypeDirectory})
		if err != nil {
			return "", fmt.Errorf("encrypt entry %s: %w", enc, err)
		}
		doc.Files[enc] = v1File{Encrypted: sealed}
	}

	names := make([]string, 0, len(doc.Files))
	for enc := range doc.Files {
		names = append(names, enc)
	}
	doc.Metadata.Checksum = v1Checksum(names, m.metadataKey)

	out, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(out), nil
}

// v1Checksum hashes the sorted encrypted names followed by the base64
// metadata key.
func v1Checksum(names []string, key []byte) string {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	return crypto.SHA256Hex([]byte(strings.Join(sorted, "") + b64.EncodeToString(key)))
}

func decodeEntry(filename, mimeType, key, nonce, tag string) (*Entry, error) {
	e := &Entry{Filename: filename, MimeType: mimeType}
	var err error
	if e.Key, err = b64.DecodeString(key); err != nil {
		return nil, inconsistent("entry key of "+filename, err)
	}
	if e.Nonce, err = b64.DecodeString(nonce); err != nil {
		return nil, inconsistent("entry nonce of "+filename, err)
	}
	if e.AuthTag, err = b64.DecodeString(tag); err != nil {
		return nil, inconsistent("entry tag of "+filename, err)
	}
	if len(e.Key) != crypto.KeySize {
		return nil, inconsistent("entry key size of "+filename, nil)
	}
	return e, nil
}

func wrap(cert *x509.Certificate, key []byte) (string, error) {
	pub, err := crypto.PublicKey(cert)
	if err != nil {
		return "", err
	}
	w, err := crypto.WrapKey(pub, key)
	if err != nil {
		return "", err
	}
	return b64.EncodeToString(w), nil
}

func unwrap(keys *crypto.KeyPair, wrapped string) ([]byte, error) {
	raw, err := b64.DecodeString(wrapped)
	if err != nil {
		return nil, inconsistent("decode metadata key", err)
	}
	key, err := crypto.UnwrapKey(keys.PrivateKey, raw)
	if err != nil {
		return nil, &models.DecryptError{Reason: "unwrap metadata key", Err: fmt.Errorf("%w: %v", models.ErrDecryptionFailed, err)}
	}
	return key, nil
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("compress metadata: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress metadata: %w", err)
	}
	return buf.Bytes(), nil
}

func gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
