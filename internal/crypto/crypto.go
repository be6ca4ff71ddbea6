// Package crypto seals session documents at rest. A Sealer serializes the
// session, encrypts it with AES-GCM under a key derived from the operator
// passphrase, and reverses the process on load. Ciphertexts are
// base64-encoded with the nonce prefixed, so a sealed document is an opaque
// string to the store.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/ismaeldosil/valerie-gateway/internal/domain"
)

var (
	ErrEmptyPassphrase = errors.New("session encryption passphrase is empty")
	ErrSealedDocument  = errors.New("sealed session document is malformed")
)

// Sealer encrypts and decrypts session documents. The AEAD is constructed
// once; Sealer is safe for concurrent use.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives a 256-bit key from the passphrase by SHA-256 and builds
// the AEAD. The passphrase must be non-empty; key strength is the
// operator's responsibility.
func NewSealer(passphrase string) (*Sealer, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	key := sha256.Sum256([]byte(passphrase))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead}, nil
}

// Seal serializes the session and encrypts it under a fresh nonce.
func (s *Sealer) Seal(sess *domain.Session) (string, error) {
	plaintext, err := json.Marshal(sess)
	if err != nil {
		return "", fmt.Errorf("marshal session: %w", err)
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := s.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a sealed document and deserializes the session. A document
// sealed under a different passphrase, or tampered with, fails
// authentication.
func (s *Sealer) Open(sealed string) (*domain.Session, error) {
	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, ErrSealedDocument
	}

	nonceSize := s.aead.NonceSize()
	if len(data) < nonceSize {
		return nil, ErrSealedDocument
	}

	plaintext, err := s.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("open sealed session: %w", err)
	}

	var sess domain.Session
	if err := json.Unmarshal(plaintext, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &sess, nil
}
