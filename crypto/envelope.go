// Package crypto implements the envelope encryption primitive the Key
// Manager uses to protect provider credential material at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
)

const envelopeVersionPrefix = "v1:"

// keyInfo is the HKDF-style context label mixed into every derived key so
// that material encrypted for a different purpose can never be decrypted
// under this one, even if the master key is shared.
const keyInfo = "router.keymanager.material"

// EnvelopeService derives a per-subject data-encryption key from a single
// master key and uses it to seal/open key material with AES-256-GCM. The
// subject (typically the key id) is bound into both the derivation and the
// GCM additional data, so ciphertext cannot be replayed under another id.
type EnvelopeService struct {
	masterKey []byte
}

// NewEnvelopeService builds a service around a 32-byte master key.
func NewEnvelopeService(masterKey []byte) (*EnvelopeService, error) {
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("envelope: master key must be 32 bytes, got %d", len(masterKey))
	}
	return &EnvelopeService{masterKey: masterKey}, nil
}

func (s *EnvelopeService) deriveKey(subject []byte) []byte {
	mac := hmac.New(sha256.New, s.masterKey)
	_, _ = mac.Write([]byte(keyInfo))
	_, _ = mac.Write([]byte{0})
	_, _ = mac.Write(subject)
	return mac.Sum(nil)
}

func additionalData(subject []byte) []byte {
	aad := make([]byte, 0, len(keyInfo)+1+len(subject))
	aad = append(aad, keyInfo...)
	aad = append(aad, 0)
	aad = append(aad, subject...)
	return aad
}

// Encrypt seals plaintext material under a key derived for subject
// (normally the key id). The result is ASCII-safe: "v1:" followed by
// base64url(nonce || ciphertext).
func (s *EnvelopeService) Encrypt(subject []byte, plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("envelope: empty plaintext")
	}

	aead, err := s.aeadFor(subject)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("envelope: read nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, plaintext, additionalData(subject))

	buf := make([]byte, 0, len(nonce)+len(ciphertext))
	buf = append(buf, nonce...)
	buf = append(buf, ciphertext...)

	encoded := base64.RawURLEncoding.EncodeToString(buf)
	return []byte(envelopeVersionPrefix + encoded), nil
}

// Decrypt opens ciphertext previously produced by Encrypt for the same
// subject. A wrong subject or a tampered ciphertext fails authentication
// and neither leaks nor partially returns plaintext.
func (s *EnvelopeService) Decrypt(subject []byte, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("envelope: empty ciphertext")
	}

	encoded := strings.TrimPrefix(strings.TrimSpace(string(ciphertext)), envelopeVersionPrefix)
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("envelope: decode ciphertext: %w", err)
	}

	aead, err := s.aeadFor(subject)
	if err != nil {
		return nil, err
	}

	if len(raw) < aead.NonceSize() {
		return nil, fmt.Errorf("envelope: ciphertext too short")
	}

	nonce := raw[:aead.NonceSize()]
	body := raw[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, body, additionalData(subject))
	if err != nil {
		return nil, fmt.Errorf("envelope: decrypt: %w", err)
	}
	return plaintext, nil
}

func (s *EnvelopeService) aeadFor(subject []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.deriveKey(subject))
	if err != nil {
		return nil, fmt.Errorf("envelope: new cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
