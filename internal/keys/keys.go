// Package keys generates per-file symmetric keys and wraps them so the raw
// key never touches the ledger. Three wrap modes exist: the default wraps
// under a process-wide master key, the hybrid mode wraps under a recipient
// RSA public key so only the matching private key can unwrap, and the
// password mode wraps under a key derived from an uploader-chosen password.
package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

// KeySize is the per-file symmetric key length in bytes.
const KeySize = 32

// ErrKeyUnwrap is returned when a wrapped key cannot be recovered: wrong
// credentials, truncated material, or a tampered ciphertext.
var ErrKeyUnwrap = errors.New("key unwrap failed")

// Wrap mode markers, first byte of every wrapped key.
const (
	modeMaster   byte = 0x01
	modeHybrid   byte = 0x02
	modePassword byte = 0x03
)

// minRSABits rejects recipient keys too small to be worth wrapping under.
const minRSABits = 2048

// PBKDF2 parameters for password-mode wraps. The salt travels inside the
// wrapped key, so these only change together with a new mode byte.
const (
	pbkdf2Iterations = 100_000
	passwordSaltSize = 16
)

// Credentials carries what a redeemer presents to unwrap a key. Only the
// field matching the wrap mode is consulted.
type Credentials struct {
	// PrivateKey unwraps hybrid-wrapped keys.
	PrivateKey *rsa.PrivateKey
	// Password unwraps password-wrapped keys.
	Password string
}

// Manager wraps and unwraps per-file keys. It performs no I/O.
type Manager struct {
	masterKey [32]byte
}

// NewManager derives the process master key from the configured key
// material.
func NewManager(masterKeyMaterial string) (*Manager, error) {
	if masterKeyMaterial == "" {
		return nil, errors.New("master key material is empty")
	}
	return &Manager{masterKey: sha256.Sum256([]byte(masterKeyMaterial))}, nil
}

// Generate produces a fresh 256-bit key and its master-wrapped form.
func (m *Manager) Generate() (raw []byte, wrapped []byte, err error) {
	raw = make([]byte, KeySize)
	if _, err := rand.Read(raw); err != nil {
		return nil, nil, err
	}
	wrapped, err = m.wrapMaster(raw)
	if err != nil {
		return nil, nil, err
	}
	return raw, wrapped, nil
}

// GenerateFor produces a fresh key wrapped for a specific recipient with
// RSA-OAEP(SHA-256). Only the holder of the matching private key can
// unwrap it; the server cannot.
func (m *Manager) GenerateFor(recipient *rsa.PublicKey) (raw []byte, wrapped []byte, err error) {
	if recipient == nil {
		return m.Generate()
	}
	if recipient.N.BitLen() < minRSABits {
		return nil, nil, fmt.Errorf("recipient key too small: %d bits", recipient.N.BitLen())
	}
	raw = make([]byte, KeySize)
	if _, err := rand.Read(raw); err != nil {
		return nil, nil, err
	}
	ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, recipient, raw, nil)
	if err != nil {
		return nil, nil, err
	}
	return raw, append([]byte{modeHybrid}, ct...), nil
}

// GenerateWithPassword produces a fresh key wrapped under a key derived
// from the password with PBKDF2-HMAC-SHA256. The salt travels inside the
// wrapped form, so the password alone unwraps it; the server cannot.
func (m *Manager) GenerateWithPassword(password string) (raw []byte, wrapped []byte, err error) {
	if password == "" {
		return nil, nil, errors.New("password is empty")
	}
	raw = make([]byte, KeySize)
	if _, err := rand.Read(raw); err != nil {
		return nil, nil, err
	}
	wrapped, err = wrapPassword(raw, password)
	if err != nil {
		return nil, nil, err
	}
	return raw, wrapped, nil
}

// Unwrap recovers the raw key from a wrapped key. The mode byte selects
// which credential is required; master-wrapped keys need none. Every
// failure surfaces as ErrKeyUnwrap; the raw key is never logged.
func (m *Manager) Unwrap(wrapped []byte, creds Credentials) ([]byte, error) {
	if len(wrapped) < 2 {
		return nil, ErrKeyUnwrap
	}
	switch wrapped[0] {
	case modeMaster:
		return m.unwrapMaster(wrapped[1:])
	case modeHybrid:
		if creds.PrivateKey == nil {
			return nil, fmt.Errorf("%w: recipient private key required", ErrKeyUnwrap)
		}
		raw, err := rsa.DecryptOAEP(sha256.New(), nil, creds.PrivateKey, wrapped[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyUnwrap, err)
		}
		if len(raw) != KeySize {
			return nil, ErrKeyUnwrap
		}
		return raw, nil
	case modePassword:
		if creds.Password == "" {
			return nil, fmt.Errorf("%w: password required", ErrKeyUnwrap)
		}
		return unwrapPassword(wrapped[1:], creds.Password)
	default:
		return nil, ErrKeyUnwrap
	}
}

func (m *Manager) wrapMaster(raw []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(m.masterKey[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+len(nonce)+len(raw)+aead.Overhead())
	out = append(out, modeMaster)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, raw, nil), nil
}

func (m *Manager) unwrapMaster(body []byte) ([]byte, error) {
	if len(body) < chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, ErrKeyUnwrap
	}
	aead, err := chacha20poly1305.NewX(m.masterKey[:])
	if err != nil {
		return nil, err
	}
	nonce := body[:chacha20poly1305.NonceSizeX]
	raw, err := aead.Open(nil, nonce, body[chacha20poly1305.NonceSizeX:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnwrap, err)
	}
	if len(raw) != KeySize {
		return nil, ErrKeyUnwrap
	}
	return raw, nil
}

func wrapPassword(raw []byte, password string) ([]byte, error) {
	salt := make([]byte, passwordSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(deriveKEK(password, salt))
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+len(salt)+len(nonce)+len(raw)+aead.Overhead())
	out = append(out, modePassword)
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, raw, nil), nil
}

func unwrapPassword(body []byte, password string) ([]byte, error) {
	if len(body) < passwordSaltSize+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, ErrKeyUnwrap
	}
	salt := body[:passwordSaltSize]
	aead, err := chacha20poly1305.NewX(deriveKEK(password, salt))
	if err != nil {
		return nil, err
	}
	nonce := body[passwordSaltSize : passwordSaltSize+chacha20poly1305.NonceSizeX]
	raw, err := aead.Open(nil, nonce, body[passwordSaltSize+chacha20poly1305.NonceSizeX:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnwrap, err)
	}
	if len(raw) != KeySize {
		return nil, ErrKeyUnwrap
	}
	return raw, nil
}

func deriveKEK(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, KeySize, sha256.New)
}
