package security

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/giantswarm/github-auth/instrumentation"
)

// KeySize is the AES-256 key length in bytes
const KeySize = 32

// ErrDecrypt is returned when a ciphertext cannot be opened
var ErrDecrypt = errors.New("failed to decrypt")

// Encryptor handles provider token encryption at rest using AES-256-GCM.
// Ciphertexts are base64([nonce][sealed]).
type Encryptor struct {
	aead cipher.AEAD

	mu              sync.RWMutex
	instrumentation *instrumentation.Instrumentation
}

// NewEncryptor creates a new encryptor.
// The key must be exactly 32 bytes for AES-256.
func NewEncryptor(key []byte) (*Encryptor, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be exactly %d bytes for AES-256, got %d", KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Encryptor{aead: gcm}, nil
}

// SetInstrumentation sets OpenTelemetry instrumentation for encryption metrics
func (e *Encryptor) SetInstrumentation(inst *instrumentation.Instrumentation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.instrumentation = inst
}

func (e *Encryptor) record(ctx context.Context, operation string, err error) {
	e.mu.RLock()
	inst := e.instrumentation
	e.mu.RUnlock()
	if inst != nil {
		inst.Metrics().RecordEncryptionOperation(ctx, operation, err)
	}
}

// Encrypt encrypts plaintext using AES-256-GCM.
// Returns base64-encoded ciphertext.
func (e *Encryptor) Encrypt(ctx context.Context, plaintext string) (_ string, err error) {
	defer func() { e.record(ctx, "encrypt", err) }()

	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Seal appends to the nonce slice, producing [nonce][ciphertext]
	ciphertext := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt decrypts base64-encoded ciphertext using AES-256-GCM.
// Tampered or foreign ciphertexts return ErrDecrypt.
func (e *Encryptor) Decrypt(ctx context.Context, encoded string) (_ string, err error) {
	defer func() { e.record(ctx, "decrypt", err) }()

	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: invalid base64: %v", ErrDecrypt, err)
	}

	nonceSize := e.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}

	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}

	return string(plaintext), nil
}

// GenerateKey generates a new 32-byte encryption key for AES-256
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// DeriveKey derives a 32-byte key from a master secret with HKDF-SHA256.
// Distinct info strings yield independent keys from the same secret.
func DeriveKey(secret []byte, info string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("master secret is required")
	}
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

// KeyFromBase64 decodes a base64-encoded encryption key
func KeyFromBase64(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

// KeyToBase64 encodes an encryption key to base64
func KeyToBase64(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}
