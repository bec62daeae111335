// Package vault provides AES-256-GCM encryption/decryption for credentials at rest
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/scrypt"
)

// EnvEncryptionKey names the environment variable holding the master key.
const EnvEncryptionKey = "ENCRYPTION_KEY"

// scrypt parameters are fixed so ciphertext written by any component of the
// stack (including the GUI backend) decrypts with the same derived key.
const (
	kdfSalt = "salt"
	kdfN    = 16384
	kdfR    = 8
	kdfP    = 1
	keyLen  = 32

	ivSize  = 16
	tagSize = 16
)

// DecryptionError is returned when ciphertext cannot be decoded or fails
// GCM authentication.
type DecryptionError struct {
	Err error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("decryption failed: %v", e.Err)
}

func (e *DecryptionError) Unwrap() error {
	return e.Err
}

// Vault performs symmetric encryption of credentials using a key derived
// from the ENCRYPTION_KEY environment variable.
type Vault struct {
	gcm cipher.AEAD
}

// New derives the AES key from the master key and prepares the cipher.
func New() (*Vault, error) {
	master := os.Getenv(EnvEncryptionKey)
	if master == "" {
		return nil, fmt.Errorf("%s environment variable not set", EnvEncryptionKey)
	}
	return NewWithKey(master)
}

// NewWithKey builds a vault from an explicit master key. Used by tests and
// by tools that manage their own key material.
func NewWithKey(master string) (*Vault, error) {
	key, err := scrypt.Key([]byte(master), []byte(kdfSalt), kdfN, kdfR, kdfP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	// 16-byte nonce to match the iv(16) || tag(16) || ciphertext wire format.
	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM mode: %w", err)
	}

	return &Vault{gcm: gcm}, nil
}

// Encrypt encrypts a plaintext credential and returns
// base64(iv || tag || ciphertext).
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", fmt.Errorf("plaintext cannot be empty")
	}

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("failed to generate iv: %w", err)
	}

	// Seal appends the tag after the ciphertext; the wire format wants it
	// between the iv and the ciphertext.
	sealed := v.gcm.Seal(nil, iv, []byte(plaintext), nil)
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	combined := make([]byte, 0, ivSize+tagSize+len(ciphertext))
	combined = append(combined, iv...)
	combined = append(combined, tag...)
	combined = append(combined, ciphertext...)

	return base64.StdEncoding.EncodeToString(combined), nil
}

// Decrypt decrypts a base64(iv || tag || ciphertext) credential.
func (v *Vault) Decrypt(encrypted string) (string, error) {
	if encrypted == "" {
		return "", &DecryptionError{Err: fmt.Errorf("ciphertext cannot be empty")}
	}

	combined, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", &DecryptionError{Err: fmt.Errorf("invalid base64: %w", err)}
	}
	if len(combined) < ivSize+tagSize {
		return "", &DecryptionError{Err: fmt.Errorf("ciphertext too short: %d bytes", len(combined))}
	}

	iv := combined[:ivSize]
	tag := combined[ivSize : ivSize+tagSize]
	ciphertext := combined[ivSize+tagSize:]

	sealed := make([]byte, 0, len(ciphertext)+tagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := v.gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", &DecryptionError{Err: err}
	}

	return string(plaintext), nil
}

// Validate round-trips a test credential to confirm the key is usable.
func (v *Vault) Validate() error {
	const probe = "vault-key-validation"

	encrypted, err := v.Encrypt(probe)
	if err != nil {
		return fmt.Errorf("encryption test failed: %w", err)
	}

	decrypted, err := v.Decrypt(encrypted)
	if err != nil {
		return fmt.Errorf("decryption test failed: %w", err)
	}

	if decrypted != probe {
		return fmt.Errorf("encryption/decryption validation failed: values don't match")
	}
	return nil
}
