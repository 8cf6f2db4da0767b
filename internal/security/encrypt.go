// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package security provides encryption for secrets at rest.
//
// API keys stored in the config file are encrypted with AES-256-GCM using a
// key derived via PBKDF2-SHA-256 from a machine-local keyfile. The keyfile is
// generated on first use with 0600 permissions.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/pbkdf2"

	"github.com/corsie-chat/corsie/internal/util"
)

// =============================================================================
// CONSTANTS
// =============================================================================

// EncryptedPrefix marks a value as encrypted (format: ENC:base64(nonce|ciphertext|tag))
const EncryptedPrefix = "ENC:"

// NonceSize is the size of the nonce/IV for AES-GCM (12 bytes / 96 bits)
const NonceSize = 12

// KeySize is the size of the AES-256 key (32 bytes / 256 bits)
const KeySize = 32

// SaltSize is the size of the salt for key derivation (32 bytes)
const SaltSize = 32

// PBKDF2Iterations is the number of iterations for PBKDF2 key derivation.
// OWASP 2023 recommends 600,000+ for PBKDF2-SHA-256.
const PBKDF2Iterations = 600000

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrInvalidCiphertext indicates the ciphertext format is invalid
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	// ErrDecryptionFailed indicates decryption failed (wrong key or tampered data)
	ErrDecryptionFailed = errors.New("decryption failed: authentication tag mismatch")
	// ErrInvalidKeyfile indicates the keyfile is corrupt or has the wrong size
	ErrInvalidKeyfile = errors.New("invalid keyfile")
)

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// ZeroBytes securely zeros sensitive byte slices.
// SECURITY: Zero key material to prevent memory disclosure via crash dumps.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// IsEncrypted checks if a string value is encrypted (has ENC: prefix).
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, EncryptedPrefix)
}

// =============================================================================
// KEEPER
// =============================================================================

// Keeper encrypts and decrypts secret values using a keyfile-derived AES key.
type Keeper struct {
	mu      sync.RWMutex
	cipher  cipher.AEAD
	keyPath string
}

// NewKeeper creates a Keeper backed by the keyfile at keyPath. The keyfile is
// created with fresh random material if it does not exist.
func NewKeeper(keyPath string) (*Keeper, error) {
	k := &Keeper{keyPath: keyPath}

	material, err := k.loadOrCreateKeyfile()
	if err != nil {
		return nil, err
	}
	defer ZeroBytes(material)

	salt := material[:SaltSize]
	secret := material[SaltSize:]

	// SECURITY: The AES key never touches disk; only salt+secret do,
	// and deriving the key requires the full keyfile.
	key := pbkdf2.Key(secret, salt, PBKDF2Iterations, KeySize, sha256.New)
	defer ZeroBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM cipher: %w", err)
	}
	k.cipher = gcm
	return k, nil
}

// loadOrCreateKeyfile reads the keyfile, generating it first if missing.
// File layout: base64(salt || secret), 0600.
func (k *Keeper) loadOrCreateKeyfile() ([]byte, error) {
	data, err := os.ReadFile(k.keyPath)
	if err == nil {
		material, decErr := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
		if decErr != nil || len(material) != SaltSize+KeySize {
			return nil, ErrInvalidKeyfile
		}
		return material, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read keyfile: %w", err)
	}

	material := make([]byte, SaltSize+KeySize)
	if _, err := io.ReadFull(rand.Reader, material); err != nil {
		return nil, fmt.Errorf("failed to generate key material: %w", err)
	}

	encoded := base64.StdEncoding.EncodeToString(material)
	// RELIABILITY: Atomic write with fsync prevents a half-written keyfile
	if err := util.AtomicWriteFile(k.keyPath, []byte(encoded+"\n"), 0600); err != nil {
		ZeroBytes(material)
		return nil, fmt.Errorf("failed to save keyfile: %w", err)
	}
	return material, nil
}

// KeyPath returns the path of the backing keyfile.
func (k *Keeper) KeyPath() string {
	return k.keyPath
}

// =============================================================================
// ENCRYPTION OPERATIONS
// =============================================================================

// Encrypt encrypts plaintext using AES-256-GCM.
// Returns: nonce || ciphertext || tag
func (k *Keeper) Encrypt(plaintext []byte) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return k.cipher.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt decrypts ciphertext in the form nonce || ciphertext || tag.
func (k *Keeper) Decrypt(ciphertext []byte) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if len(ciphertext) < NonceSize {
		return nil, ErrInvalidCiphertext
	}
	nonce := ciphertext[:NonceSize]
	plaintext, err := k.cipher.Open(nil, nonce, ciphertext[NonceSize:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// EncryptString encrypts a string and returns base64 ciphertext with the ENC: prefix.
// Empty and already-encrypted values pass through unchanged.
func (k *Keeper) EncryptString(plaintext string) (string, error) {
	if plaintext == "" || IsEncrypted(plaintext) {
		return plaintext, nil
	}
	ciphertext, err := k.Encrypt([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return EncryptedPrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// DecryptString decrypts a value carrying the ENC: prefix. Values without the
// prefix are returned as-is, so plaintext configs keep working.
func (k *Keeper) DecryptString(value string) (string, error) {
	if !IsEncrypted(value) {
		return value, nil
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, EncryptedPrefix))
	if err != nil {
		return "", fmt.Errorf("invalid base64 encoding: %w", err)
	}
	plaintext, err := k.Decrypt(data)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
