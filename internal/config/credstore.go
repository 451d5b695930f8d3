package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/pbkdf2"
)

// Cached cloud credentials (the API key Load reads from .env/the
// environment) can also be kept on disk encrypted under a passphrase,
// for hosts where neither is an acceptable place to leave it in the
// clear. Key/IV derivation follows the pbkdf2-then-split-32-bytes
// scheme the ChromiumOS tast-tests storage package uses to recreate an
// OpenSSL-compatible AES key and CTR IV from a passphrase: 32 bytes out
// of pbkdf2, the first 16 as the AES-128 key, the last 16 as the IV.
const (
	credStoreSaltSize  = 16
	credStoreIterations = 4096
	credStoreKeyIVSize  = 32
)

// EncryptCredential encrypts plaintext under passphrase, returning a
// self-contained blob (random salt followed by AES-CTR ciphertext) that
// DecryptCredential can reverse given the same passphrase.
func EncryptCredential(passphrase, plaintext string) ([]byte, error) {
	salt := make([]byte, credStoreSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("config.EncryptCredential: generating salt: %w", err)
	}
	key, iv := deriveKeyIV(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("config.EncryptCredential: %w", err)
	}
	out := make([]byte, len(plaintext))
	cipher.NewCTR(block, iv).XORKeyStream(out, []byte(plaintext))
	return append(salt, out...), nil
}

// DecryptCredential reverses EncryptCredential given the same passphrase.
func DecryptCredential(passphrase string, blob []byte) (string, error) {
	if len(blob) < credStoreSaltSize {
		return "", errors.New("config.DecryptCredential: blob shorter than salt")
	}
	salt, ciphertext := blob[:credStoreSaltSize], blob[credStoreSaltSize:]
	key, iv := deriveKeyIV(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("config.DecryptCredential: %w", err)
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCTR(block, iv).XORKeyStream(out, ciphertext)
	return string(out), nil
}

func deriveKeyIV(passphrase string, salt []byte) (key, iv []byte) {
	r := pbkdf2.Key([]byte(passphrase), salt, credStoreIterations, credStoreKeyIVSize, sha256.New)
	return r[:16], r[16:32]
}

// SaveCachedAPIKey encrypts apiKey under passphrase and writes it to
// path, for hosts that would rather not keep FLASHENGINE_CLOUD_API_KEY
// in a plaintext .env file.
func SaveCachedAPIKey(path, passphrase, apiKey string) error {
	blob, err := EncryptCredential(passphrase, apiKey)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		return fmt.Errorf("config.SaveCachedAPIKey: writing %s: %w", path, err)
	}
	return nil
}

// LoadCachedAPIKey reads and decrypts path, the counterpart to
// SaveCachedAPIKey.
func LoadCachedAPIKey(path, passphrase string) (string, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("config.LoadCachedAPIKey: reading %s: %w", path, err)
	}
	return DecryptCredential(passphrase, blob)
}
