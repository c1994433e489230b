// Package credentials persists provider configurations. Non-secret
// settings are stored as plain JSON in the state database; passwords and
// OAuth tokens ride in a separate blob sealed with AES-256-GCM under a
// key derived from a per-install key file, so a copied database alone
// cannot reveal them.
package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/unicode/norm"
)

const (
	// scryptN is the CPU/memory cost parameter for scrypt key derivation (2^15).
	scryptN = 32768

	// scryptR is the block size parameter for scrypt key derivation.
	scryptR = 8

	// scryptP is the parallelization parameter for scrypt key derivation.
	scryptP = 1

	// scryptKeyLen is the derived key length in bytes.
	scryptKeyLen = 32

	// hkdfKeyLen is the output length for HKDF-derived subkeys (32 bytes / 256 bits).
	hkdfKeyLen = 32

	// installKeyLen is the number of random bytes in the install key file.
	installKeyLen = 32

	// keyDirPerm restricts the key directory to the owning user.
	keyDirPerm = 0o700

	// keyFilePerm restricts the install key file to the owning user.
	keyFilePerm = 0o600
)

// sealInfo binds the sealing subkey to its purpose so the same install
// key can feed other derivations later without key reuse.
var sealInfo = []byte("FeatherSyncSealedSecrets")

// deriveKey derives a 32-byte key from the install secret and salt using
// scrypt. Parameters: N=32768, r=8, p=1. Both inputs are normalized to
// NFKC before hashing.
func deriveKey(secret, salt string) ([]byte, error) {
	secret = norm.NFKC.String(secret)
	salt = norm.NFKC.String(salt)

	key, err := scrypt.Key([]byte(secret), []byte(salt), scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}

	return key, nil
}

// hkdfDeriveKey derives keyLen bytes using HKDF-SHA256 with the given IKM,
// salt, and info parameters.
func hkdfDeriveKey(ikm, salt, info []byte, keyLen int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, info)

	out := make([]byte, keyLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}

	return out, nil
}

// ZeroKey overwrites the key material in the given slice. Call this
// immediately after handing the key to newSealer to limit the window
// during which raw key bytes are accessible in memory.
func ZeroKey(key []byte) {
	for i := range key {
		key[i] = 0
	}
}

// sealer encrypts and decrypts secret blobs with AES-256-GCM.
// Blobs are stored as [12-byte IV][ciphertext+GCM tag].
type sealer struct {
	gcm cipher.AEAD
}

func newSealer(key []byte) (*sealer, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &sealer{gcm: gcm}, nil
}

// Seal encrypts data with a random IV. Returns [12-byte IV][ciphertext+tag].
func (s *sealer) Seal(data []byte) ([]byte, error) {
	iv := make([]byte, s.gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generating IV: %w", err)
	}

	ciphertext := s.gcm.Seal(nil, iv, data, nil)
	result := make([]byte, len(iv)+len(ciphertext))
	copy(result, iv)
	copy(result[len(iv):], ciphertext)

	return result, nil
}

// Open decrypts a sealed blob. A blob shorter than an IV plus a GCM tag
// cannot have been produced by Seal and is rejected outright.
func (s *sealer) Open(data []byte) ([]byte, error) {
	nonceSize := s.gcm.NonceSize()
	if len(data) < nonceSize+s.gcm.Overhead() {
		return nil, fmt.Errorf("sealed blob too short: %d bytes", len(data))
	}

	plaintext, err := s.gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("opening sealed blob: %w", err)
	}

	return plaintext, nil
}

// loadOrCreateInstallKey reads the hex-encoded install key from path,
// generating and persisting a fresh one on first run.
func loadOrCreateInstallKey(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		encoded := strings.TrimSpace(string(data))
		raw, decErr := hex.DecodeString(encoded)
		if decErr != nil || len(raw) != installKeyLen {
			return "", fmt.Errorf("install key %s is corrupt", path)
		}

		return encoded, nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("reading install key: %w", err)
	}

	raw := make([]byte, installKeyLen)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating install key: %w", err)
	}
	encoded := hex.EncodeToString(raw)

	if err := os.MkdirAll(filepath.Dir(path), keyDirPerm); err != nil {
		return "", fmt.Errorf("creating key directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(encoded+"\n"), keyFilePerm); err != nil {
		return "", fmt.Errorf("writing install key: %w", err)
	}

	return encoded, nil
}
