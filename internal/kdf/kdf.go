// Package kdf implements C2: PBKDF2-HMAC-SHA256 key derivation with a
// per-(passphrase, salt, iterations) cache, plus the legacy single-header
// decode path kept for read-only backward compatibility (spec.md §4.2, §9).
package kdf

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sync"

	"golang.org/x/crypto/pbkdf2"

	"discordvault/internal/vaulterrors"
)

const (
	KeyLength = 32

	// Legacy single-header layout: salt(32) || iv(16) || tag(16).
	legacySaltLength = 32
	legacyIVLength   = 16
	legacyTagLength  = 16
	LegacyHeaderSize = legacySaltLength + legacyIVLength + legacyTagLength
)

type cacheKey struct {
	fingerprint string
	salt        string
	iterations  int
}

var (
	mu    sync.Mutex
	cache = map[cacheKey][KeyLength]byte{}
)

// DeriveKey derives a 32-byte key from passphrase+salt via PBKDF2-HMAC-SHA256,
// caching by (passphrase-fingerprint, salt, iterations) so repeated calls
// for the same file header don't re-run the KDF.
func DeriveKey(passphrase string, salt []byte, iterations int) ([KeyLength]byte, error) {
	if passphrase == "" {
		return [KeyLength]byte{}, fmt.Errorf("kdf: empty passphrase: %w", vaulterrors.ConfigInvalid)
	}
	if iterations <= 0 {
		return [KeyLength]byte{}, fmt.Errorf("kdf: iterations must be positive: %w", vaulterrors.ConfigInvalid)
	}

	key := cacheKey{
		fingerprint: fingerprint(passphrase),
		salt:        string(salt),
		iterations:  iterations,
	}

	mu.Lock()
	if k, ok := cache[key]; ok {
		mu.Unlock()
		return k, nil
	}
	mu.Unlock()

	derived := pbkdf2.Key([]byte(passphrase), salt, iterations, KeyLength, sha256.New)
	var out [KeyLength]byte
	copy(out[:], derived)

	mu.Lock()
	cache[key] = out
	mu.Unlock()

	return out, nil
}

// DeriveKeyForHeader decodes a base64-encoded salt (as stored in
// index.EncryptionHeader.Salt) and derives the file key. Shared by the
// upload (C5) and download (C8) paths so both read the same header shape.
func DeriveKeyForHeader(passphrase, saltB64 string, iterations int) ([KeyLength]byte, error) {
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return [KeyLength]byte{}, fmt.Errorf("kdf: decode salt: %w", err)
	}
	return DeriveKey(passphrase, salt, iterations)
}

// fingerprint avoids caching raw passphrases in the key map's key space.
func fingerprint(passphrase string) string {
	sum := sha256.Sum256([]byte(passphrase))
	return string(sum[:])
}

// LegacyHeader is the salt/iv/tag triple recovered from the first
// LegacyHeaderSize bytes of a reassembled legacy-format blob.
type LegacyHeader struct {
	Salt []byte
	IV   []byte
	Tag  []byte
}

// ParseLegacyHeader treats the first 64 bytes of the reassembled ciphertext
// as {salt(32), iv(16), tag(16)} per the legacy single-header format still
// read by one decrypt path (spec.md §4.2). New writes never produce this
// format; this function only supports reading it.
func ParseLegacyHeader(blob []byte) (*LegacyHeader, []byte, error) {
	if len(blob) < LegacyHeaderSize {
		return nil, nil, fmt.Errorf("kdf: legacy blob shorter than header (%d < %d): %w", len(blob), LegacyHeaderSize, vaulterrors.Internal)
	}
	h := &LegacyHeader{
		Salt: append([]byte(nil), blob[0:legacySaltLength]...),
		IV:   append([]byte(nil), blob[legacySaltLength:legacySaltLength+legacyIVLength]...),
		Tag:  append([]byte(nil), blob[legacySaltLength+legacyIVLength:LegacyHeaderSize]...),
	}
	rest := blob[LegacyHeaderSize:]
	return h, rest, nil
}

// DecryptLegacy derives the key from the embedded salt and runs one
// AES-256-GCM pass over the remainder of the blob. The legacy format uses a
// 16-byte nonce (not the 12-byte nonce chunkcodec uses for v2 chunks), so
// this builds its own GCM instance rather than reusing chunkcodec.DecryptChunk.
func DecryptLegacy(blob []byte, passphrase string, iterations int) ([]byte, error) {
	header, rest, err := ParseLegacyHeader(blob)
	if err != nil {
		return nil, err
	}
	key, err := DeriveKey(passphrase, header.Salt, iterations)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("kdf: legacy new cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, legacyIVLength)
	if err != nil {
		return nil, fmt.Errorf("kdf: legacy new gcm: %w", err)
	}

	ciphertextWithTag := append(append([]byte(nil), rest...), header.Tag...)
	plaintext, err := gcm.Open(nil, header.IV, ciphertextWithTag, nil)
	if err != nil {
		return nil, fmt.Errorf("kdf: legacy decrypt: %v: %w", err, vaulterrors.AuthenticationFailure)
	}
	return plaintext, nil
}
