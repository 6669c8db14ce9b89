// Package chunkcodec implements C1: encrypting/decrypting one plaintext
// chunk independently with AES-256-GCM. Splitting a source into fixed-size
// chunks is done by the upload orchestrator's reader, not by this package.
package chunkcodec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"discordvault/internal/vaulterrors"
)

const (
	// IVLength is the AES-GCM nonce size used per chunk.
	IVLength = 12
	// TagLength is the AES-GCM authentication tag size appended to the
	// ciphertext on the wire.
	TagLength = 16
	// KeyLength is the AES-256 key size.
	KeyLength = 32
)

// EncryptedChunk is the result of encrypting one plaintext chunk. Ciphertext
// already has the auth tag appended — this is exactly what gets uploaded as
// the attachment body.
type EncryptedChunk struct {
	Ciphertext []byte // raw AES-GCM output, tag appended
	IV         []byte
	Tag        []byte
	PlainSize  int
}

// EncryptChunk draws a fresh CSPRNG IV and runs AES-256-GCM over plaintext
// with empty AAD. The returned ciphertext is "ciphertext || tag" — the
// concatenation stored on the wire, per spec.md §4.1/§6.
func EncryptChunk(plaintext, key []byte) (*EncryptedChunk, error) {
	if len(key) != KeyLength {
		return nil, fmt.Errorf("chunkcodec: key must be %d bytes, got %d: %w", KeyLength, len(key), vaulterrors.Internal)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("chunkcodec: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithTagSize(block, TagLength)
	if err != nil {
		return nil, fmt.Errorf("chunkcodec: new gcm: %w", err)
	}

	iv := make([]byte, IVLength)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("chunkcodec: generate iv: %w", err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	tag := sealed[len(sealed)-TagLength:]

	return &EncryptedChunk{
		Ciphertext: sealed,
		IV:         iv,
		Tag:        append([]byte(nil), tag...),
		PlainSize:  len(plaintext),
	}, nil
}

// DecryptChunk splits the trailing TagLength bytes off ciphertextWithTag as
// the auth tag, verifies, and returns the plaintext. A tampered tag,
// ciphertext, or iv surfaces AuthenticationFailure.
func DecryptChunk(ciphertextWithTag, key, iv []byte) ([]byte, error) {
	if len(key) != KeyLength {
		return nil, fmt.Errorf("chunkcodec: key must be %d bytes, got %d: %w", KeyLength, len(key), vaulterrors.Internal)
	}
	if len(iv) != IVLength {
		return nil, fmt.Errorf("chunkcodec: iv must be %d bytes, got %d: %w", IVLength, len(iv), vaulterrors.AuthenticationFailure)
	}
	if len(ciphertextWithTag) < TagLength {
		return nil, fmt.Errorf("chunkcodec: ciphertext shorter than tag: %w", vaulterrors.AuthenticationFailure)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("chunkcodec: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithTagSize(block, TagLength)
	if err != nil {
		return nil, fmt.Errorf("chunkcodec: new gcm: %w", err)
	}

	plaintext, err := gcm.Open(nil, iv, ciphertextWithTag, nil)
	if err != nil {
		return nil, fmt.Errorf("chunkcodec: %v: %w", err, vaulterrors.AuthenticationFailure)
	}
	return plaintext, nil
}
