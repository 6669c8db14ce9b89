package upload

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"discordvault/internal/index"
	"discordvault/internal/kdf"
)

const saltLength = 32

// buildHeader generates a fresh salt and composes the per-file encryption
// header spec.md §6 describes. chunkSize must already be bounded to the
// configured limit by the caller.
func buildHeader(chunkSize, iterations int) (*index.EncryptionHeader, []byte, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, nil, fmt.Errorf("upload: generate salt: %w", err)
	}

	h := &index.EncryptionHeader{
		Version:          index.HeaderVersion,
		Method:           index.HeaderMethod,
		Salt:             base64.StdEncoding.EncodeToString(salt),
		PBKDF2Iterations: iterations,
		IVLength:         12,
		TagLength:        16,
		ChunkSize:        chunkSize,
	}
	return h, salt, nil
}

func marshalHeader(h *index.EncryptionHeader) (string, error) {
	b, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("upload: marshal header: %w", err)
	}
	return string(b), nil
}

func deriveKeyForHeader(passphrase string, h *index.EncryptionHeader) ([kdf.KeyLength]byte, error) {
	return kdf.DeriveKeyForHeader(passphrase, h.Salt, h.PBKDF2Iterations)
}
