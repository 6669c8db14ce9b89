package index

import "time"

// File is a logical user object backed by 1..N encrypted Parts.
// Invariants (spec.md §3): TotalParts >= 1; Size == sum of part PlainSize;
// either EncryptionHeader is set and every part has IV+AuthTag, or it's
// empty and neither does.
type File struct {
	ID               int64
	OriginalName     string
	Size             int64
	MimeType         string
	TotalParts       int
	FolderID         *int64
	UserID           *int64
	EncryptionHeader string // JSON blob, empty if unencrypted
	CreatedAt        time.Time
	MediaWidth       *int
	MediaHeight      *int
	ThumbnailURL     *string

	Parts []Part // populated by GetFileByID, ordered by PartNumber
}

// Part is an immutable record of one encrypted chunk, corresponding to one
// Discord attachment.
type Part struct {
	ID         int64
	FileID     int64
	PartNumber int // 1-based, dense within a file
	MessageID  string
	DiscordURL string
	Size       int64 // encrypted bytes on the wire, tag included
	PlainSize  int64 // decrypted bytes
	IV         []byte
	AuthTag    []byte
	ChannelID  string
}

// Folder is referenced by id only; ownership of files is by foreign key.
type Folder struct {
	ID       int64
	Name     string
	ParentID *int64
	UserID   *int64
}

// User is referenced by id only — auth/CRUD lives outside this engine.
type User struct {
	ID       int64
	Username string
}

// Share is the storage-read-path projection of a share link: a token that
// resolves to a file, independent of the share-CRUD surface (out of scope).
type Share struct {
	ID        int64
	FileID    int64
	Token     string
	CreatedAt time.Time
	ExpiresAt *time.Time
}

// EncryptionHeader is the per-file JSON blob described in spec.md §6.
type EncryptionHeader struct {
	Version           string `json:"version"`
	Method            string `json:"method"`
	Salt              string `json:"salt"` // base64
	PBKDF2Iterations  int    `json:"pbkdf2Iterations"`
	IVLength          int    `json:"ivLength"`
	TagLength         int    `json:"tagLength"`
	ChunkSize         int    `json:"chunkSize"`
}

const (
	HeaderVersion = "v2-chunked-aes-gcm"
	HeaderMethod  = "chunked-aes-gcm-12"
)
