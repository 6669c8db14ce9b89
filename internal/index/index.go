// Package index implements C3: the durable relational catalogue of files,
// parts, folders, shares, and users, grounded on the teacher's
// internal/database package (same database/sql + glebarez/go-sqlite
// driver), generalized to the full schema spec.md §3/§4.3 requires.
package index

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	_ "github.com/glebarez/go-sqlite"

	"discordvault/internal/logging"
	"discordvault/internal/vaulterrors"
)

type Index struct {
	Conn *sql.DB
	log  *logging.Logger
}

// Open mirrors the teacher's database.Initialize: opens the sqlite file,
// enables foreign keys, and creates the schema if absent.
func Open(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("index: open: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("index: ping: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		return nil, fmt.Errorf("index: enable foreign keys: %w", err)
	}

	if err := createSchema(db); err != nil {
		return nil, fmt.Errorf("index: create schema: %w", err)
	}

	return &Index{Conn: db, log: logging.New(logging.TagIndex)}, nil
}

func (idx *Index) Close() error {
	return idx.Conn.Close()
}

func createSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL UNIQUE
		);`,
		`CREATE TABLE IF NOT EXISTS folders (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			parent_id INTEGER REFERENCES folders(id) ON DELETE CASCADE,
			user_id INTEGER REFERENCES users(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS files (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			original_name TEXT NOT NULL,
			size INTEGER NOT NULL,
			mime_type TEXT,
			total_parts INTEGER NOT NULL,
			folder_id INTEGER REFERENCES folders(id) ON DELETE SET NULL,
			user_id INTEGER REFERENCES users(id) ON DELETE SET NULL,
			encryption_header TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			media_width INTEGER,
			media_height INTEGER,
			thumbnail_url TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS file_parts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			file_id INTEGER NOT NULL REFERENCES files(id) ON DELETE CASCADE,
			part_number INTEGER NOT NULL,
			message_id TEXT NOT NULL,
			discord_url TEXT NOT NULL,
			size INTEGER NOT NULL,
			plain_size INTEGER NOT NULL,
			iv TEXT,
			auth_tag TEXT,
			channel_id TEXT NOT NULL,
			UNIQUE(file_id, part_number)
		);`,
		`CREATE TABLE IF NOT EXISTS shares (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			file_id INTEGER NOT NULL REFERENCES files(id) ON DELETE CASCADE,
			token TEXT NOT NULL UNIQUE,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			expires_at DATETIME
		);`,
		`CREATE INDEX IF NOT EXISTS idx_file_parts_file_id ON file_parts(file_id);`,
		`CREATE INDEX IF NOT EXISTS idx_files_folder_id ON files(folder_id);`,
		`CREATE INDEX IF NOT EXISTS idx_files_user_id ON files(user_id);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

// InsertFileWithParts commits the File row and all Part rows in one
// transaction (open-question decision #1: the File row is inserted first,
// to obtain the id its parts reference, and the parts follow inside the
// same transaction, so readers never observe a partial part set — spec.md
// §3).
func (idx *Index) InsertFileWithParts(f *File, parts []Part) (int64, error) {
	if f.TotalParts != len(parts) {
		return 0, fmt.Errorf("index: total_parts %d != len(parts) %d: %w", f.TotalParts, len(parts), vaulterrors.Internal)
	}

	tx, err := idx.Conn.Begin()
	if err != nil {
		return 0, fmt.Errorf("index: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var fileID int64
	row := tx.QueryRow(
		`INSERT INTO files (original_name, size, mime_type, total_parts, folder_id, user_id, encryption_header, media_width, media_height, thumbnail_url)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		f.OriginalName, f.Size, f.MimeType, f.TotalParts, f.FolderID, f.UserID, nullableString(f.EncryptionHeader), f.MediaWidth, f.MediaHeight, f.ThumbnailURL,
	)
	if err := row.Scan(&fileID); err != nil {
		return 0, fmt.Errorf("index: insert file: %w", err)
	}

	stmt, err := tx.Prepare(
		`INSERT INTO file_parts (file_id, part_number, message_id, discord_url, size, plain_size, iv, auth_tag, channel_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return 0, fmt.Errorf("index: prepare part insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range parts {
		if _, err := stmt.Exec(fileID, p.PartNumber, p.MessageID, p.DiscordURL, p.Size, p.PlainSize, encodeBytesColumn(p.IV), encodeBytesColumn(p.AuthTag), p.ChannelID); err != nil {
			return 0, fmt.Errorf("index: insert part %d: %w", p.PartNumber, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("index: commit: %w", err)
	}

	idx.log.Printf("file %d committed with %d parts", fileID, len(parts))
	return fileID, nil
}

// GetFileByID loads a File with its Parts ordered by part_number.
func (idx *Index) GetFileByID(id int64) (*File, error) {
	f := &File{}
	var header sql.NullString
	row := idx.Conn.QueryRow(
		`SELECT id, original_name, size, mime_type, total_parts, folder_id, user_id, encryption_header, created_at, media_width, media_height, thumbnail_url
		 FROM files WHERE id = ?`, id,
	)
	if err := row.Scan(&f.ID, &f.OriginalName, &f.Size, &f.MimeType, &f.TotalParts, &f.FolderID, &f.UserID, &header, &f.CreatedAt, &f.MediaWidth, &f.MediaHeight, &f.ThumbnailURL); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("index: file %d not found: %w", id, vaulterrors.SourceDataMissing)
		}
		return nil, fmt.Errorf("index: get file: %w", err)
	}
	f.EncryptionHeader = header.String

	parts, err := idx.getParts(id)
	if err != nil {
		return nil, err
	}
	f.Parts = parts

	return f, nil
}

func (idx *Index) getParts(fileID int64) ([]Part, error) {
	rows, err := idx.Conn.Query(
		`SELECT id, file_id, part_number, message_id, discord_url, size, plain_size, iv, auth_tag, channel_id
		 FROM file_parts WHERE file_id = ? ORDER BY part_number ASC`, fileID,
	)
	if err != nil {
		return nil, fmt.Errorf("index: query parts: %w", err)
	}
	defer rows.Close()

	var parts []Part
	for rows.Next() {
		var p Part
		var ivRaw, tagRaw sql.NullString
		if err := rows.Scan(&p.ID, &p.FileID, &p.PartNumber, &p.MessageID, &p.DiscordURL, &p.Size, &p.PlainSize, &ivRaw, &tagRaw, &p.ChannelID); err != nil {
			return nil, fmt.Errorf("index: scan part: %w", err)
		}
		if ivRaw.Valid {
			iv, err := decodeBytesColumn(ivRaw.String)
			if err != nil {
				return nil, fmt.Errorf("index: decode iv for part %d: %w", p.ID, err)
			}
			p.IV = iv
		}
		if tagRaw.Valid {
			tag, err := decodeBytesColumn(tagRaw.String)
			if err != nil {
				return nil, fmt.Errorf("index: decode auth_tag for part %d: %w", p.ID, err)
			}
			p.AuthTag = tag
		}
		parts = append(parts, p)
	}
	return parts, rows.Err()
}

// UpdatePartURLs batch-writes refreshed discord_url values. Idempotent: an
// update that writes the same URL already present is a no-op in effect.
func (idx *Index) UpdatePartURLs(updates []PartURLUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	tx, err := idx.Conn.Begin()
	if err != nil {
		return fmt.Errorf("index: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(`UPDATE file_parts SET discord_url = ? WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("index: prepare update: %w", err)
	}
	defer stmt.Close()

	for _, u := range updates {
		if _, err := stmt.Exec(u.NewURL, u.PartID); err != nil {
			return fmt.Errorf("index: update part %d url: %w", u.PartID, err)
		}
	}

	return tx.Commit()
}

// PartURLUpdate is one entry in a batched UpdatePartURLs call.
type PartURLUpdate struct {
	PartID int64
	NewURL string
}

// DeleteFile removes the File row; ON DELETE CASCADE removes its Parts and
// Shares. Callers are responsible for deleting the underlying chat messages
// first (spec.md §3's lifecycle ordering).
func (idx *Index) DeleteFile(id int64) error {
	_, err := idx.Conn.Exec(`DELETE FROM files WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("index: delete file %d: %w", id, err)
	}
	return nil
}

// ListFiles returns files (without their parts) optionally scoped by
// folder and/or user.
func (idx *Index) ListFiles(folderID, userID *int64) ([]File, error) {
	query := `SELECT id, original_name, size, mime_type, total_parts, folder_id, user_id, encryption_header, created_at, media_width, media_height, thumbnail_url FROM files WHERE 1=1`
	var args []any
	if folderID != nil {
		query += ` AND folder_id = ?`
		args = append(args, *folderID)
	}
	if userID != nil {
		query += ` AND user_id = ?`
		args = append(args, *userID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := idx.Conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("index: list files: %w", err)
	}
	defer rows.Close()

	var files []File
	for rows.Next() {
		var f File
		var header sql.NullString
		if err := rows.Scan(&f.ID, &f.OriginalName, &f.Size, &f.MimeType, &f.TotalParts, &f.FolderID, &f.UserID, &header, &f.CreatedAt, &f.MediaWidth, &f.MediaHeight, &f.ThumbnailURL); err != nil {
			return nil, fmt.Errorf("index: scan file: %w", err)
		}
		f.EncryptionHeader = header.String
		files = append(files, f)
	}
	return files, rows.Err()
}

// DistinctMessageIDs enumerates the distinct message ids owning a file's
// parts, for step (1) of the delete lifecycle in spec.md §3.
func (idx *Index) DistinctMessageIDs(fileID int64) ([]string, error) {
	rows, err := idx.Conn.Query(`SELECT DISTINCT message_id FROM file_parts WHERE file_id = ?`, fileID)
	if err != nil {
		return nil, fmt.Errorf("index: distinct message ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("index: scan message id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CreateShare mints a new random token bound to fileID and inserts the
// minimal row the read path needs to resolve it; expiresAt may be nil for a
// non-expiring link. Renaming, revoking, or listing shares is share CRUD
// and stays out of scope (spec.md §3).
func (idx *Index) CreateShare(fileID int64, expiresAt *time.Time) (string, error) {
	token := uuid.NewString()
	_, err := idx.Conn.Exec(
		`INSERT INTO shares (file_id, token, expires_at) VALUES (?, ?, ?)`,
		fileID, token, expiresAt,
	)
	if err != nil {
		return "", fmt.Errorf("index: create share: %w", err)
	}
	return token, nil
}

// GetFileByShareToken resolves a share token to its owning file, the read
// path spec.md §3 carves out of the otherwise out-of-scope share CRUD.
func (idx *Index) GetFileByShareToken(token string) (*File, error) {
	var fileID int64
	row := idx.Conn.QueryRow(`SELECT file_id FROM shares WHERE token = ? AND (expires_at IS NULL OR expires_at > CURRENT_TIMESTAMP)`, token)
	if err := row.Scan(&fileID); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("index: share token not found or expired: %w", vaulterrors.SourceDataMissing)
		}
		return nil, fmt.Errorf("index: lookup share: %w", err)
	}
	return idx.GetFileByID(fileID)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
