package index

import (
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"discordvault/internal/vaulterrors"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func sampleParts(n int) []Part {
	parts := make([]Part, n)
	for i := range parts {
		parts[i] = Part{
			PartNumber: i + 1,
			MessageID:  "msg-1",
			DiscordURL: "https://cdn.example.com/part" + string(rune('0'+i)),
			Size:       1040,
			PlainSize:  1024,
			IV:         []byte{byte(i), 1, 2, 3},
			AuthTag:    []byte{byte(i), 9, 8, 7},
			ChannelID:  "chan-1",
		}
	}
	return parts
}

func TestInsertFileWithPartsRoundTrip(t *testing.T) {
	idx := openTestIndex(t)
	parts := sampleParts(3)

	fileID, err := idx.InsertFileWithParts(&File{
		OriginalName: "report.pdf",
		Size:         3072,
		MimeType:     "application/pdf",
		TotalParts:   3,
	}, parts)
	require.NoError(t, err)
	assert.Greater(t, fileID, int64(0))

	f, err := idx.GetFileByID(fileID)
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", f.OriginalName)
	assert.Equal(t, int64(3072), f.Size)
	require.Len(t, f.Parts, 3)
	for i, p := range f.Parts {
		assert.Equal(t, i+1, p.PartNumber)
		assert.Equal(t, []byte{byte(i), 1, 2, 3}, p.IV)
		assert.Equal(t, []byte{byte(i), 9, 8, 7}, p.AuthTag)
	}
}

func TestInsertFileWithPartsRejectsCountMismatch(t *testing.T) {
	idx := openTestIndex(t)
	_, err := idx.InsertFileWithParts(&File{TotalParts: 5}, sampleParts(2))
	require.Error(t, err)
	assert.True(t, errors.Is(err, vaulterrors.Internal))
}

func TestGetFileByIDNotFound(t *testing.T) {
	idx := openTestIndex(t)
	_, err := idx.GetFileByID(999)
	require.Error(t, err)
	assert.True(t, errors.Is(err, vaulterrors.SourceDataMissing))
}

func TestPartsAreOrderedByPartNumber(t *testing.T) {
	idx := openTestIndex(t)
	parts := sampleParts(5)
	// Shuffle the insert order; part_number still drives the read order.
	parts[0], parts[4] = parts[4], parts[0]

	fileID, err := idx.InsertFileWithParts(&File{TotalParts: 5}, parts)
	require.NoError(t, err)

	f, err := idx.GetFileByID(fileID)
	require.NoError(t, err)
	for i, p := range f.Parts {
		assert.Equal(t, i+1, p.PartNumber)
	}
}

func TestUpdatePartURLsBatched(t *testing.T) {
	idx := openTestIndex(t)
	fileID, err := idx.InsertFileWithParts(&File{TotalParts: 2}, sampleParts(2))
	require.NoError(t, err)

	f, err := idx.GetFileByID(fileID)
	require.NoError(t, err)

	err = idx.UpdatePartURLs([]PartURLUpdate{
		{PartID: f.Parts[0].ID, NewURL: "https://cdn.example.com/refreshed0"},
		{PartID: f.Parts[1].ID, NewURL: "https://cdn.example.com/refreshed1"},
	})
	require.NoError(t, err)

	f2, err := idx.GetFileByID(fileID)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/refreshed0", f2.Parts[0].DiscordURL)
	assert.Equal(t, "https://cdn.example.com/refreshed1", f2.Parts[1].DiscordURL)
}

func TestUpdatePartURLsEmptyIsNoop(t *testing.T) {
	idx := openTestIndex(t)
	require.NoError(t, idx.UpdatePartURLs(nil))
}

func TestDeleteFileCascadesParts(t *testing.T) {
	idx := openTestIndex(t)
	fileID, err := idx.InsertFileWithParts(&File{TotalParts: 2}, sampleParts(2))
	require.NoError(t, err)

	require.NoError(t, idx.DeleteFile(fileID))

	_, err = idx.GetFileByID(fileID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, vaulterrors.SourceDataMissing))
}

func TestListFilesScopedByFolderAndUser(t *testing.T) {
	idx := openTestIndex(t)
	folderA := int64(1)
	userA := int64(1)

	// folder_id/user_id are foreign keys, so the referenced rows must exist.
	_, err := idx.Conn.Exec(`INSERT INTO users (id, username) VALUES (?, 'user-a')`, userA)
	require.NoError(t, err)
	_, err = idx.Conn.Exec(`INSERT INTO folders (id, name, user_id) VALUES (?, 'folder-a', ?)`, folderA, userA)
	require.NoError(t, err)

	_, err = idx.InsertFileWithParts(&File{TotalParts: 1, FolderID: &folderA, UserID: &userA}, sampleParts(1))
	require.NoError(t, err)
	_, err = idx.InsertFileWithParts(&File{TotalParts: 1}, sampleParts(1))
	require.NoError(t, err)

	scoped, err := idx.ListFiles(&folderA, nil)
	require.NoError(t, err)
	assert.Len(t, scoped, 1)

	byUser, err := idx.ListFiles(nil, &userA)
	require.NoError(t, err)
	assert.Len(t, byUser, 1)

	all, err := idx.ListFiles(nil, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestDistinctMessageIDs(t *testing.T) {
	idx := openTestIndex(t)
	parts := sampleParts(3)
	parts[1].MessageID = "msg-2"
	parts[2].MessageID = "msg-2"

	fileID, err := idx.InsertFileWithParts(&File{TotalParts: 3}, parts)
	require.NoError(t, err)

	ids, err := idx.DistinctMessageIDs(fileID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"msg-1", "msg-2"}, ids)
}

func TestCreateShareAndResolve(t *testing.T) {
	idx := openTestIndex(t)
	fileID, err := idx.InsertFileWithParts(&File{OriginalName: "shared.bin", TotalParts: 1}, sampleParts(1))
	require.NoError(t, err)

	token, err := idx.CreateShare(fileID, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	f, err := idx.GetFileByShareToken(token)
	require.NoError(t, err)
	assert.Equal(t, "shared.bin", f.OriginalName)
}

func TestGetFileByShareTokenExpired(t *testing.T) {
	idx := openTestIndex(t)
	fileID, err := idx.InsertFileWithParts(&File{TotalParts: 1}, sampleParts(1))
	require.NoError(t, err)

	past := time.Now().Add(-time.Hour)
	token, err := idx.CreateShare(fileID, &past)
	require.NoError(t, err)

	_, err = idx.GetFileByShareToken(token)
	require.Error(t, err)
	assert.True(t, errors.Is(err, vaulterrors.SourceDataMissing))
}

func TestGetFileByShareTokenUnknown(t *testing.T) {
	idx := openTestIndex(t)
	_, err := idx.GetFileByShareToken("does-not-exist")
	require.Error(t, err)
	assert.True(t, errors.Is(err, vaulterrors.SourceDataMissing))
}

// TestGetFileByIDWrapsDriverError exercises the non-ErrNoRows branch of
// GetFileByID against a mocked driver, since forcing a generic driver error
// out of a real sqlite connection isn't practical.
func TestGetFileByIDWrapsDriverError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	idx := &Index{Conn: db}

	mock.ExpectQuery("SELECT id, original_name, size, mime_type, total_parts, folder_id, user_id, encryption_header, created_at, media_width, media_height, thumbnail_url").
		WithArgs(int64(7)).
		WillReturnError(errors.New("disk I/O error"))

	_, err = idx.GetFileByID(7)
	require.Error(t, err)
	assert.False(t, errors.Is(err, vaulterrors.SourceDataMissing))
	assert.NoError(t, mock.ExpectationsWereMet())
}
