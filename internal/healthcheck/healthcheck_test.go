package healthcheck

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"discordvault/internal/botpool"
	"discordvault/internal/index"
	"discordvault/internal/resolver"
)

type fakeSession struct {
	// refreshedURL is returned for every FetchMessage call, regardless of
	// requested message/channel, to simulate a successful C6 refresh.
	refreshedURL string
	refreshName  string
}

func (f *fakeSession) Open() error  { return nil }
func (f *fakeSession) Close() error { return nil }
func (f *fakeSession) SendAttachments(channelID string, attachments []botpool.Attachment, content string) (*botpool.Message, error) {
	return nil, nil
}
func (f *fakeSession) FetchMessage(channelID, messageID string) (*botpool.Message, error) {
	if f.refreshedURL == "" {
		return nil, nil
	}
	return &botpool.Message{
		ID: messageID, ChannelID: channelID,
		Attachments: []botpool.MessageAttachment{{Name: f.refreshName, URL: f.refreshedURL}},
	}, nil
}
func (f *fakeSession) DeleteMessage(channelID, messageID string) error                { return nil }
func (f *fakeSession) DeleteMessagesBulk(channelID string, messageIDs []string) error { return nil }

func testEngine(t *testing.T, session *fakeSession) (*Engine, *index.Index) {
	t.Helper()
	pool, err := botpool.New(context.Background(), botpool.BuildOptions{
		Credentials:    []botpool.Credential{{Token: "t1"}},
		ChannelIDs:     []string{"chan-a"},
		BotsPerChannel: 1,
		SessionFactory: func(string) (botpool.ChatSession, error) { return session, nil },
	})
	require.NoError(t, err)

	idx, err := index.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	res := resolver.New(pool, idx)
	return New(idx, res, pool), idx
}

func TestRunClassifiesHealthyOn200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e, idx := testEngine(t, &fakeSession{})
	fileID, err := idx.InsertFileWithParts(&index.File{TotalParts: 1}, []index.Part{
		{PartNumber: 1, MessageID: "msg-1", ChannelID: "chan-a", DiscordURL: srv.URL, Size: 10, PlainSize: 10},
	})
	require.NoError(t, err)
	f, err := idx.GetFileByID(fileID)
	require.NoError(t, err)

	report, err := e.Run(context.Background(), f.Parts, nil)
	require.NoError(t, err)
	assert.Equal(t, Counts{Healthy: 1}, report.Counts)
	assert.Equal(t, StatusHealthy, report.Results[0].Status)
}

func TestRunClassifiesUnhealthyOn404WithoutResolver(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	e, idx := testEngine(t, &fakeSession{})
	e.Resolver = nil
	e.Pool = nil

	fileID, err := idx.InsertFileWithParts(&index.File{TotalParts: 1}, []index.Part{
		{PartNumber: 1, MessageID: "msg-1", ChannelID: "chan-a", DiscordURL: srv.URL, Size: 10, PlainSize: 10},
	})
	require.NoError(t, err)
	f, err := idx.GetFileByID(fileID)
	require.NoError(t, err)

	report, err := e.Run(context.Background(), f.Parts, nil)
	require.NoError(t, err)
	assert.Equal(t, Counts{Unhealthy: 1}, report.Counts)
}

func TestRunRefreshesURLOn403ThenHealthy(t *testing.T) {
	var refreshedCalls int64
	oldSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer oldSrv.Close()
	newSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&refreshedCalls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer newSrv.Close()

	e, idx := testEngine(t, &fakeSession{refreshedURL: newSrv.URL, refreshName: "f.part1"})

	fileID, err := idx.InsertFileWithParts(&index.File{TotalParts: 1}, []index.Part{
		{PartNumber: 1, MessageID: "msg-1", ChannelID: "chan-a", DiscordURL: oldSrv.URL, Size: 10, PlainSize: 10},
	})
	require.NoError(t, err)
	f, err := idx.GetFileByID(fileID)
	require.NoError(t, err)

	report, err := e.Run(context.Background(), f.Parts, nil)
	require.NoError(t, err)
	assert.Equal(t, Counts{Healthy: 1, URLRefreshed: 1}, report.Counts)
	assert.Greater(t, atomic.LoadInt64(&refreshedCalls), int64(0))

	reread, err := idx.GetFileByID(fileID)
	require.NoError(t, err)
	assert.Equal(t, newSrv.URL, reread.Parts[0].DiscordURL, "healthy refresh persists the new url")
}

func TestRunMarksUnhealthyWhenRefreshAlsoFails(t *testing.T) {
	oldSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer oldSrv.Close()
	stillBadSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer stillBadSrv.Close()

	e, idx := testEngine(t, &fakeSession{refreshedURL: stillBadSrv.URL, refreshName: "f.part1"})

	fileID, err := idx.InsertFileWithParts(&index.File{TotalParts: 1}, []index.Part{
		{PartNumber: 1, MessageID: "msg-1", ChannelID: "chan-a", DiscordURL: oldSrv.URL, Size: 10, PlainSize: 10},
	})
	require.NoError(t, err)
	f, err := idx.GetFileByID(fileID)
	require.NoError(t, err)

	report, err := e.Run(context.Background(), f.Parts, nil)
	require.NoError(t, err)
	assert.Equal(t, Counts{Unhealthy: 1}, report.Counts)
}

func TestRecheckSkipsHeadAndGoesStraightToRefresh(t *testing.T) {
	newSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer newSrv.Close()

	e, idx := testEngine(t, &fakeSession{refreshedURL: newSrv.URL, refreshName: "f.part1"})

	fileID, err := idx.InsertFileWithParts(&index.File{TotalParts: 1}, []index.Part{
		{PartNumber: 1, MessageID: "msg-1", ChannelID: "chan-a", DiscordURL: "https://unreachable.invalid/still-listed-unhealthy", Size: 10, PlainSize: 10},
	})
	require.NoError(t, err)
	f, err := idx.GetFileByID(fileID)
	require.NoError(t, err)

	report, err := e.Recheck(context.Background(), f.Parts, nil)
	require.NoError(t, err)
	assert.Equal(t, Counts{Healthy: 1, URLRefreshed: 1}, report.Counts)
}

func TestRunProgressCallbackReachesTotal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e, idx := testEngine(t, &fakeSession{})
	parts := make([]index.Part, 4)
	for i := range parts {
		parts[i] = index.Part{PartNumber: i + 1, MessageID: "msg-1", ChannelID: "chan-a", DiscordURL: srv.URL, Size: 10, PlainSize: 10}
	}
	fileID, err := idx.InsertFileWithParts(&index.File{TotalParts: 4}, parts)
	require.NoError(t, err)
	f, err := idx.GetFileByID(fileID)
	require.NoError(t, err)

	var lastProgress Progress
	_, err = e.Run(context.Background(), f.Parts, func(p Progress) { lastProgress = p })
	require.NoError(t, err)
	assert.Equal(t, 4, lastProgress.Total)
	assert.Equal(t, 4, lastProgress.Completed)
}
