package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"discordvault/internal/index"
	"discordvault/internal/vaulterrors"
)

func tempScratch(t *testing.T) *os.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "fetcher-scratch-*")
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestFetchWritesEachPartAtItsOffset(t *testing.T) {
	bodies := map[string]string{
		"/a": "AAAA",
		"/b": "BBBBBB",
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(bodies[r.URL.Path]))
	}))
	defer srv.Close()

	f := New(4)
	scratch := tempScratch(t)
	require.NoError(t, scratch.Truncate(10))

	targets := []PartTarget{
		{Part: index.Part{PartNumber: 1, DiscordURL: srv.URL + "/a", Size: 4}, Offset: 0},
		{Part: index.Part{PartNumber: 2, DiscordURL: srv.URL + "/b", Size: 6}, Offset: 4},
	}

	var lastProgress Progress
	err := f.Fetch(context.Background(), scratch, targets, func(p Progress) { lastProgress = p })
	require.NoError(t, err)
	assert.Equal(t, 2, lastProgress.CompletedParts)
	assert.Equal(t, int64(10), lastProgress.BytesDownloaded)

	got := make([]byte, 10)
	_, err = scratch.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, "AAAABBBBBB", string(got))
}

func TestFetchReturnsSourceDataMissingOnNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := New(2)
	scratch := tempScratch(t)
	require.NoError(t, scratch.Truncate(4))

	targets := []PartTarget{{Part: index.Part{PartNumber: 1, DiscordURL: srv.URL, Size: 4}, Offset: 0}}
	err := f.Fetch(context.Background(), scratch, targets, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, vaulterrors.SourceDataMissing))
}

func TestFetchRetriesThenSucceedsOn500(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("OK"))
	}))
	defer srv.Close()

	f := New(1)
	scratch := tempScratch(t)
	require.NoError(t, scratch.Truncate(2))

	targets := []PartTarget{{Part: index.Part{PartNumber: 1, DiscordURL: srv.URL, Size: 2}, Offset: 0}}
	err := f.Fetch(context.Background(), scratch, targets, nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, atomic.LoadInt64(&calls), int64(3))

	got := make([]byte, 2)
	_, err = scratch.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, "OK", string(got))
}

func TestFetchReturnsBackendUnavailableWhenRetriesExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := New(1)
	scratch := tempScratch(t)
	require.NoError(t, scratch.Truncate(2))

	targets := []PartTarget{{Part: index.Part{PartNumber: 1, DiscordURL: srv.URL, Size: 2}, Offset: 0}}
	err := f.Fetch(context.Background(), scratch, targets, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, vaulterrors.BackendUnavailable))
}

func TestFetchConcurrencyCapIsRespected(t *testing.T) {
	var inflight, maxInflight int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := atomic.AddInt64(&inflight, 1)
		for {
			max := atomic.LoadInt64(&maxInflight)
			if cur <= max || atomic.CompareAndSwapInt64(&maxInflight, max, cur) {
				break
			}
		}
		w.Write([]byte("x"))
		atomic.AddInt64(&inflight, -1)
	}))
	defer srv.Close()

	f := New(2)
	scratch := tempScratch(t)
	require.NoError(t, scratch.Truncate(8))

	targets := make([]PartTarget, 8)
	for i := range targets {
		targets[i] = PartTarget{Part: index.Part{PartNumber: i + 1, DiscordURL: srv.URL, Size: 1}, Offset: int64(i)}
	}

	require.NoError(t, f.Fetch(context.Background(), scratch, targets, nil))
	assert.LessOrEqual(t, atomic.LoadInt64(&maxInflight), int64(2))
}
