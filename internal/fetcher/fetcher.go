// Package fetcher implements C7: parallel, bounded-concurrency GET of part
// ciphertext into a pre-sized scratch file. Grounded on the teacher's
// discordgo-backed attachment URLs plus the retry/backoff shape
// other_examples/be875346_rclone-rclone__backend-discord-discord.go.go's
// retry() uses for chunk GETs; HTTP client is hashicorp/go-retryablehttp per
// SPEC_FULL.md's domain stack, with this package's own retrypolicy driving
// attempts so both C4 and C7 share one retry/backoff shape.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync/atomic"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/sync/errgroup"

	"discordvault/internal/index"
	"discordvault/internal/logging"
	"discordvault/internal/retrypolicy"
	"discordvault/internal/vaulterrors"
)

// PartTarget is one part's ciphertext plus the scratch-file offset to write
// it at. Callers choose the offsets: the whole-file download (C8) and the
// range download (C9) both place each part at the sum of the Sizes of the
// parts before it in their target list.
type PartTarget struct {
	Part   index.Part
	Offset int64
}

// Progress is emitted after each part completes (spec.md §4.7).
type Progress struct {
	CompletedParts  int
	TotalParts      int
	BytesDownloaded int64
	TotalBytes      int64
	Percent         float64
}

type Fetcher struct {
	Concurrency int
	client      *http.Client
	log         *logging.Logger
}

// New builds a Fetcher with the given concurrency cap (spec.md §4.7
// default: 6). The underlying client reuses connections per host via
// standard HTTP/1.1 keep-alive; retryablehttp.RetryMax is disabled because
// retrypolicy.PartFetch drives attempts instead, so both C4 and C7 share the
// same backoff/jitter behaviour.
func New(concurrency int) *Fetcher {
	if concurrency <= 0 {
		concurrency = 6
	}
	rc := retryablehttp.NewClient()
	rc.Logger = nil
	rc.RetryMax = 0
	return &Fetcher{
		Concurrency: concurrency,
		client:      rc.StandardClient(),
		log:         logging.New(logging.TagFetcher),
	}
}

// Fetch downloads every target's ciphertext into scratch at its offset,
// honoring the concurrency cap, retrying each part independently, and
// cancelling all outstanding requests promptly when ctx is done.
func (f *Fetcher) Fetch(ctx context.Context, scratch *os.File, targets []PartTarget, onProgress func(Progress)) error {
	var totalBytes int64
	for _, t := range targets {
		totalBytes += t.Part.Size
	}
	total := len(targets)

	var completed, bytesDone int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.Concurrency)

	for _, t := range targets {
		t := t
		g.Go(func() error {
			if err := f.fetchOne(gctx, scratch, t); err != nil {
				return fmt.Errorf("fetcher: part %d: %w", t.Part.PartNumber, err)
			}
			done := atomic.AddInt64(&bytesDone, t.Part.Size)
			c := atomic.AddInt64(&completed, 1)
			if onProgress != nil {
				pct := 0.0
				if totalBytes > 0 {
					pct = float64(done) / float64(totalBytes) * 100
				}
				onProgress(Progress{CompletedParts: int(c), TotalParts: total, BytesDownloaded: done, TotalBytes: totalBytes, Percent: pct})
			}
			return nil
		})
	}

	return g.Wait()
}

func (f *Fetcher) fetchOne(ctx context.Context, scratch *os.File, t PartTarget) error {
	policy := retrypolicy.PartFetch()
	err := retrypolicy.Do(ctx, policy, classifyHTTPError, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.Part.DiscordURL, nil)
		if err != nil {
			return err
		}
		resp, err := f.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return &statusError{code: resp.StatusCode}
		}

		buf := make([]byte, t.Part.Size)
		if _, err := io.ReadFull(resp.Body, buf); err != nil {
			return fmt.Errorf("read body: %w", err)
		}
		if _, err := scratch.WriteAt(buf, t.Offset); err != nil {
			return fmt.Errorf("write scratch: %w", err)
		}
		return nil
	})
	if err == nil {
		return nil
	}

	var se *statusError
	if errors.As(err, &se) && !isRetryableStatus(se.code) {
		return fmt.Errorf("%w: %v", vaulterrors.SourceDataMissing, err)
	}
	return fmt.Errorf("%w: %v", vaulterrors.BackendUnavailable, err)
}

type statusError struct{ code int }

func (e *statusError) Error() string { return fmt.Sprintf("http status %d", e.code) }

func isRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

func classifyHTTPError(err error) retrypolicy.Classification {
	var se *statusError
	if errors.As(err, &se) {
		return retrypolicy.Classification{Retryable: isRetryableStatus(se.code)}
	}
	// Network errors (reset, timeout, DNS): transient per spec.md §4.7.
	return retrypolicy.Classification{Retryable: true}
}
