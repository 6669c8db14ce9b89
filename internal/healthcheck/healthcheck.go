// Package healthcheck implements C10: a two-pass HEAD sweep over part URLs
// that distinguishes expired (recoverable via C6) from truly-gone parts.
// Grounded on spec.md §4.10; no teacher analogue (the teacher never
// verifies a stored URL), so the bounded-concurrency HEAD sweep follows the
// same errgroup.SetLimit shape as upload.Orchestrator's dispatch loop.
package healthcheck

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"discordvault/internal/botpool"
	"discordvault/internal/index"
	"discordvault/internal/logging"
	"discordvault/internal/resolver"
)

// Status is a part's health classification (spec.md §4.10 state machine:
// unknown -> healthy -> url_refreshed <-> unhealthy -> (refreshed) healthy).
type Status string

const (
	StatusHealthy      Status = "healthy"
	StatusURLRefreshed Status = "url_refreshed"
	StatusUnhealthy    Status = "unhealthy"
	StatusError        Status = "error"
)

// PartResult is one part's outcome from a sweep.
type PartResult struct {
	PartID     int64
	PartNumber int
	Status     Status
}

// Counts summarizes a sweep.
type Counts struct {
	Healthy      int
	URLRefreshed int
	Unhealthy    int
	Error        int
}

func (c *Counts) add(s Status) {
	switch s {
	case StatusHealthy:
		c.Healthy++
	case StatusURLRefreshed:
		c.Healthy++
		c.URLRefreshed++
	case StatusUnhealthy:
		c.Unhealthy++
	case StatusError:
		c.Error++
	}
}

// Progress is emitted after each part completes.
type Progress struct {
	Completed int
	Total     int
	Counts    Counts
}

// Report is the outcome of a full sweep.
type Report struct {
	Counts  Counts
	Results []PartResult
}

// Engine sweeps part URLs with bounded concurrency, escalating
// refresh-candidates to C6 under a smaller semaphore.
type Engine struct {
	Index    *index.Index
	Resolver *resolver.Resolver // nil disables refresh: candidates classify straight to unhealthy
	Pool     *botpool.Pool      // nil disables refresh, same as above

	Client           *http.Client
	Concurrency      int // HEAD sweep concurrency, default 20
	RefreshSemaphore int // concurrent C6 escalations, default 3
	BatchSize        int // index flush batch size, default 500

	log *logging.Logger
}

// New builds an Engine with spec.md §4.10 defaults. Resolver/pool may be
// nil to run a HEAD-only sweep with refresh disabled.
func New(idx *index.Index, res *resolver.Resolver, pool *botpool.Pool) *Engine {
	return &Engine{
		Index:            idx,
		Resolver:         res,
		Pool:             pool,
		Client:           &http.Client{Timeout: 10 * time.Second},
		Concurrency:      20,
		RefreshSemaphore: 3,
		BatchSize:        500,
		log:              logging.New(logging.TagHealthcheck),
	}
}

// Run sweeps parts fresh: HEAD first, escalating 403/404/410 to C6 (pass 1,
// spec.md §4.10).
func (e *Engine) Run(ctx context.Context, parts []index.Part, onProgress func(Progress)) (*Report, error) {
	return e.sweep(ctx, parts, false, onProgress)
}

// Recheck re-sweeps parts already known unhealthy, skipping the HEAD and
// going straight to C6+HEAD under the same semaphore (pass 2, spec.md
// §4.10).
func (e *Engine) Recheck(ctx context.Context, parts []index.Part, onProgress func(Progress)) (*Report, error) {
	return e.sweep(ctx, parts, true, onProgress)
}

func (e *Engine) sweep(ctx context.Context, parts []index.Part, skipHead bool, onProgress func(Progress)) (*Report, error) {
	results := make([]PartResult, len(parts))
	refreshSem := make(chan struct{}, e.RefreshSemaphore)

	var mu sync.Mutex
	var counts Counts
	var completed int
	var pendingUpdates []index.PartURLUpdate

	flush := func() {
		if len(pendingUpdates) == 0 {
			return
		}
		if err := e.Index.UpdatePartURLs(pendingUpdates); err != nil {
			e.log.Warn("batch url flush of %d update(s) failed: %v", len(pendingUpdates), err)
		}
		pendingUpdates = pendingUpdates[:0]
	}

	record := func(i int, status Status, update *index.PartURLUpdate) {
		mu.Lock()
		defer mu.Unlock()
		results[i] = PartResult{PartID: parts[i].ID, PartNumber: parts[i].PartNumber, Status: status}
		counts.add(status)
		if update != nil {
			pendingUpdates = append(pendingUpdates, *update)
			if len(pendingUpdates) >= e.BatchSize {
				flush()
			}
		}
		completed++
		if onProgress != nil {
			onProgress(Progress{Completed: completed, Total: len(parts), Counts: counts})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.Concurrency)

	for i, p := range parts {
		i, p := i, p
		g.Go(func() error {
			status, update := e.checkOne(gctx, p, skipHead, refreshSem)
			record(i, status, update)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("healthcheck: sweep: %w", err)
	}

	mu.Lock()
	flush()
	mu.Unlock()

	return &Report{Counts: counts, Results: results}, nil
}

func (e *Engine) checkOne(ctx context.Context, p index.Part, skipHead bool, refreshSem chan struct{}) (Status, *index.PartURLUpdate) {
	if !skipHead {
		switch e.head(ctx, p.DiscordURL) {
		case headHealthy:
			return StatusHealthy, nil
		case headRefreshCandidate:
			return e.attemptRefresh(ctx, p, refreshSem)
		case headError:
			return StatusError, nil
		default:
			return StatusUnhealthy, nil
		}
	}
	return e.attemptRefresh(ctx, p, refreshSem)
}

// attemptRefresh escalates a single part to C6 under refreshSem, then HEADs
// the refreshed URL once. Refresh failures classify as unhealthy rather
// than failing the sweep (spec.md §4.10 uses Graceful mode here).
func (e *Engine) attemptRefresh(ctx context.Context, p index.Part, refreshSem chan struct{}) (Status, *index.PartURLUpdate) {
	if e.Resolver == nil || e.Pool == nil {
		return StatusUnhealthy, nil
	}

	select {
	case refreshSem <- struct{}{}:
	case <-ctx.Done():
		return StatusError, nil
	}
	defer func() { <-refreshSem }()

	resolved, updates, err := e.Resolver.ResolveNoPersist(ctx, []index.Part{p}, resolver.Graceful)
	if err != nil || len(resolved) == 0 || len(updates) == 0 {
		return StatusUnhealthy, nil
	}
	newURL := resolved[0].DiscordURL
	if newURL == "" || newURL == p.DiscordURL {
		return StatusUnhealthy, nil
	}

	if e.head(ctx, newURL) == headHealthy {
		return StatusURLRefreshed, &updates[0]
	}
	return StatusUnhealthy, &updates[0]
}

type headOutcome int

const (
	headHealthy headOutcome = iota
	headRefreshCandidate
	headUnhealthy
	headError
)

// head runs one HEAD request with a 10s timeout, retrying 429s up to twice
// after sleeping for retry-after (spec.md §4.10 pass 1).
func (e *Engine) head(ctx context.Context, rawURL string) headOutcome {
	const maxRateLimitRetries = 2

	for attempt := 0; ; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, rawURL, nil)
		if err != nil {
			cancel()
			return headError
		}
		resp, err := e.Client.Do(req)
		cancel()
		if err != nil {
			return headError
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return headHealthy
		}

		switch resp.StatusCode {
		case http.StatusTooManyRequests:
			if attempt >= maxRateLimitRetries {
				return headUnhealthy
			}
			select {
			case <-ctx.Done():
				return headError
			case <-time.After(retryAfter(resp)):
			}
			continue
		case http.StatusForbidden, http.StatusNotFound, http.StatusGone:
			return headRefreshCandidate
		default:
			return headUnhealthy
		}
	}
}

func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return time.Second
	}
	var seconds float64
	if _, err := fmt.Sscanf(v, "%f", &seconds); err != nil || seconds <= 0 {
		return time.Second
	}
	return time.Duration(seconds * float64(time.Second))
}
