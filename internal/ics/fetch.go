package ics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"calmerge/internal/cache"
	appLog "calmerge/internal/log"
)

// ErrFetch marks network failures, timeouts and non-2xx upstream answers.
var ErrFetch = errors.New("upstream fetch failed")

const maxBodyBytes = 32 << 20

// FetchResult contains the outcome of fetching a single ICS source.
type FetchResult struct {
	Source    Source
	Body      []byte // ICS payload (either freshly fetched or from cache)
	FromCache bool   // true if no upstream request was made for this call
}

// FetcherOptions configures a Fetcher. Zero values pick defaults.
type FetcherOptions struct {
	Timeout   time.Duration
	CacheTTL  time.Duration
	CacheSize int
	UserAgent string
	// Client overrides the HTTP client; Timeout is ignored when set.
	Client *http.Client
}

// Fetcher downloads ICS feeds. Bodies are kept in a short-lived in-memory
// cache keyed by URL, and concurrent requests for the same URL share one
// upstream request.
type Fetcher struct {
	client    *http.Client
	userAgent string
	cache     *cache.TTL[string, []byte]
	group     singleflight.Group
}

// NewFetcher creates a new ICS Fetcher.
func NewFetcher(opts FetcherOptions) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 30 * time.Second
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 20
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "calmerge"
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &Fetcher{
		client:    client,
		userAgent: opts.UserAgent,
		cache:     cache.New[string, []byte](opts.CacheTTL, opts.CacheSize),
	}
}

// Cache exposes the body cache, mainly so tests can control its clock.
func (f *Fetcher) Cache() *cache.TTL[string, []byte] {
	return f.cache
}

// FetchAll fetches all given sources concurrently and returns the results in
// source order. The first failure cancels the remaining fetches and is
// returned; no partial result is produced.
func (f *Fetcher) FetchAll(ctx context.Context, sources []Source) ([]FetchResult, error) {
	results := make([]FetchResult, len(sources))

	g, gctx := errgroup.WithContext(ctx)
	for i, src := range sources {
		i, src := i, src
		g.Go(func() error {
			res, err := f.FetchOne(gctx, src)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// FetchOne fetches a single ICS source, reusing a cached body while it is
// fresh.
func (f *Fetcher) FetchOne(ctx context.Context, src Source) (FetchResult, error) {
	if src.URL == "" {
		return FetchResult{}, fmt.Errorf("%w: source URL is empty", ErrFetch)
	}

	if body, ok := f.cache.Get(src.URL); ok {
		appLog.Debug("ics fetch cache hit", "id", src.ID, "url", redactURL(src.URL))
		return FetchResult{Source: src, Body: body, FromCache: true}, nil
	}

	// The flight outlives any single caller: it runs without the caller's
	// cancellation and is bounded by the client timeout. Each caller still
	// stops waiting when its own ctx ends.
	var fetched bool
	ch := f.group.DoChan(src.URL, func() (any, error) {
		// A flight that finished just before this one may have filled it.
		if body, ok := f.cache.Get(src.URL); ok {
			return body, nil
		}
		fetched = true
		body, err := f.fetchRemote(context.WithoutCancel(ctx), src)
		if err != nil {
			return nil, err
		}
		f.cache.Set(src.URL, body)
		return body, nil
	})

	select {
	case <-ctx.Done():
		return FetchResult{}, fmt.Errorf("%w: %s: %w", ErrFetch, redactURL(src.URL), ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			appLog.Error("ics fetch failed", res.Err, "id", src.ID, "url", redactURL(src.URL))
			return FetchResult{}, res.Err
		}
		return FetchResult{Source: src, Body: res.Val.([]byte), FromCache: !fetched}, nil
	}
}

func (f *Fetcher) fetchRemote(ctx context.Context, src Source) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL(src.URL), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/calendar, */*;q=0.5")

	appLog.Info("ics fetch start", "id", src.ID, "url", redactURL(src.URL))
	started := time.Now()

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrFetch, redactURL(src.URL), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: %s: %s", ErrFetch, redactURL(src.URL), resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrFetch, redactURL(src.URL), err)
	}
	if len(body) > maxBodyBytes {
		return nil, fmt.Errorf("%w: %s: body exceeds %d bytes", ErrFetch, redactURL(src.URL), maxBodyBytes)
	}

	appLog.Info("ics fetch success", "id", src.ID, "url", redactURL(src.URL),
		"status", resp.StatusCode, "bytes", len(body), "elapsed", time.Since(started).String())
	return body, nil
}

// requestURL maps webcal:// subscriptions to https://.
func requestURL(u string) string {
	if len(u) >= len("webcal://") && strings.EqualFold(u[:len("webcal://")], "webcal://") {
		return "https://" + u[len("webcal://"):]
	}
	return u
}

// redactURL hides sensitive parts of an ICS URL for logging purposes.
// Private feed URLs usually carry a token in the path or query:
//
//	https://example.com/path/to/private.ics?token=abcd
//	-> https://example.com/...(redacted)
func redactURL(u string) string {
	const redactedSuffix = "/...(redacted)"

	i := strings.Index(u, "://")
	if i == -1 {
		return "ics://...(redacted)"
	}
	i += 3

	j := strings.IndexAny(u[i:], "/?#")
	if j == -1 {
		j = len(u) - i
	}
	host := u[:i+j]
	// Drop userinfo.
	if at := strings.LastIndexByte(host, '@'); at >= i {
		host = u[:i] + host[at+1:]
	}
	return host + redactedSuffix
}
