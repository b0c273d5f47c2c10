// Package httpfetch provides the resilient HTTP layer shared by every
// scraper strategy: pooled connections, randomized desktop user agents,
// exponential backoff on server failures and Retry-After aware handling
// of rate limits.
package httpfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	defaultMaxAttempts    = 3
	defaultBaseDelay      = 1000 * time.Millisecond
	defaultRateLimitDelay = 5000 * time.Millisecond
	defaultRequestTimeout = 10 * time.Second
	defaultMaxRedirects   = 5
	defaultMaxIdleConns   = 20
	defaultRequestsPerSec = 4
)

var desktopUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:125.0) Gecko/20100101 Firefox/125.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.3 Safari/605.1.15",
}

// Config tunes a Fetcher. Zero values fall back to the defaults above.
type Config struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	RateLimitDelay time.Duration
	RequestTimeout time.Duration
	MaxRedirects   int
	RequestsPerSec int
	Logger         *logrus.Logger
}

// Fetcher performs resilient HTTP GETs. It is constructed once and shared
// by reference between strategies; it holds no per-request mutable state.
type Fetcher struct {
	client  *http.Client
	limiter *rate.Limiter
	config  Config
	logger  *logrus.Logger

	// sleep is swapped out in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Fetcher with a pooled transport and an outbound rate
// limiter for site politeness.
func New(config Config) *Fetcher {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaultMaxAttempts
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = defaultBaseDelay
	}
	if config.RateLimitDelay <= 0 {
		config.RateLimitDelay = defaultRateLimitDelay
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaultRequestTimeout
	}
	if config.MaxRedirects <= 0 {
		config.MaxRedirects = defaultMaxRedirects
	}
	if config.RequestsPerSec <= 0 {
		config.RequestsPerSec = defaultRequestsPerSec
	}
	if config.Logger == nil {
		config.Logger = logrus.New()
	}

	transport := &http.Transport{
		MaxIdleConns:        defaultMaxIdleConns,
		MaxIdleConnsPerHost: defaultMaxIdleConns,
		IdleConnTimeout:     90 * time.Second,
		// Transparent gzip decompression stays on when this is false.
		DisableCompression: false,
	}

	maxRedirects := config.MaxRedirects
	client := &http.Client{
		Transport: transport,
		Timeout:   config.RequestTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}

	return &Fetcher{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(config.RequestsPerSec), config.RequestsPerSec),
		config:  config,
		logger:  config.Logger,
		sleep:   sleepCtx,
	}
}

// RandomUserAgent returns a random desktop user agent string.
func RandomUserAgent() string {
	return desktopUserAgents[rand.Intn(len(desktopUserAgents))]
}

// FetchHTML GETs the URL and returns the response body. Server failures
// and network errors are retried with exponential backoff; 429 responses
// honor Retry-After and do not consume the retry budget; other 4xx
// responses fail immediately.
func (f *Fetcher) FetchHTML(ctx context.Context, url string, headers map[string]string) (string, error) {
	var lastErr error

	for attempt := 1; attempt <= f.config.MaxAttempts; attempt++ {
		if err := f.limiter.Wait(ctx); err != nil {
			return "", &FetchError{Kind: KindNetworkError, URL: url, Err: err}
		}

		body, retryAfter, err := f.doRequest(ctx, url, headers, attempt)
		if err == nil {
			return body, nil
		}
		lastErr = err

		var fe *FetchError
		if errors.As(err, &fe) {
			switch fe.Kind {
			case KindClientError:
				return "", err
			case KindRateLimited:
				f.logger.WithFields(logrus.Fields{
					"url":   url,
					"delay": retryAfter.String(),
				}).Warn("Rate limited, honoring Retry-After")
				if serr := f.sleep(ctx, retryAfter); serr != nil {
					return "", err
				}
				// 429 waits do not count against the backoff budget.
				attempt--
				continue
			}
		}

		if attempt < f.config.MaxAttempts {
			backoff := f.config.BaseDelay * (1 << (attempt - 1))
			f.logger.WithFields(logrus.Fields{
				"url":     url,
				"attempt": attempt,
				"backoff": backoff.String(),
			}).Warn("Fetch failed, retrying with backoff")
			if serr := f.sleep(ctx, backoff); serr != nil {
				return "", lastErr
			}
		}
	}

	return "", lastErr
}

func (f *Fetcher) doRequest(ctx context.Context, url string, headers map[string]string, attempt int) (string, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", 0, &FetchError{Kind: KindNetworkError, URL: url, Err: err}
	}

	hasUA := false
	for k, v := range headers {
		req.Header.Set(k, v)
		if http.CanonicalHeaderKey(k) == "User-Agent" {
			hasUA = true
		}
	}
	// Rotate the user agent on every attempt unless the caller pinned one.
	if !hasUA {
		req.Header.Set("User-Agent", RandomUserAgent())
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "text/html,application/xhtml+xml")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", 0, &FetchError{Kind: KindNetworkError, URL: url, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		delay := f.config.RateLimitDelay
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, perr := strconv.Atoi(ra); perr == nil && secs > 0 {
				delay = time.Duration(secs) * time.Second
			}
		}
		return "", delay, &FetchError{Kind: KindRateLimited, StatusCode: resp.StatusCode, URL: url}

	case resp.StatusCode >= 500:
		return "", 0, &FetchError{Kind: KindServerError, StatusCode: resp.StatusCode, URL: url}

	case resp.StatusCode >= 400:
		return "", 0, &FetchError{
			Kind:       KindClientError,
			StatusCode: resp.StatusCode,
			URL:        url,
			Err:        fmt.Errorf("%s", resp.Status),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, &FetchError{Kind: KindNetworkError, URL: url, Err: err}
	}

	f.logger.WithFields(logrus.Fields{
		"url":     url,
		"status":  resp.StatusCode,
		"bytes":   len(body),
		"attempt": attempt,
	}).Debug("Fetched page")

	return string(body), 0, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
