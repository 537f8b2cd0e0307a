// Package apiclient wraps the upstream marketplace search endpoint with
// DPoP/browser authentication, a rotating Accept-Language fingerprint, retry
// with backoff, and a circuit breaker that trips on sustained upstream
// failure.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/kozakura/marketcrawl/common/retry"
	"github.com/kozakura/marketcrawl/internal/crawler/auth"
	"github.com/kozakura/marketcrawl/internal/crawler/models"
)

const searchURL = "https://api.mercari.jp/v2/entities:search"

// chromeVersions and acceptLanguages are rotated together every
// fingerprintRotationInterval requests to vary the client's apparent
// browser identity, the way a real browser's TLS/HTTP fingerprint would
// drift across sessions. This repo has no third-party JA3/uTLS fingerprint
// library available to it (see DESIGN.md); rotation here only changes the
// Accept-Language header sent and the Chrome version label reported by
// FingerprintInfo. The User-Agent (chosen by the Authenticator) and the
// actual TLS ClientHello stay the same.
var chromeVersions = []string{"chrome120", "chrome119", "chrome116", "chrome110"}

var acceptLanguages = []string{
	"ja-JP,ja;q=0.9",
	"ja-JP,ja;q=0.9,en-US;q=0.8,en;q=0.7",
	"ja,en-US;q=0.9,en;q=0.8",
	"ja-JP,ja;q=0.8,en-US;q=0.5,en;q=0.3",
}

const fingerprintRotationInterval = 50

// ErrRateLimited is returned when the upstream responds 429.
type ErrRateLimited struct{ StatusCode int }

func (e ErrRateLimited) Error() string { return fmt.Sprintf("apiclient: rate limited (status %d)", e.StatusCode) }

// ErrForbidden is returned when the upstream responds 403.
type ErrForbidden struct{ StatusCode int }

func (e ErrForbidden) Error() string { return fmt.Sprintf("apiclient: forbidden (status %d)", e.StatusCode) }

// ErrUpstream is returned for any other non-2xx response.
type ErrUpstream struct {
	StatusCode int
	Body       string
}

func (e ErrUpstream) Error() string {
	return fmt.Sprintf("apiclient: upstream error (status %d): %s", e.StatusCode, e.Body)
}

// SearchResult is one page of search results.
type SearchResult struct {
	Items         []models.Item
	TotalCount    uint32
	HasNext       bool
	NextPageToken string
}

// Client calls the upstream search endpoint on behalf of the Authenticator,
// retrying transient failures and tripping a circuit breaker on sustained
// failure.
type Client struct {
	http          *http.Client
	authenticator *auth.Authenticator
	breaker       *gobreaker.CircuitBreaker
	searchURL     string

	mu               sync.Mutex
	requestsSinceRot int
	fingerprintIdx   int
}

// Option customizes a Client built by New.
type Option func(*Client)

// WithSearchURL overrides the upstream search endpoint, for tests that
// point the client at an httptest.Server instead of the real API.
func WithSearchURL(url string) Option {
	return func(c *Client) { c.searchURL = url }
}

// New builds a Client bound to the given Authenticator.
func New(authenticator *auth.Authenticator, opts ...Option) *Client {
	c := &Client{
		http:          &http.Client{Timeout: 30 * time.Second},
		authenticator: authenticator,
		searchURL:     searchURL,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "mercari-search",
			MaxRequests: 1,
			Interval:    0,
			Timeout:     60 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BreakerState reports the circuit breaker's current state as a string
// ("closed", "open", "half-open"), for the engine's health snapshot.
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

// FingerprintInfo reports the Chrome version label and Accept-Language
// currently in rotation, for diagnostics.
func (c *Client) FingerprintInfo() (chromeVersion, acceptLanguage string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.fingerprintIdx % len(chromeVersions)
	return chromeVersions[idx], acceptLanguages[idx%len(acceptLanguages)]
}

func (c *Client) currentAcceptLanguage() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestsSinceRot++
	if c.requestsSinceRot >= fingerprintRotationInterval {
		c.requestsSinceRot = 0
		c.fingerprintIdx++
	}
	return acceptLanguages[c.fingerprintIdx%len(acceptLanguages)]
}

// Search issues a single page of search requests for keyword/status,
// wrapped in a circuit breaker and a bounded retry loop.
func (c *Client) Search(ctx context.Context, keyword, status, pageToken string, pageSize int) (SearchResult, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.searchWithRetry(ctx, keyword, status, pageToken, pageSize)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			return SearchResult{}, ErrUpstream{StatusCode: http.StatusServiceUnavailable, Body: "circuit open"}
		}
		return SearchResult{}, err
	}
	return result.(SearchResult), nil
}

func (c *Client) searchWithRetry(ctx context.Context, keyword, status, pageToken string, pageSize int) (SearchResult, error) {
	var result SearchResult
	cfg := retry.Config{
		MaxAttempts:  3,
		InitialDelay: 5 * time.Second,
		MaxDelay:     300 * time.Second,
		ShouldRetry: func(err error) bool {
			switch err.(type) {
			case ErrRateLimited, ErrForbidden, ErrUpstream:
				return false
			default:
				return true
			}
		},
	}
	err := retry.Do(ctx, cfg, func() error {
		r, doErr := c.doSearch(ctx, keyword, status, pageToken, pageSize)
		if doErr != nil {
			return doErr
		}
		result = r
		return nil
	})
	return result, err
}

func (c *Client) doSearch(ctx context.Context, keyword, status, pageToken string, pageSize int) (SearchResult, error) {
	sessionID := c.authenticator.GetSessionID()
	deviceUUID := c.authenticator.GetDeviceUUID()

	body, err := buildRequestBody(keyword, status, sessionID, deviceUUID, pageToken, pageSize)
	if err != nil {
		return SearchResult{}, fmt.Errorf("apiclient: build request body: %w", err)
	}

	headers, err := c.authenticator.GetAuthHeaders(ctx, c.searchURL, http.MethodPost)
	if err != nil {
		return SearchResult{}, fmt.Errorf("apiclient: get auth headers: %w", err)
	}
	headers["accept-language"] = c.currentAcceptLanguage()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.searchURL, bytes.NewReader(body))
	if err != nil {
		return SearchResult{}, fmt.Errorf("apiclient: build http request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	for name, value := range c.authenticator.GetCookies() {
		req.AddCookie(&http.Cookie{Name: name, Value: value})
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.authenticator.OnFailure(ctx, 0)
		return SearchResult{}, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.authenticator.OnFailure(ctx, resp.StatusCode)
		return SearchResult{}, fmt.Errorf("apiclient: read response body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		c.authenticator.OnSuccess()
		return parseSearchResponse(respBody)
	case resp.StatusCode == http.StatusTooManyRequests:
		c.authenticator.OnFailure(ctx, resp.StatusCode)
		return SearchResult{}, ErrRateLimited{StatusCode: resp.StatusCode}
	case resp.StatusCode == http.StatusForbidden:
		c.authenticator.OnFailure(ctx, resp.StatusCode)
		return SearchResult{}, ErrForbidden{StatusCode: resp.StatusCode}
	default:
		c.authenticator.OnFailure(ctx, resp.StatusCode)
		return SearchResult{}, ErrUpstream{StatusCode: resp.StatusCode, Body: truncate(string(respBody), 200)}
	}
}

type searchResponseEnvelope struct {
	Items []struct {
		ID         string   `json:"id"`
		Name       string   `json:"name"`
		Price      *uint32  `json:"price"`
		Thumbnails []string `json:"thumbnails"`
		Thumbnail  string   `json:"thumbnail"`
		ImageURL   string   `json:"imageUrl"`
	} `json:"items"`
	Meta struct {
		NumFound      uint32 `json:"numFound"`
		NextPageToken string `json:"nextPageToken"`
	} `json:"meta"`
}

func parseSearchResponse(data []byte) (SearchResult, error) {
	var env searchResponseEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return SearchResult{}, fmt.Errorf("apiclient: decode search response: %w", err)
	}

	items := make([]models.Item, 0, len(env.Items))
	for _, raw := range env.Items {
		if raw.ID == "" {
			continue
		}
		var price uint32
		if raw.Price != nil {
			price = *raw.Price
		}
		imageURL := raw.ImageURL
		if imageURL == "" && len(raw.Thumbnails) > 0 {
			imageURL = raw.Thumbnails[0]
		}
		if imageURL == "" {
			imageURL = raw.Thumbnail
		}
		items = append(items, models.Item{
			SourceID: raw.ID,
			Title:    raw.Name,
			Price:    price,
			ImageURL: imageURL,
			ItemURL:  fmt.Sprintf("https://jp.mercari.com/item/%s", raw.ID),
		})
	}

	totalFound := env.Meta.NumFound
	if totalFound == 0 {
		totalFound = uint32(len(items))
	}

	return SearchResult{
		Items:         items,
		TotalCount:    totalFound,
		HasNext:       env.Meta.NextPageToken != "",
		NextPageToken: env.Meta.NextPageToken,
	}, nil
}

// SearchAllPages walks pages of a single status (on-sale or sold) starting
// from an empty page token, stopping when the upstream reports no further
// page, maxPages is reached, or an error occurs — in which case it returns
// what it has accumulated plus the error.
func (c *Client) SearchAllPages(ctx context.Context, keyword, status string, maxPages int, pageDelay time.Duration) ([]models.Item, int, error) {
	var items []models.Item
	pageToken := ""
	pagesCompleted := 0

	for pagesCompleted < maxPages {
		result, err := c.Search(ctx, keyword, status, pageToken, 120)
		if err != nil {
			return items, pagesCompleted, err
		}
		items = append(items, result.Items...)
		pagesCompleted++

		if result.NextPageToken == "" {
			break
		}
		pageToken = result.NextPageToken

		if pagesCompleted < maxPages {
			timer := time.NewTimer(pageDelay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return items, pagesCompleted, ctx.Err()
			}
		}
	}

	return items, pagesCompleted, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
