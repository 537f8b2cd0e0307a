// Package auth implements the dual-mode authenticator: it prefers
// self-generated DPoP tokens (HTTP mode) and falls back to credentials
// captured from a real browser session (BROWSER mode) after repeated
// failures, periodically attempting to recover back to HTTP mode.
package auth

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/kozakura/marketcrawl/internal/crawler/config"
	"github.com/kozakura/marketcrawl/internal/crawler/dpop"
)

// Mode is the authenticator's current credential source.
type Mode int

const (
	// ModeHTTP signs requests with a process-local DPoP key.
	ModeHTTP Mode = iota
	// ModeBrowser serves headers and cookies captured from a real browser.
	ModeBrowser
)

func (m Mode) String() string {
	if m == ModeBrowser {
		return "browser"
	}
	return "http"
}

// Tuning constants matching the reference implementation.
const (
	FallbackThreshold   = 3
	RecoveryInterval    = 300 * time.Second
	KeyRotationInterval = 900 * time.Second
	CooldownAfter403    = 60 * time.Second
)

// userAgents mirrors the reference crawler's rotation pool so HTTP-mode
// requests present a plausible, recent desktop Chrome.
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/144.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/144.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/143.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/143.0.0.0 Safari/537.36",
}

// BrowserAuth is the credential bundle produced by a browser capture.
type BrowserAuth struct {
	Headers           map[string]string
	Cookies           map[string]string
	SearchSessionID   string
	LaplaceDeviceUUID string
	CapturedAt        time.Time
}

// State is a snapshot of the authenticator's bookkeeping, exposed for the
// engine's health endpoint.
type State struct {
	Mode                  Mode
	ConsecutiveFailures   int
	LastFailureTime       time.Time
	TotalHTTPRequests     uint64
	TotalBrowserFallbacks uint64
	ModeSwitches          uint64
}

// BrowserCapturer is the opaque "capture a real session" collaborator: a
// headless browser driver that navigates the marketplace search page and
// intercepts the resulting search request to recover valid headers,
// cookies, and session identifiers. It is out of scope for this module —
// callers supply their own implementation.
type BrowserCapturer interface {
	Capture(ctx context.Context, userAgent string) (BrowserAuth, error)
}

// Authenticator is the dual-mode credential source shared by every
// in-flight request. It is safe for concurrent use.
type Authenticator struct {
	mu        sync.Mutex
	browserMu sync.Mutex

	state State

	signer    *dpop.Signer
	userAgent string

	browserAuth   *BrowserAuth
	cooldownUntil time.Time

	maxAge   time.Duration
	capturer BrowserCapturer
}

// New constructs an Authenticator starting in HTTP mode with a freshly
// generated DPoP keypair.
func New(settings config.TokenSettings, capturer BrowserCapturer) (*Authenticator, error) {
	signer, err := dpop.NewSigner("", "")
	if err != nil {
		return nil, fmt.Errorf("auth: generate initial dpop signer: %w", err)
	}
	return &Authenticator{
		state:    State{Mode: ModeHTTP},
		signer:   signer,
		userAgent: userAgents[rand.Intn(len(userAgents))],
		maxAge:   time.Duration(settings.MaxAgeMinutes) * time.Minute,
		capturer: capturer,
	}, nil
}

// Mode returns the authenticator's current mode.
func (a *Authenticator) Mode() Mode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.Mode
}

// Snapshot returns a copy of the authenticator's current bookkeeping state.
func (a *Authenticator) Snapshot() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// IsCoolingDown reports whether a prior 403 put the authenticator into its
// cooldown window.
func (a *Authenticator) IsCoolingDown() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return time.Now().Before(a.cooldownUntil)
}

// DPoPKeyAgeSeconds returns the age of the current HTTP-mode DPoP key, or 0
// if no key has been generated yet.
func (a *Authenticator) DPoPKeyAgeSeconds() float64 {
	a.mu.Lock()
	signer := a.signer
	a.mu.Unlock()
	if signer == nil {
		return 0
	}
	return signer.AgeSeconds()
}

// GetAuthHeaders returns the headers that should accompany the next
// request. If the authenticator is cooling down after a 403, it blocks
// until the cooldown elapses or ctx is done.
func (a *Authenticator) GetAuthHeaders(ctx context.Context, url, method string) (map[string]string, error) {
	if err := a.waitOutCooldown(ctx); err != nil {
		return nil, err
	}

	a.mu.Lock()
	mode := a.state.Mode
	a.mu.Unlock()

	if mode == ModeHTTP {
		return a.getHTTPHeaders(url, method)
	}
	return a.getBrowserHeaders(ctx)
}

func (a *Authenticator) waitOutCooldown(ctx context.Context) error {
	a.mu.Lock()
	wait := time.Until(a.cooldownUntil)
	a.mu.Unlock()
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetCookies returns the browser-mode cookies, or an empty map in HTTP mode.
func (a *Authenticator) GetCookies() map[string]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state.Mode == ModeBrowser && a.browserAuth != nil {
		out := make(map[string]string, len(a.browserAuth.Cookies))
		for k, v := range a.browserAuth.Cookies {
			out[k] = v
		}
		return out
	}
	return map[string]string{}
}

// GetSessionID returns the active search session identifier.
func (a *Authenticator) GetSessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state.Mode == ModeHTTP && a.signer != nil {
		return a.signer.SessionID()
	}
	if a.browserAuth != nil {
		return a.browserAuth.SearchSessionID
	}
	return ""
}

// GetDeviceUUID returns the active laplace device identifier.
func (a *Authenticator) GetDeviceUUID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state.Mode == ModeHTTP && a.signer != nil {
		return a.signer.DeviceUUID()
	}
	if a.browserAuth != nil {
		return a.browserAuth.LaplaceDeviceUUID
	}
	return ""
}

// OnSuccess resets the consecutive-failure counter and, in HTTP mode,
// tallies the request.
func (a *Authenticator) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state.ConsecutiveFailures = 0
	if a.state.Mode == ModeHTTP {
		a.state.TotalHTTPRequests++
	}
}

// OnFailure records a failed request. A 403 starts a cooldown window;
// enough consecutive failures in HTTP mode trigger a fallback to browser
// mode.
func (a *Authenticator) OnFailure(ctx context.Context, statusCode int) {
	a.mu.Lock()
	a.state.ConsecutiveFailures++
	a.state.LastFailureTime = time.Now()
	if statusCode == 403 {
		a.cooldownUntil = time.Now().Add(CooldownAfter403)
	}
	shouldFallback := a.state.Mode == ModeHTTP && a.state.ConsecutiveFailures >= FallbackThreshold
	a.mu.Unlock()

	if shouldFallback {
		a.fallbackToBrowser(ctx)
	}
}

// TryRecoverHTTPMode switches back to HTTP mode if currently in browser
// mode and the recovery interval has elapsed since the last failure.
func (a *Authenticator) TryRecoverHTTPMode() (bool, error) {
	a.mu.Lock()
	if a.state.Mode != ModeBrowser {
		a.mu.Unlock()
		return true, nil
	}
	if time.Since(a.state.LastFailureTime) < RecoveryInterval {
		a.mu.Unlock()
		return false, nil
	}
	a.mu.Unlock()

	signer, err := dpop.NewSigner("", "")
	if err != nil {
		return false, fmt.Errorf("auth: recover http mode: %w", err)
	}

	a.mu.Lock()
	a.state.Mode = ModeHTTP
	a.state.ConsecutiveFailures = 0
	a.signer = signer
	a.state.ModeSwitches++
	a.mu.Unlock()
	return true, nil
}

func (a *Authenticator) getHTTPHeaders(url, method string) (map[string]string, error) {
	a.mu.Lock()
	if a.signer == nil || a.signer.AgeSeconds() > KeyRotationInterval.Seconds() {
		signer, err := dpop.NewSigner("", "")
		if err != nil {
			a.mu.Unlock()
			return nil, fmt.Errorf("auth: rotate dpop key: %w", err)
		}
		a.signer = signer
	}
	signer := a.signer
	userAgent := a.userAgent
	a.mu.Unlock()

	token, err := signer.Generate(method, url)
	if err != nil {
		return nil, fmt.Errorf("auth: generate dpop token: %w", err)
	}

	return map[string]string{
		"content-type":    "application/json",
		"x-platform":      "web",
		"dpop":            token,
		"user-agent":      userAgent,
		"accept":          "application/json, text/plain, */*",
		"accept-language": "ja-JP,ja;q=0.9",
		"origin":          "https://jp.mercari.com",
		"referer":         "https://jp.mercari.com/",
	}, nil
}

func (a *Authenticator) getBrowserHeaders(ctx context.Context) (map[string]string, error) {
	a.mu.Lock()
	valid := a.isBrowserAuthValidLocked()
	a.mu.Unlock()

	if !valid {
		if err := a.captureBrowserAuth(ctx); err != nil {
			return nil, err
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.browserAuth == nil {
		return nil, fmt.Errorf("auth: failed to capture browser auth")
	}
	out := make(map[string]string, len(a.browserAuth.Headers))
	for k, v := range a.browserAuth.Headers {
		out[k] = v
	}
	return out, nil
}

func (a *Authenticator) fallbackToBrowser(ctx context.Context) {
	a.mu.Lock()
	a.state.Mode = ModeBrowser
	a.state.ConsecutiveFailures = 0
	a.state.TotalBrowserFallbacks++
	a.state.ModeSwitches++
	a.mu.Unlock()

	// Best effort: pre-capture so the next call doesn't pay the latency.
	// A failure here is not fatal — getBrowserHeaders retries the capture.
	_ = a.captureBrowserAuth(ctx)
}

func (a *Authenticator) isBrowserAuthValidLocked() bool {
	if a.browserAuth == nil {
		return false
	}
	return time.Since(a.browserAuth.CapturedAt) < a.maxAge
}

func (a *Authenticator) captureBrowserAuth(ctx context.Context) error {
	a.browserMu.Lock()
	defer a.browserMu.Unlock()

	a.mu.Lock()
	valid := a.isBrowserAuthValidLocked()
	userAgent := a.userAgent
	a.mu.Unlock()
	if valid {
		return nil
	}

	if a.capturer == nil {
		return fmt.Errorf("auth: no browser capturer configured")
	}

	captured, err := a.capturer.Capture(ctx, userAgent)
	if err != nil {
		return fmt.Errorf("auth: browser capture failed: %w", err)
	}
	captured.CapturedAt = time.Now()

	a.mu.Lock()
	a.browserAuth = &captured
	a.mu.Unlock()
	return nil
}
