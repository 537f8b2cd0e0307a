package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kozakura/marketcrawl/internal/crawler/config"
)

type stubCapturer struct {
	calls int
	auth  BrowserAuth
	err   error
}

func (s *stubCapturer) Capture(ctx context.Context, userAgent string) (BrowserAuth, error) {
	s.calls++
	if s.err != nil {
		return BrowserAuth{}, s.err
	}
	return s.auth, nil
}

func newTestAuthenticator(t *testing.T, capturer BrowserCapturer) *Authenticator {
	t.Helper()
	a, err := New(config.TokenSettings{MaxAgeMinutes: 30}, capturer)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestStartsInHTTPMode(t *testing.T) {
	a := newTestAuthenticator(t, nil)
	if a.Mode() != ModeHTTP {
		t.Fatalf("expected initial mode HTTP, got %v", a.Mode())
	}
}

func TestGetAuthHeadersHTTPMode(t *testing.T) {
	a := newTestAuthenticator(t, nil)
	headers, err := a.GetAuthHeaders(context.Background(), "https://api.example.com/search", "POST")
	if err != nil {
		t.Fatalf("GetAuthHeaders: %v", err)
	}
	if headers["dpop"] == "" {
		t.Error("expected dpop header to be set")
	}
	if headers["x-platform"] != "web" {
		t.Errorf("expected x-platform=web, got %q", headers["x-platform"])
	}
}

func TestOnFailureTriggersFallbackAfterThreshold(t *testing.T) {
	capturer := &stubCapturer{auth: BrowserAuth{
		Headers:           map[string]string{"x": "y"},
		SearchSessionID:   "sess",
		LaplaceDeviceUUID: "device",
	}}
	a := newTestAuthenticator(t, capturer)

	ctx := context.Background()
	for i := 0; i < FallbackThreshold; i++ {
		a.OnFailure(ctx, 500)
	}

	if a.Mode() != ModeBrowser {
		t.Fatalf("expected fallback to browser mode after %d failures, got %v", FallbackThreshold, a.Mode())
	}
	if capturer.calls == 0 {
		t.Error("expected browser capturer to have been invoked")
	}
}

func TestOnFailure403StartsCooldown(t *testing.T) {
	a := newTestAuthenticator(t, nil)
	a.OnFailure(context.Background(), 403)
	if !a.IsCoolingDown() {
		t.Error("expected cooldown to be active after 403")
	}
}

func TestGetAuthHeadersWaitsOutCooldown(t *testing.T) {
	a := newTestAuthenticator(t, nil)
	a.mu.Lock()
	a.cooldownUntil = time.Now().Add(20 * time.Millisecond)
	a.mu.Unlock()

	start := time.Now()
	_, err := a.GetAuthHeaders(context.Background(), "https://api.example.com/search", "POST")
	if err != nil {
		t.Fatalf("GetAuthHeaders: %v", err)
	}
	if time.Since(start) < 15*time.Millisecond {
		t.Error("expected GetAuthHeaders to wait out the cooldown")
	}
}

func TestGetAuthHeadersRespectsContextCancelDuringCooldown(t *testing.T) {
	a := newTestAuthenticator(t, nil)
	a.mu.Lock()
	a.cooldownUntil = time.Now().Add(time.Hour)
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := a.GetAuthHeaders(ctx, "https://api.example.com/search", "POST")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline exceeded, got %v", err)
	}
}

func TestTryRecoverHTTPModeRespectsRecoveryInterval(t *testing.T) {
	capturer := &stubCapturer{auth: BrowserAuth{Headers: map[string]string{"x": "y"}}}
	a := newTestAuthenticator(t, capturer)

	ctx := context.Background()
	for i := 0; i < FallbackThreshold; i++ {
		a.OnFailure(ctx, 500)
	}
	if a.Mode() != ModeBrowser {
		t.Fatalf("expected browser mode, got %v", a.Mode())
	}

	recovered, err := a.TryRecoverHTTPMode()
	if err != nil {
		t.Fatalf("TryRecoverHTTPMode: %v", err)
	}
	if recovered {
		t.Error("expected recovery to be refused before RecoveryInterval elapses")
	}

	a.mu.Lock()
	a.state.LastFailureTime = time.Now().Add(-RecoveryInterval - time.Second)
	a.mu.Unlock()

	recovered, err = a.TryRecoverHTTPMode()
	if err != nil {
		t.Fatalf("TryRecoverHTTPMode: %v", err)
	}
	if !recovered {
		t.Error("expected recovery to succeed after RecoveryInterval elapses")
	}
	if a.Mode() != ModeHTTP {
		t.Errorf("expected mode HTTP after recovery, got %v", a.Mode())
	}
}

func TestOnSuccessResetsConsecutiveFailures(t *testing.T) {
	a := newTestAuthenticator(t, nil)
	a.OnFailure(context.Background(), 500)
	a.OnFailure(context.Background(), 500)
	a.OnSuccess()

	snap := a.Snapshot()
	if snap.ConsecutiveFailures != 0 {
		t.Errorf("expected consecutive failures reset to 0, got %d", snap.ConsecutiveFailures)
	}
}

func TestGetBrowserHeadersFailsWithoutCapturer(t *testing.T) {
	a := newTestAuthenticator(t, nil)
	a.mu.Lock()
	a.state.Mode = ModeBrowser
	a.mu.Unlock()

	_, err := a.GetAuthHeaders(context.Background(), "https://api.example.com/search", "POST")
	if err == nil {
		t.Fatal("expected error when no browser capturer is configured")
	}
}
