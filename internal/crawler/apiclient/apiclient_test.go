package apiclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kozakura/marketcrawl/internal/crawler/auth"
	"github.com/kozakura/marketcrawl/internal/crawler/config"
)

func newTestAuthenticator(t *testing.T) *auth.Authenticator {
	t.Helper()
	a, err := auth.New(config.TokenSettings{MaxAgeMinutes: 30}, nil)
	if err != nil {
		t.Fatalf("auth.New: %v", err)
	}
	return a
}

func TestSearchParsesItemsOnSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"items": [
				{"id": "m1", "name": "figure A", "price": 3000, "thumbnails": ["https://img/a.jpg"]},
				{"id": "", "name": "skip me"}
			],
			"meta": {"numFound": 1, "nextPageToken": ""}
		}`))
	}))
	defer server.Close()

	client := New(newTestAuthenticator(t), WithSearchURL(server.URL))
	result, err := client.Search(context.Background(), "hololive", StatusOnSale, "", 120)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(result.Items) != 1 {
		t.Fatalf("expected 1 item (empty sourceId dropped), got %d", len(result.Items))
	}
	if result.Items[0].SourceID != "m1" || result.Items[0].ItemURL != "https://jp.mercari.com/item/m1" {
		t.Errorf("unexpected item: %+v", result.Items[0])
	}
	if result.HasNext {
		t.Error("expected HasNext false with empty nextPageToken")
	}
}

func TestSearchReturnsForbiddenError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":"forbidden"}`))
	}))
	defer server.Close()

	client := New(newTestAuthenticator(t), WithSearchURL(server.URL))
	_, err := client.Search(context.Background(), "hololive", StatusOnSale, "", 120)
	var forbidden ErrForbidden
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected ErrForbidden, got %v (%T)", err, err)
	}
}

func TestSearchAllPagesStopsOnEmptyNextToken(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"items":[{"id":"m1","name":"x","price":100}],"meta":{"numFound":1,"nextPageToken":""}}`))
	}))
	defer server.Close()

	client := New(newTestAuthenticator(t), WithSearchURL(server.URL))
	items, pages, err := client.SearchAllPages(context.Background(), "hololive", StatusOnSale, 5, time.Millisecond)
	if err != nil {
		t.Fatalf("SearchAllPages: %v", err)
	}
	if pages != 1 {
		t.Errorf("expected 1 page completed, got %d", pages)
	}
	if len(items) != 1 {
		t.Errorf("expected 1 item accumulated, got %d", len(items))
	}
	if calls != 1 {
		t.Errorf("expected exactly 1 upstream call, got %d", calls)
	}
}

func TestFingerprintRotatesAfterRotationInterval(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"items":[],"meta":{"numFound":0,"nextPageToken":""}}`))
	}))
	defer server.Close()

	client := New(newTestAuthenticator(t), WithSearchURL(server.URL))

	startVersion, startLang := client.FingerprintInfo()

	for i := 0; i < fingerprintRotationInterval; i++ {
		if _, err := client.Search(context.Background(), "hololive", StatusOnSale, "", 120); err != nil {
			t.Fatalf("Search: %v", err)
		}
	}

	endVersion, endLang := client.FingerprintInfo()
	if endVersion == startVersion && endLang == startLang {
		t.Errorf("expected fingerprint to rotate after %d requests, still %s/%s", fingerprintRotationInterval, endVersion, endLang)
	}
}

func TestSearchAllPagesRespectsMaxPages(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"items":[{"id":"m1","name":"x","price":100}],"meta":{"numFound":1,"nextPageToken":"next"}}`))
	}))
	defer server.Close()

	client := New(newTestAuthenticator(t), WithSearchURL(server.URL))
	_, pages, err := client.SearchAllPages(context.Background(), "hololive", StatusOnSale, 3, time.Millisecond)
	if err != nil {
		t.Fatalf("SearchAllPages: %v", err)
	}
	if pages != 3 {
		t.Errorf("expected exactly maxPages=3 pages completed, got %d", pages)
	}
	if calls != 3 {
		t.Errorf("expected exactly 3 upstream calls, got %d", calls)
	}
}
