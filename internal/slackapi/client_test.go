package slackapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestChannelHistoryPassesCursor(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/conversations.history" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer xoxb-test" {
			t.Errorf("unexpected auth header %q", got)
		}
		n := atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		if n == 1 {
			if r.URL.Query().Get("cursor") != "" {
				t.Errorf("first page should not carry a cursor")
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"ok":       true,
				"messages": []map[string]any{{"ts": "1700000002.000100", "text": "b"}, {"ts": "1700000001.000100", "text": "a"}},
				"has_more": true,
				"response_metadata": map[string]any{
					"next_cursor": "cur2",
				},
			})
			return
		}
		if got := r.URL.Query().Get("cursor"); got != "cur2" {
			t.Errorf("second page cursor = %q, want cur2", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":       true,
			"messages": []map[string]any{{"ts": "1700000000.000100", "text": "z"}},
			"has_more": false,
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, server.Client())
	page, err := client.ChannelHistory(context.Background(), "xoxb-test", HistoryRequest{ChannelID: "C1", Limit: 2})
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if len(page.Messages) != 2 || !page.HasMore || page.NextCursor != "cur2" {
		t.Fatalf("unexpected first page: %+v", page)
	}
	page, err = client.ChannelHistory(context.Background(), "xoxb-test", HistoryRequest{ChannelID: "C1", Cursor: page.NextCursor})
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(page.Messages) != 1 || page.HasMore {
		t.Fatalf("unexpected second page: %+v", page)
	}
}

func TestRateLimitSurfacedWithoutRetry(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewClient(server.URL, server.Client())
	_, err := client.ChannelHistory(context.Background(), "tok", HistoryRequest{ChannelID: "C1"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("expected *RateLimitError, got %T", err)
	}
	if rle.RetryAfter != 30*time.Second {
		t.Fatalf("RetryAfter = %s, want 30s", rle.RetryAfter)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("calls = %d, a 429 must not be retried", got)
	}
}

func TestServerErrorsRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "user": map[string]any{"id": "U1", "name": "ada"}})
	}))
	defer server.Close()

	client := NewClient(server.URL, server.Client())
	client.baseDelay = time.Millisecond
	client.maxDelay = 5 * time.Millisecond

	user, err := client.UserInfo(context.Background(), "tok", "U1")
	if err != nil {
		t.Fatalf("UserInfo: %v", err)
	}
	if user.ID != "U1" || user.Name != "ada" {
		t.Fatalf("unexpected user: %+v", user)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
}

func TestEnvelopeErrorSurfaced(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "channel_not_found"})
	}))
	defer server.Close()

	client := NewClient(server.URL, server.Client())
	_, err := client.ChannelHistory(context.Background(), "tok", HistoryRequest{ChannelID: "C404"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.Code != "channel_not_found" {
		t.Fatalf("code = %q, want channel_not_found", apiErr.Code)
	}
}

func TestRatelimitedEnvelopeTreatedAsRateLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "ratelimited"})
	}))
	defer server.Close()

	client := NewClient(server.URL, server.Client())
	_, err := client.ListUsers(context.Background(), "tok", "", 100)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := parseRetryAfter("42"); got != 42*time.Second {
		t.Fatalf("parseRetryAfter(42) = %s", got)
	}
	if got := parseRetryAfter(""); got != 0 {
		t.Fatalf("parseRetryAfter empty = %s", got)
	}
	if got := parseRetryAfter("soon"); got != 0 {
		t.Fatalf("parseRetryAfter garbage = %s", got)
	}
}
