package slackapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var ErrRateLimited = errors.New("rate limited")

// RateLimitError carries the provider's retry-after hint. The client never
// retries a rate-limited call itself; the caller decides when to reschedule.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// APIError is a non-rate-limit provider failure: either an HTTP-level error
// or an ok=false envelope (missing_scope, channel_not_found, ...).
type APIError struct {
	StatusCode int
	Code       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider api error: %s", e.Code)
	}
	return fmt.Sprintf("provider api error: http %d", e.StatusCode)
}

const DefaultBaseURL = "https://slack.com/api"

// Client is a rate-limit-aware client for the provider's Web API. It owns no
// credential state; the bearer token is passed per call so one client can
// serve every workspace.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  200 * time.Millisecond,
		maxDelay:   3 * time.Second,
	}
}

func (c *Client) ChannelHistory(ctx context.Context, token string, req HistoryRequest) (HistoryPage, error) {
	q := url.Values{}
	q.Set("channel", req.ChannelID)
	if req.Cursor != "" {
		q.Set("cursor", req.Cursor)
	}
	if req.Oldest != "" {
		q.Set("oldest", req.Oldest)
	}
	if req.Latest != "" {
		q.Set("latest", req.Latest)
	}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	var out struct {
		envelope
		Messages []Message `json:"messages"`
		HasMore  bool      `json:"has_more"`
	}
	if err := c.call(ctx, token, "conversations.history", q, &out); err != nil {
		return HistoryPage{}, err
	}
	return HistoryPage{
		Messages:   out.Messages,
		HasMore:    out.HasMore,
		NextCursor: out.ResponseMetadata.NextCursor,
	}, nil
}

func (c *Client) ThreadReplies(ctx context.Context, token string, req RepliesRequest) (HistoryPage, error) {
	q := url.Values{}
	q.Set("channel", req.ChannelID)
	q.Set("ts", req.ThreadTS)
	if req.Cursor != "" {
		q.Set("cursor", req.Cursor)
	}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	if req.Inclusive {
		q.Set("inclusive", "true")
	}
	var out struct {
		envelope
		Messages []Message `json:"messages"`
		HasMore  bool      `json:"has_more"`
	}
	if err := c.call(ctx, token, "conversations.replies", q, &out); err != nil {
		return HistoryPage{}, err
	}
	return HistoryPage{
		Messages:   out.Messages,
		HasMore:    out.HasMore,
		NextCursor: out.ResponseMetadata.NextCursor,
	}, nil
}

func (c *Client) ListChannels(ctx context.Context, token, cursor string, limit int) (ChannelPage, error) {
	q := url.Values{}
	q.Set("types", "public_channel,private_channel,mpim,im")
	q.Set("exclude_archived", "false")
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		envelope
		Channels []Channel `json:"channels"`
	}
	if err := c.call(ctx, token, "conversations.list", q, &out); err != nil {
		return ChannelPage{}, err
	}
	return ChannelPage{Channels: out.Channels, NextCursor: out.ResponseMetadata.NextCursor}, nil
}

func (c *Client) ListUsers(ctx context.Context, token, cursor string, limit int) (UserPage, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		envelope
		Members []User `json:"members"`
	}
	if err := c.call(ctx, token, "users.list", q, &out); err != nil {
		return UserPage{}, err
	}
	return UserPage{Users: out.Members, NextCursor: out.ResponseMetadata.NextCursor}, nil
}

func (c *Client) UserInfo(ctx context.Context, token, userID string) (*User, error) {
	q := url.Values{}
	q.Set("user", userID)
	var out struct {
		envelope
		User User `json:"user"`
	}
	if err := c.call(ctx, token, "users.info", q, &out); err != nil {
		return nil, err
	}
	return &out.User, nil
}

type envelope struct {
	OK               bool   `json:"ok"`
	Error            string `json:"error,omitempty"`
	ResponseMetadata struct {
		NextCursor string `json:"next_cursor"`
	} `json:"response_metadata"`
}

type envelopeReader interface {
	ok() bool
	errorCode() string
}

func (e *envelope) ok() bool          { return e.OK }
func (e *envelope) errorCode() string { return e.Error }

// call performs one Web API method call. Transient HTTP failures and 5xx
// responses are retried with capped exponential backoff; a 429 or a
// ratelimited envelope is surfaced immediately as a RateLimitError.
func (c *Client) call(ctx context.Context, token, method string, q url.Values, out envelopeReader) error {
	endpoint := c.baseURL + "/" + method
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1)); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			return &RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
		}
		if resp.StatusCode >= 500 && resp.StatusCode <= 599 {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1)); waitErr != nil {
					return waitErr
				}
				continue
			}
			return &APIError{StatusCode: resp.StatusCode}
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return &APIError{StatusCode: resp.StatusCode}
		}

		if err := json.Unmarshal(payload, out); err != nil {
			return err
		}
		if !out.ok() {
			code := out.errorCode()
			if code == "ratelimited" || code == "rate_limited" {
				return &RateLimitError{}
			}
			return &APIError{StatusCode: resp.StatusCode, Code: code}
		}
		return nil
	}
}

func (c *Client) retryDelay(attempt int) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 3 * time.Second
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
