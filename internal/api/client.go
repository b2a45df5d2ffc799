package api

import (
	"bytes"
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

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dgnsrekt/chatsync/internal/auth"
	"github.com/dgnsrekt/chatsync/internal/data"
)

// Client interface for testability
type Client interface {
	ListRooms(ctx context.Context, cursor string, size int) (data.RoomListPage, error)
	ListMessages(ctx context.Context, roomID int64, cursor string, size int) (data.MessagePage, error)
	AckRead(ctx context.Context, roomID, messageID int64) error
	DeleteMessage(ctx context.Context, roomID, messageID int64) error
}

type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
	tokens     auth.TokenSource
	limiter    *rate.Limiter
	retryCount int
	retryDelay time.Duration
	logger     *zap.Logger
}

type ackRequest struct {
	MessageID int64 `json:"messageId"`
}

func NewClient(baseURL string, tokens auth.TokenSource, ratePerSec int, timeout, retryDelay time.Duration, retryCount int, logger *zap.Logger) *HTTPClient {
	transport := &http.Transport{
		MaxIdleConns:       100,
		MaxConnsPerHost:    10,
		IdleConnTimeout:    90 * time.Second,
		DisableCompression: false,
	}

	return &HTTPClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		tokens:     tokens,
		limiter:    rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec*2),
		retryCount: retryCount,
		retryDelay: retryDelay,
		logger:     logger,
	}
}

// ListRooms fetches one page of the caller's rooms.
func (c *HTTPClient) ListRooms(ctx context.Context, cursor string, size int) (data.RoomListPage, error) {
	var page data.RoomListPage
	err := c.do(ctx, http.MethodGet, "/api/chatrooms"+pageQuery(cursor, size), nil, &page)
	return page, err
}

// ListMessages fetches one page of a room's history, newest page first.
func (c *HTTPClient) ListMessages(ctx context.Context, roomID int64, cursor string, size int) (data.MessagePage, error) {
	var page data.MessagePage
	path := fmt.Sprintf("/api/chatrooms/%d/messages%s", roomID, pageQuery(cursor, size))
	err := c.do(ctx, http.MethodGet, path, nil, &page)
	return page, err
}

// AckRead acknowledges the read position of a room. The call is idempotent.
func (c *HTTPClient) AckRead(ctx context.Context, roomID, messageID int64) error {
	path := fmt.Sprintf("/api/chatrooms/%d/read", roomID)
	return c.do(ctx, http.MethodPatch, path, ackRequest{MessageID: messageID}, nil)
}

// DeleteMessage soft-deletes a message. The change arrives back on the
// room channel.
func (c *HTTPClient) DeleteMessage(ctx context.Context, roomID, messageID int64) error {
	path := fmt.Sprintf("/api/chatrooms/%d/messages/%d", roomID, messageID)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func pageQuery(cursor string, size int) string {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if size > 0 {
		q.Set("size", strconv.Itoa(size))
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	// Wait for rate limiter
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
	}

	endpoint := c.baseURL + path
	c.logger.Debug("requesting", zap.String("method", method), zap.String("url", endpoint))

	var lastErr error
	for attempt := 0; attempt <= c.retryCount; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay * time.Duration(1<<(attempt-1)) // Exponential backoff
			c.logger.Debug("retrying request", zap.Int("attempt", attempt), zap.Duration("delay", delay))

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		// Fresh token per attempt; it may have rotated.
		token, err := c.tokens.Token()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrUnauthorized, err)
		}

		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}

		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			lastErr = err
			continue
		}

		// Read body before closing for error messages
		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()

		if readErr != nil {
			lastErr = readErr
			continue
		}

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return ErrNotFound
		case resp.StatusCode == http.StatusUnauthorized:
			return ErrUnauthorized
		case resp.StatusCode == http.StatusForbidden:
			return ErrForbidden
		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = ErrRateLimited
			continue
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
			continue
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
		}

		if out == nil || len(respBody) == 0 {
			return nil
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
		return nil
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// Compile-time interface verification
var _ Client = (*HTTPClient)(nil)
