// Package kiro is the upstream HTTP client: it sends conversation
// payloads to the CodeWhisperer endpoint with token refresh on 403,
// exponential backoff on transient failures, and a first-token deadline
// for streaming calls.
package kiro

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	apperrors "github.com/kirogate/kirogate/internal/errors"
	"github.com/kirogate/kirogate/internal/models"
	"github.com/kirogate/kirogate/internal/util"
)

const generatePath = "/generateAssistantResponse"

// TokenSource supplies and refreshes upstream access tokens. The auth
// Manager satisfies it.
type TokenSource interface {
	GetAccessToken(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context) (string, error)
}

// ClientConfig tunes the retry and timeout behavior.
type ClientConfig struct {
	Region            string
	MaxRetries        int
	BaseRetryDelay    time.Duration
	FirstTokenRetries int

	// BaseURL overrides the regional endpoint in tests.
	BaseURL string
}

// Client is the upstream conversation client. One Client is shared
// across requests; the underlying transport pools connections.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
}

// NewClient builds a Client with a pooled transport.
func NewClient(cfg ClientConfig) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseRetryDelay <= 0 {
		cfg.BaseRetryDelay = time.Second
	}
	if cfg.FirstTokenRetries <= 0 {
		cfg.FirstTokenRetries = 3
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     60 * time.Second,
			},
		},
	}
}

func (c *Client) endpoint() string {
	if c.cfg.BaseURL != "" {
		return c.cfg.BaseURL + generatePath
	}
	return fmt.Sprintf("https://codewhisperer.%s.amazonaws.com%s", c.cfg.Region, generatePath)
}

// cancelOnCloseBody releases the attempt context when the caller is done
// with the response body, so the connection is not held open.
type cancelOnCloseBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnCloseBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// Send posts the payload and returns the response body stream. For
// streaming calls, timeout bounds the wait for response headers only;
// for non-streaming calls it bounds the whole exchange.
//
// A 403 forces a token refresh; the first one does not consume a retry
// attempt, later ones do. 429, 5xx and non-streaming timeouts back off
// exponentially; streaming first-token timeouts retry immediately on
// their own budget. Budget exhaustion yields 504 for streaming calls
// and 502 otherwise.
func (c *Client) Send(ctx context.Context, payload *models.KiroPayload, tokens TokenSource, stream bool, timeout time.Duration) (io.ReadCloser, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, apperrors.New(http.StatusInternalServerError, apperrors.CodeInternal, "encode upstream payload", err)
	}

	// Streaming attempts run on their own retry budget.
	maxAttempts := c.cfg.MaxRetries
	if stream {
		maxAttempts = c.cfg.FirstTokenRetries
	}

	var (
		lastErr        error
		freeRefresh    = true
		timeoutRetries = 0
	)

	for attempt := 0; attempt < maxAttempts; {
		token, err := tokens.GetAccessToken(ctx)
		if err != nil {
			return nil, err
		}

		respBody, status, err := c.attempt(ctx, body, token, stream, timeout)
		if err == nil && status == http.StatusOK {
			return respBody, nil
		}

		switch {
		case err != nil && isDeadline(err):
			lastErr = err
			if stream {
				timeoutRetries++
				log.WithField("attempt", timeoutRetries).Warn("upstream timed out before first token, retrying")
				if timeoutRetries >= c.cfg.FirstTokenRetries {
					return nil, c.exhausted(stream, lastErr)
				}
				// Timeout retries are immediate and have their own budget.
				continue
			}
			attempt++
			log.WithField("attempt", attempt).Warn("upstream attempt timed out, retrying")
			if attempt >= maxAttempts {
				return nil, c.exhausted(stream, lastErr)
			}
			if err := c.backoff(ctx, attempt-1); err != nil {
				return nil, err
			}

		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			attempt++
			if attempt >= maxAttempts {
				return nil, c.exhausted(stream, lastErr)
			}
			if err := c.backoff(ctx, attempt-1); err != nil {
				return nil, err
			}

		case status == http.StatusForbidden:
			lastErr = apperrors.UpstreamTransient(status, "upstream rejected token", nil)
			log.Warn("upstream returned 403, forcing token refresh")
			if _, err := tokens.ForceRefresh(ctx); err != nil {
				return nil, err
			}
			if freeRefresh {
				freeRefresh = false
				continue
			}
			attempt++
			if attempt >= maxAttempts {
				return nil, c.exhausted(stream, lastErr)
			}

		case status == http.StatusTooManyRequests || status >= 500:
			lastErr = apperrors.UpstreamTransient(status,
				fmt.Sprintf("upstream returned %d", status), nil)
			attempt++
			if attempt >= maxAttempts {
				return nil, c.exhausted(stream, lastErr)
			}
			if err := c.backoff(ctx, attempt-1); err != nil {
				return nil, err
			}

		default:
			// Terminal client error: surface the upstream message as-is.
			return nil, apperrors.New(status, apperrors.CodeBadRequest, lastBodyMessage(respBody, status), nil)
		}
	}
	return nil, c.exhausted(stream, lastErr)
}

// attempt runs one HTTP exchange. On success the returned body must be
// closed by the caller; on non-200 the body is fully read and returned
// as a drained reader for error extraction.
func (c *Client) attempt(ctx context.Context, body []byte, token string, stream bool, timeout time.Duration) (io.ReadCloser, int, error) {
	attemptCtx, cancel := context.WithCancel(ctx)

	var timedOut atomic.Bool
	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() {
			timedOut.Store(true)
			cancel()
		})
	}

	fail := func(err error) (io.ReadCloser, int, error) {
		if timer != nil {
			timer.Stop()
		}
		cancel()
		if timedOut.Load() {
			return nil, 0, context.DeadlineExceeded
		}
		return nil, 0, err
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.endpoint(), bytes.NewReader(body))
	if err != nil {
		return fail(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", "KiroGateway-"+util.ShortFingerprint())
	req.Header.Set("x-amz-target", "AmazonCodeWhispererStreamingService.GenerateAssistantResponse")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fail(err)
	}

	if resp.StatusCode != http.StatusOK {
		// Drain the error body within the attempt deadline.
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if timer != nil {
			timer.Stop()
		}
		cancel()
		return io.NopCloser(bytes.NewReader(errBody)), resp.StatusCode, nil
	}

	if stream {
		// Headers arrived within the first-token deadline; the body is
		// read at the consumer's pace.
		if timer != nil {
			timer.Stop()
		}
		return &cancelOnCloseBody{ReadCloser: resp.Body, cancel: cancel}, resp.StatusCode, nil
	}

	// Non-streaming: the deadline covers the whole body.
	full, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if timer != nil {
		timer.Stop()
	}
	cancel()
	if err != nil {
		if timedOut.Load() {
			return nil, 0, context.DeadlineExceeded
		}
		return nil, 0, err
	}
	return io.NopCloser(bytes.NewReader(full)), resp.StatusCode, nil
}

func isDeadline(err error) bool {
	return err == context.DeadlineExceeded
}

func (c *Client) backoff(ctx context.Context, attempt int) error {
	delay := c.cfg.BaseRetryDelay * time.Duration(1<<attempt)
	log.WithFields(log.Fields{"delay": delay}).Warn("backing off before upstream retry")
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) exhausted(stream bool, lastErr error) error {
	status := http.StatusBadGateway
	msg := "upstream request failed after retries"
	if stream {
		status = http.StatusGatewayTimeout
		msg = "upstream did not respond in time"
	}
	return apperrors.New(status, apperrors.CodeUpstreamTransient, msg, lastErr)
}

// lastBodyMessage extracts a human-readable error from an upstream error
// body: the message field, with the reason appended when present.
func lastBodyMessage(body io.ReadCloser, status int) string {
	if body == nil {
		return fmt.Sprintf("upstream returned %d", status)
	}
	raw, _ := io.ReadAll(body)
	body.Close()
	return ExtractUpstreamError(raw, status)
}

// ExtractUpstreamError pulls the message and reason out of an upstream
// error body, falling back to the raw body and then the status code.
func ExtractUpstreamError(body []byte, status int) string {
	msg := gjson.GetBytes(body, "message").String()
	if msg == "" {
		msg = gjson.GetBytes(body, "Message").String()
	}
	reason := gjson.GetBytes(body, "reason").String()

	switch {
	case msg != "" && reason != "":
		return fmt.Sprintf("%s (reason: %s)", msg, reason)
	case msg != "":
		return msg
	}

	trimmed := strings.TrimSpace(string(body))
	if trimmed != "" && len(trimmed) <= 512 {
		return trimmed
	}
	return fmt.Sprintf("upstream returned %d", status)
}
