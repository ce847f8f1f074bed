package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/http2"

	"github.com/TheMichaelB/davsync/internal/config"
	"github.com/TheMichaelB/davsync/internal/events"
	"github.com/TheMichaelB/davsync/internal/models"
)

// HTTPClient handles HTTP communication with the server.
type HTTPClient struct {
	client    *http.Client
	baseURL   string
	user      string
	password  string
	userAgent string
	logger    *events.Logger

	// Retry configuration
	maxRetries int
	retryDelay time.Duration
}

// NewHTTPClient creates an HTTP client.
func NewHTTPClient(cfg *config.ServerConfig, dev *config.DevConfig, logger *events.Logger) *HTTPClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			NextProtos: []string{"h2", "http/1.1"},
		},
	}
	if dev != nil && dev.InsecureSkipVerify {
		transport.TLSClientConfig.InsecureSkipVerify = true
	}

	if err := http2.ConfigureTransport(transport); err != nil {
		logger.WithError(err).Warn("Failed to configure HTTP/2")
	}

	return &HTTPClient{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
			// WebDAV redirects are not followed; MOVE/PUT bodies would be lost.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		user:       cfg.User,
		password:   cfg.AppPassword,
		userAgent:  cfg.UserAgent,
		maxRetries: cfg.MaxRetries,
		retryDelay: time.Second,
		logger:     logger.WithField("component", "http_client"),
	}
}

// BaseURL returns the server root.
func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

// User returns the account user id.
func (c *HTTPClient) User() string {
	return c.user
}

// SetRetryDelay overrides the initial backoff delay.
func (c *HTTPClient) SetRetryDelay(d time.Duration) {
	c.retryDelay = d
}

// errRetryableStatus marks a response worth retrying.
type errRetryableStatus struct {
	status int
}

func (e *errRetryableStatus) Error() string {
	return fmt.Sprintf("server error %d", e.status)
}

// Do executes a request. Transient failures are retried only for idempotent
// methods without a streaming sink.
func (c *HTTPClient) Do(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL, models.ErrCancelled)
	}

	requestID := events.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	logger := c.logger.WithFields(map[string]interface{}{
		"method":     req.Method,
		"url":        req.URL,
		"size":       len(req.Body),
		"request_id": requestID,
	})
	logger.Debug("Sending request")

	var resp *Response
	attempt := func() error {
		r, err := c.execute(ctx, req, requestID)
		if err != nil {
			return err
		}
		resp = r
		if c.isRetryable(r.StatusCode) {
			return &errRetryableStatus{status: r.StatusCode}
		}
		return nil
	}

	var err error
	if isIdempotent(req.Method) && req.Sink == nil {
		err = c.retry(ctx, attempt)
	} else {
		err = attempt()
	}

	var rs *errRetryableStatus
	if errors.As(err, &rs) && resp != nil {
		// Out of retries; hand the last status to the caller.
		err = nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL, models.ErrCancelled)
		}
		return nil, err
	}

	logger.WithField("status", resp.StatusCode).Debug("Received response")
	return resp, nil
}

func (c *HTTPClient) execute(ctx context.Context, req *Request, requestID string) (*Response, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	for k, v := range req.Header {
		httpReq.Header[k] = v
	}
	httpReq.Header.Set("User-Agent", c.userAgent)
	httpReq.Header.Set("X-Request-ID", requestID)
	if strings.Contains(req.URL, "/ocs/") {
		httpReq.Header.Set("OCS-APIRequest", "true")
		httpReq.Header.Set("Accept", "application/json")
	}
	if c.user != "" {
		httpReq.SetBasicAuth(c.user, c.password)
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer httpResp.Body.Close()

	resp := &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
	}

	if req.Sink != nil && isSuccess(httpResp.StatusCode) {
		resp.Written, err = io.Copy(req.Sink, httpResp.Body)
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		return resp, nil
	}

	resp.Body, err = io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return resp, nil
}

// retry executes a function with exponential backoff.
func (c *HTTPClient) retry(ctx context.Context, fn func() error) error {
	var lastErr error
	delay := c.retryDelay

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.WithFields(map[string]interface{}{
				"attempt": attempt,
				"delay":   delay,
			}).Debug("Retrying request")

			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err

		if !c.isRetryableError(err) {
			return err
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// isRetryable checks if an HTTP status code is retryable.
func (c *HTTPClient) isRetryable(status int) bool {
	return status == http.StatusTooManyRequests ||
		(status >= 500 && status < 600 && status != http.StatusNotImplemented && status != http.StatusInsufficientStorage)
}

// isRetryableError checks if an error is retryable.
func (c *HTTPClient) isRetryableError(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// isIdempotent reports whether repeating method has no additional effect.
// MOVE, MKCOL, POST and LOCK are excluded.
func isIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, MethodPropfind:
		return true
	}
	return false
}
