package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/TheMichaelB/davsync/internal/models"
)

// MockTransport provides a scripted Transport for testing.
type MockTransport struct {
	mu sync.Mutex

	// Response configuration, keyed by "METHOD /path".
	Responses map[string][]*Response

	// Handler serves requests with no scripted response.
	Handler func(req *Request) (*Response, error)

	// Error injection
	Errors map[string]error

	// Request tracking
	Requests []Request

	baseURL string
	user    string
}

// NewMockTransport creates a mock transport.
func NewMockTransport(baseURL, user string) *MockTransport {
	return &MockTransport{
		Responses: make(map[string][]*Response),
		Errors:    make(map[string]error),
		Requests:  []Request{},
		baseURL:   baseURL,
		user:      user,
	}
}

// BaseURL returns the configured base URL.
func (m *MockTransport) BaseURL() string {
	return m.baseURL
}

// User returns the configured user.
func (m *MockTransport) User() string {
	return m.user
}

// On queues a response for method and URL path. Queued responses are
// consumed in order; the last one repeats.
func (m *MockTransport) On(method, path string, resp *Response) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	key := method + " " + path
	m.Responses[key] = append(m.Responses[key], resp)
}

// Fail makes every request to method and path return err.
func (m *MockTransport) Fail(method, path string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Errors[method+" "+path] = err
}

// Do serves a scripted response.
func (m *MockTransport) Do(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL, models.ErrCancelled)
	}

	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	key := req.Method + " " + u.Path

	m.mu.Lock()
	m.Requests = append(m.Requests, *req)
	if err := m.Errors[key]; err != nil {
		m.mu.Unlock()
		return nil, err
	}

	queue := m.Responses[key]
	var resp *Response
	if len(queue) > 0 {
		resp = queue[0]
		if len(queue) > 1 {
			m.Responses[key] = queue[1:]
		}
	}
	handler := m.Handler
	m.mu.Unlock()

	if resp == nil {
		if handler == nil {
			return &Response{StatusCode: http.StatusNotFound, Header: make(http.Header)}, nil
		}
		return handler(req)
	}

	if req.Sink != nil && isSuccess(resp.StatusCode) {
		n, err := req.Sink.Write(resp.Body)
		if err != nil {
			return nil, err
		}
		return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Written: int64(n)}, nil
	}
	return resp, nil
}

// Count returns how many requests used method on path.
func (m *MockTransport) Count(method, path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, r := range m.Requests {
		u, err := url.Parse(r.URL)
		if err == nil && r.Method == method && u.Path == path {
			n++
		}
	}
	return n
}

// Reset clears tracked requests.
func (m *MockTransport) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = []Request{}
}
