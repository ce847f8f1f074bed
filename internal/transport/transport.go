package transport

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Request is one HTTP call against the server.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte

	// Sink, when set, receives the response body instead of Response.Body.
	// Requests with a Sink are never retried.
	Sink io.Writer
}

// Response is the outcome of a Request.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Written    int64 // bytes copied to Request.Sink
}

// Transport executes HTTP methods with credential injection. It does not
// interpret status codes beyond retrying transient failures.
type Transport interface {
	Do(ctx context.Context, req *Request) (*Response, error)

	// BaseURL returns the server root, without trailing slash.
	BaseURL() string

	// User returns the account user id.
	User() string
}

// NewRequest builds a request with an empty header map.
func NewRequest(method, rawURL string, body []byte) *Request {
	return &Request{
		Method: method,
		URL:    rawURL,
		Header: make(http.Header),
		Body:   body,
	}
}

// EscapePath escapes every segment of a slash separated path.
func EscapePath(p string) string {
	if p == "" {
		return "/"
	}
	segments := strings.Split(p, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	escaped := strings.Join(segments, "/")
	if !strings.HasPrefix(escaped, "/") {
		escaped = "/" + escaped
	}
	return escaped
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}
