// Package httputil is the thin HTTP seam under the webhook alert channel
// (internal/external.WebhookAlertChannel). The health monitor fires
// alerts from a loop that must never stall on a slow sink, so the
// production client always carries a request timeout, and the interface
// is exactly one method so tests can swap in a recorder without standing
// up a listener.
package httputil

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"
)

// defaultTimeout bounds every alert delivery attempt. A webhook that
// has not answered in this long is treated as failed; the monitor logs
// and moves on.
const defaultTimeout = 10 * time.Second

// HTTPClient is the one-method surface the alert path needs.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// StandardClient is the production HTTPClient.
type StandardClient struct {
	c *http.Client
}

// NewStandardClient wraps c, or a fresh client with the default delivery
// timeout when c is nil. Passing http.DefaultClient defeats the timeout
// guarantee; callers that want custom transport settings should still
// set a Timeout of their own.
func NewStandardClient(c *http.Client) *StandardClient {
	if c == nil {
		c = &http.Client{Timeout: defaultTimeout}
	}
	return &StandardClient{c: c}
}

// Do sends the request.
func (s *StandardClient) Do(req *http.Request) (*http.Response, error) {
	return s.c.Do(req)
}

// PostJSON marshals payload and POSTs it to url as application/json.
// The context carries any per-call deadline on top of the client's own
// timeout. Callers own closing the response body.
func PostJSON(ctx context.Context, client HTTPClient, url string, payload interface{}) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return client.Do(req)
}

// RecordedRequest is what MockHTTPClient keeps of each request: the
// parts an alert-delivery test asserts on, with the body already drained
// so the caller's io.Reader semantics match production.
type RecordedRequest struct {
	Method      string
	URL         string
	ContentType string
	Body        []byte
}

// MockHTTPClient is an in-memory HTTPClient: canned replies go out in
// FIFO order, every request is recorded, and a drained queue answers
// 200 with an empty body so simple tests need no setup at all.
type MockHTTPClient struct {
	mu    sync.Mutex
	queue []mockReply
	calls []RecordedRequest
}

type mockReply struct {
	status int
	body   string
	err    error
}

// NewMockHTTPClient creates an empty mock.
func NewMockHTTPClient() *MockHTTPClient {
	return &MockHTTPClient{}
}

// AddResponse queues one canned reply. Returns the mock for chaining.
func (m *MockHTTPClient) AddResponse(status int, body string) *MockHTTPClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, mockReply{status: status, body: body})
	return m
}

// AddError queues one transport-level failure (no response at all, as a
// connection refusal or timeout would present).
func (m *MockHTTPClient) AddError(err error) *MockHTTPClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, mockReply{err: err})
	return m
}

// Do records the request (draining its body) and pops the next canned
// reply.
func (m *MockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		body, _ = io.ReadAll(req.Body)
		req.Body.Close()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, RecordedRequest{
		Method:      req.Method,
		URL:         req.URL.String(),
		ContentType: req.Header.Get("Content-Type"),
		Body:        body,
	})

	reply := mockReply{status: http.StatusOK}
	if len(m.queue) > 0 {
		reply = m.queue[0]
		m.queue = m.queue[1:]
	}
	if reply.err != nil {
		return nil, reply.err
	}
	return &http.Response{
		StatusCode: reply.status,
		Body:       io.NopCloser(bytes.NewReader([]byte(reply.body))),
		Header:     make(http.Header),
		Request:    req,
	}, nil
}

// RequestCount returns how many requests Do has seen.
func (m *MockHTTPClient) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Request returns the nth recorded request, zero-valued if out of range.
func (m *MockHTTPClient) Request(n int) RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n < 0 || n >= len(m.calls) {
		return RecordedRequest{}
	}
	return m.calls[n]
}
