// Package invoker calls host services over HTTP on behalf of listeners.
package invoker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/glimte/mmate-connector/connector"
	"github.com/glimte/mmate-connector/document"
	"github.com/glimte/mmate-connector/internal/reliability"
)

const (
	contentType     = "application/xml; charset=utf-8"
	maxResponseSize = 16 << 20
)

// ErrBreakerOpen is returned while the circuit breaker rejects calls.
var ErrBreakerOpen = errors.New("invoker: service unavailable, circuit open")

// StatusError is returned for a non-2xx response that is not a fault.
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("invoker: %s returned %d: %s", e.URL, e.StatusCode, e.Body)
}

// IsRetryable reports whether the status suggests a transient failure
func (e *StatusError) IsRetryable() bool {
	switch e.StatusCode {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// HTTP posts request documents to a service URL and parses the response
// document. Faults in the response body are returned as responses.
type HTTP struct {
	url           string
	client        *http.Client
	breaker       *gobreaker.CircuitBreaker
	retry         reliability.RetryPolicy
	operationPath bool
	headers       http.Header
	logger        *slog.Logger
}

var _ connector.Invoker = (*HTTP)(nil)

// Option configures the HTTP invoker
type Option func(*HTTP)

// WithHTTPClient sets the HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(h *HTTP) {
		h.client = client
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(h *HTTP) {
		h.logger = logger
	}
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) Option {
	return func(h *HTTP) {
		h.headers.Add(key, value)
	}
}

// WithOperationPath appends the request element name to the URL path.
func WithOperationPath() Option {
	return func(h *HTTP) {
		h.operationPath = true
	}
}

// WithBreaker trips after failures consecutive transport or server errors
// and stays open for timeout. Zero failures disables the breaker.
func WithBreaker(failures uint32, timeout time.Duration) Option {
	return func(h *HTTP) {
		if failures == 0 {
			h.breaker = nil
			return
		}
		h.breaker = newBreaker(h.url, failures, timeout, h)
	}
}

// WithRetry retries transient failures under policy. Faults are responses
// and are never retried.
func WithRetry(policy reliability.RetryPolicy) Option {
	return func(h *HTTP) {
		h.retry = policy
	}
}

func newBreaker(name string, failures uint32, timeout time.Duration, h *HTTP) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			h.logger.Warn("invoker circuit changed", "url", name, "from", from.String(), "to", to.String())
		},
	})
}

// NewHTTP creates an invoker for url. A breaker tripping after five
// consecutive failures for 30s is installed unless WithBreaker overrides it.
func NewHTTP(url string, options ...Option) *HTTP {
	h := &HTTP{
		url:     strings.TrimRight(url, "/"),
		client:  &http.Client{},
		headers: make(http.Header),
		logger:  slog.Default(),
	}
	h.breaker = newBreaker(h.url, 5, 30*time.Second, h)
	for _, opt := range options {
		opt(h)
	}
	return h
}

// Invoke posts request and waits up to timeout for the response. A zero
// timeout leaves the deadline to ctx.
func (h *HTTP) Invoke(ctx context.Context, request *document.Node, timeout time.Duration) (*document.Node, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var resp *document.Node
	err := reliability.Retry(ctx, h.retry, func() error {
		var err error
		resp, err = h.attempt(ctx, request)
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (h *HTTP) attempt(ctx context.Context, request *document.Node) (*document.Node, error) {
	if h.breaker == nil {
		return h.post(ctx, request)
	}
	resp, err := h.breaker.Execute(func() (interface{}, error) {
		return h.post(ctx, request)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, reliability.Permanent(fmt.Errorf("%w: %v", ErrBreakerOpen, err))
	}
	if err != nil {
		return nil, err
	}
	return resp.(*document.Node), nil
}

func (h *HTTP) target(request *document.Node) string {
	if !h.operationPath {
		return h.url
	}
	name := request.Name
	if i := strings.LastIndexByte(name, ':'); i >= 0 {
		name = name[i+1:]
	}
	return h.url + "/" + name
}

func (h *HTTP) post(ctx context.Context, request *document.Node) (*document.Node, error) {
	url := h.target(request)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(request.Marshal()))
	if err != nil {
		return nil, reliability.Permanent(fmt.Errorf("invoker: build request: %w", err))
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/xml")
	for k, v := range h.headers {
		req.Header[k] = v
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("invoker: post %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("invoker: read response: %w", err)
	}
	h.logger.Debug("service invoked", "url", url, "status", resp.StatusCode, "duration", time.Since(start))

	var doc *document.Node
	if len(bytes.TrimSpace(body)) > 0 {
		doc, err = document.Parse(body)
		if err != nil && resp.StatusCode < 300 {
			return nil, fmt.Errorf("invoker: parse response: %w", err)
		}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if doc == nil {
			doc = document.Element("response")
		}
		return doc, nil
	case connector.IsFault(doc):
		return doc, nil
	default:
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode, Body: truncate(string(body), 256)}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
