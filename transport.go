package tokenkeeper

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

type retryMarkerKey struct{}

// markRetried flags a request as the one permitted retry
func markRetried(req *http.Request) *http.Request {
	return req.WithContext(context.WithValue(req.Context(), retryMarkerKey{}, true))
}

// isRetried reports whether the request is already the retry of a 401
func isRetried(req *http.Request) bool {
	v, _ := req.Context().Value(retryMarkerKey{}).(bool)
	return v
}

// Transport is an http.RoundTripper that attaches the current access token to
// every request and, on a 401, refreshes through the coordinator and replays
// the request exactly once.
type Transport struct {
	base        http.RoundTripper
	store       *CredentialStore
	coordinator *RefreshCoordinator
	skipPaths   []string
	logger      *slog.Logger
	metrics     *Metrics
}

// NewTransport wraps base. A 401 on a request whose path starts with one of
// skipPaths is returned to the caller untouched.
func NewTransport(base http.RoundTripper, store *CredentialStore, coordinator *RefreshCoordinator, skipPaths []string, logger *slog.Logger, metrics *Metrics) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		base:        base,
		store:       store,
		coordinator: coordinator,
		skipPaths:   skipPaths,
		logger:      logger,
		metrics:     metrics,
	}
}

// RoundTrip implements http.RoundTripper
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	retryable := !t.skipped(req) && !isRetried(req)
	if retryable {
		var err error
		if req, err = replayable(req); err != nil {
			return nil, err
		}
	}

	resp, err := t.base.RoundTrip(authorize(req, t.store.Get()))
	if err != nil || resp.StatusCode != http.StatusUnauthorized || t.skipped(req) {
		return resp, err
	}

	discard(resp)
	if !retryable {
		t.metrics.retry("exhausted")
		return nil, &RetryExhaustedError{Method: req.Method, URL: req.URL.String(), StatusCode: resp.StatusCode}
	}

	cred, err := t.coordinator.Refresh(req.Context())
	if err != nil {
		t.metrics.retry("refresh_failed")
		return nil, err
	}

	retry, err := rewind(markRetried(req))
	if err != nil {
		return nil, err
	}

	t.logger.Debug("retrying request with refreshed token", "method", req.Method, "url", req.URL.String())
	resp, err = t.base.RoundTrip(authorize(retry, cred))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		discard(resp)
		t.metrics.retry("exhausted")
		return nil, &RetryExhaustedError{Method: req.Method, URL: req.URL.String(), StatusCode: resp.StatusCode}
	}

	t.metrics.retry("retried")
	return resp, nil
}

func (t *Transport) skipped(req *http.Request) bool {
	for _, p := range t.skipPaths {
		if p != "" && strings.HasPrefix(req.URL.Path, p) {
			return true
		}
	}
	return false
}

// authorize returns a clone of req carrying cred, or req itself without one
func authorize(req *http.Request, cred *Credential) *http.Request {
	if cred == nil || cred.Token == "" {
		return req
	}
	// Clone the request to avoid mutating the original
	req2 := req.Clone(req.Context())
	req2.Header.Set("Authorization", "Bearer "+cred.Token)
	return req2
}

// replayable makes sure a request body can be sent a second time
func replayable(req *http.Request) (*http.Request, error) {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return req, nil
	}

	data, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to buffer request body: %w", err)
	}

	req2 := req.Clone(req.Context())
	req2.Body = io.NopCloser(bytes.NewReader(data))
	req2.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	return req2, nil
}

// rewind returns a clone of req with a fresh body
func rewind(req *http.Request) (*http.Request, error) {
	req2 := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return req2, nil
	}
	if req.GetBody == nil {
		return nil, fmt.Errorf("request body for %s %s cannot be replayed", req.Method, req.URL)
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("failed to rewind request body: %w", err)
	}
	req2.Body = body
	return req2, nil
}

func discard(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}
