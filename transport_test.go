package tokenkeeper

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// tokenServer accepts requests bearing exactly the current valid token
type tokenServer struct {
	*httptest.Server
	valid atomic.Value // string

	mu       sync.Mutex
	accepted []string // Authorization headers of 200 responses
	rejected int
	bodies   []string
}

func newTokenServer(t *testing.T) *tokenServer {
	ts := &tokenServer{}
	ts.valid.Store("")
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		auth := r.Header.Get("Authorization")

		ts.mu.Lock()
		defer ts.mu.Unlock()
		ts.bodies = append(ts.bodies, string(body))
		if auth == "" || auth != "Bearer "+ts.valid.Load().(string) {
			ts.rejected++
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		ts.accepted = append(ts.accepted, auth)
		io.WriteString(w, "ok")
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *tokenServer) Accepted() []string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]string(nil), ts.accepted...)
}

func (ts *tokenServer) Rejected() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.rejected
}

// newTestSession builds a session on a fake clock with the stub refresher
func newTestSession(t *testing.T, serverURL string, refresher Refresher, opts ...Option) (*Session, *countingNavigator) {
	t.Helper()
	nav := &countingNavigator{}
	opts = append([]Option{
		WithClock(newTestClock()),
		WithRefresher(refresher),
		WithNavigator(nav),
		WithLogger(quietLogger()),
	}, opts...)
	s, err := NewSession(serverURL, NewMemoryStorage(), opts...)
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	t.Cleanup(s.Close)
	return s, nav
}

func TestTransport_AddsAuthHeader(t *testing.T) {
	server := newTokenServer(t)
	s, _ := newTestSession(t, server.URL, refresherFailing(errRefreshDenied))

	token := makeToken(t, "user-1", testEpoch.Add(time.Hour))
	server.valid.Store(token)
	s.SetCredential(context.Background(), token)

	resp, err := s.HTTPClient().Get(server.URL + "/api/me")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if got := server.Accepted(); len(got) != 1 || got[0] != "Bearer "+token {
		t.Errorf("accepted = %v", got)
	}
}

func TestTransport_NoAuthHeader_WhenNoCredential(t *testing.T) {
	var sawAuth atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			sawAuth.Store(true)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	s, _ := newTestSession(t, server.URL, refresherFailing(errRefreshDenied))
	resp, err := s.HTTPClient().Get(server.URL + "/public")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if sawAuth.Load() {
		t.Error("no Authorization header expected without a credential")
	}
}

func TestTransport_RetryOn401WithRefresh(t *testing.T) {
	server := newTokenServer(t)
	oldToken := makeToken(t, "user-1", testEpoch.Add(time.Hour))
	newToken := makeToken(t, "user-1", testEpoch.Add(2*time.Hour))
	server.valid.Store(newToken)

	refresher := refresherReturning(newToken)
	s, _ := newTestSession(t, server.URL, refresher)
	s.SetCredential(context.Background(), oldToken)

	resp, err := s.HTTPClient().Get(server.URL + "/api/me")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Errorf("response = %d %q, want 200 ok", resp.StatusCode, body)
	}
	if refresher.Calls() != 1 {
		t.Errorf("refresh calls = %d, want 1", refresher.Calls())
	}
	if s.Credential().Token != newToken {
		t.Error("session should hold the refreshed token")
	}
}

func TestTransport_ConcurrentUnauthorizedShareOneRefresh(t *testing.T) {
	server := newTokenServer(t)
	oldToken := makeToken(t, "user-1", testEpoch.Add(time.Hour))
	newToken := makeToken(t, "user-1", testEpoch.Add(2*time.Hour))
	server.valid.Store(newToken)

	refresher := refresherReturning(newToken)
	refresher.release = make(chan struct{})
	s, _ := newTestSession(t, server.URL, refresher)
	s.SetCredential(context.Background(), oldToken)

	if s.Coordinator().State() != StateIdle {
		t.Fatal("coordinator should start idle")
	}

	const n = 3
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			resp, err := s.HTTPClient().Get(server.URL + "/api/me")
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode != http.StatusOK {
					err = errors.New(resp.Status)
				}
			}
			errs <- err
		}()
	}

	waitFor(t, "all requests waiting on the refresh", func() bool {
		return s.Coordinator().Waiting() == n
	})
	if server.Rejected() != n {
		t.Errorf("rejected = %d, want %d", server.Rejected(), n)
	}
	close(refresher.release)

	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			t.Errorf("request failed: %v", err)
		}
	}

	if refresher.Calls() != 1 {
		t.Errorf("refresh calls = %d, want 1", refresher.Calls())
	}
	accepted := server.Accepted()
	if len(accepted) != n {
		t.Fatalf("accepted %d retries, want %d", len(accepted), n)
	}
	for _, auth := range accepted {
		if auth != "Bearer "+newToken {
			t.Errorf("retry carried %q, want the refreshed token", auth)
		}
	}
	if s.Coordinator().State() != StateIdle {
		t.Errorf("State() = %v, want idle", s.Coordinator().State())
	}
}

func TestTransport_RetriedRequestIsNotRefreshedAgain(t *testing.T) {
	server := newTokenServer(t)
	refresher := refresherReturning(makeToken(t, "user-1", testEpoch.Add(time.Hour)))
	s, _ := newTestSession(t, server.URL, refresher)

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/api/me", nil)
	_, err := s.transport.RoundTrip(markRetried(req))

	if !errors.Is(err, ErrRetryExhausted) {
		t.Errorf("error = %v, want ErrRetryExhausted", err)
	}
	if refresher.Calls() != 0 {
		t.Errorf("refresh calls = %d, want 0", refresher.Calls())
	}
}

func TestTransport_SecondUnauthorizedAfterRefresh(t *testing.T) {
	server := newTokenServer(t)
	server.valid.Store("never-matches")

	refresher := refresherReturning(makeToken(t, "user-1", testEpoch.Add(time.Hour)))
	s, nav := newTestSession(t, server.URL, refresher)
	s.SetCredential(context.Background(), makeToken(t, "user-1", testEpoch.Add(30*time.Minute)))

	_, err := s.HTTPClient().Get(server.URL + "/api/me")

	var ree *RetryExhaustedError
	if !errors.As(err, &ree) {
		t.Fatalf("error = %v, want *RetryExhaustedError", err)
	}
	if ree.StatusCode != http.StatusUnauthorized {
		t.Errorf("StatusCode = %d, want 401", ree.StatusCode)
	}
	if refresher.Calls() != 1 {
		t.Errorf("refresh calls = %d, want exactly 1", refresher.Calls())
	}
	if server.Rejected() != 2 {
		t.Errorf("server saw %d rejected requests, want 2", server.Rejected())
	}
	if nav.calls.Load() != 0 {
		t.Error("a rejected retry is not a refresh failure and must not tear down")
	}
}

func TestTransport_RefreshFailurePropagates(t *testing.T) {
	server := newTokenServer(t)
	s, nav := newTestSession(t, server.URL, refresherFailing(errRefreshDenied))
	s.SetCredential(context.Background(), makeToken(t, "user-1", testEpoch.Add(time.Hour)))

	_, err := s.HTTPClient().Get(server.URL + "/api/me")
	if !errors.Is(err, ErrRefreshFailed) {
		t.Errorf("error = %v, want ErrRefreshFailed", err)
	}
	if nav.calls.Load() != 1 {
		t.Errorf("navigated %d times, want 1", nav.calls.Load())
	}
	if s.Credential() != nil {
		t.Error("credential should be cleared")
	}
}

func TestTransport_SkipPathsAreNotRetried(t *testing.T) {
	server := newTokenServer(t)
	refresher := refresherReturning(makeToken(t, "user-1", testEpoch.Add(time.Hour)))
	s, _ := newTestSession(t, server.URL, refresher)

	for _, path := range []string{DefaultLoginPath, DefaultRefreshPath} {
		resp, err := s.HTTPClient().Post(server.URL+path, "application/json", strings.NewReader(`{}`))
		if err != nil {
			t.Fatalf("POST %s error = %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("POST %s status = %d, want 401 passed through", path, resp.StatusCode)
		}
	}
	if refresher.Calls() != 0 {
		t.Errorf("refresh calls = %d, want 0", refresher.Calls())
	}
}

func TestTransport_ReplaysRequestBody(t *testing.T) {
	server := newTokenServer(t)
	newToken := makeToken(t, "user-1", testEpoch.Add(2*time.Hour))
	server.valid.Store(newToken)

	s, _ := newTestSession(t, server.URL, refresherReturning(newToken))
	s.SetCredential(context.Background(), makeToken(t, "user-1", testEpoch.Add(time.Hour)))

	// A body without GetBody must be buffered by the transport
	body := io.NopCloser(strings.NewReader(`{"title":"hello"}`))
	req, _ := http.NewRequest(http.MethodPost, server.URL+"/api/notes", body)
	if req.GetBody != nil {
		t.Fatal("test needs a request without GetBody")
	}

	resp, err := s.HTTPClient().Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	resp.Body.Close()

	server.mu.Lock()
	defer server.mu.Unlock()
	if len(server.bodies) != 2 {
		t.Fatalf("server saw %d requests, want 2", len(server.bodies))
	}
	for i, b := range server.bodies {
		if b != `{"title":"hello"}` {
			t.Errorf("attempt %d body = %q", i+1, b)
		}
	}
}

func TestTransport_DoesNotMutateCallerRequest(t *testing.T) {
	server := newTokenServer(t)
	token := makeToken(t, "user-1", testEpoch.Add(time.Hour))
	server.valid.Store(token)

	s, _ := newTestSession(t, server.URL, refresherFailing(errRefreshDenied))
	s.SetCredential(context.Background(), token)

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/api/me", nil)
	resp, err := s.HTTPClient().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if req.Header.Get("Authorization") != "" {
		t.Error("caller's request should not be modified")
	}
}
