package tokenkeeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultLoginPath is never retried on 401: a rejected login is not an
// expired token.
const DefaultLoginPath = "/auth/login"

// Session keeps one access token valid for an HTTP client. It is built once
// per process and owns the store, scheduler, coordinator, teardown handler
// and transport.
type Session struct {
	serverURL string

	store       *CredentialStore
	scheduler   *RefreshScheduler
	coordinator *RefreshCoordinator
	teardown    *TeardownHandler
	transport   *Transport
	httpClient  *http.Client

	// configuration, set through Options
	clock          clockwork.Clock
	logger         *slog.Logger
	metrics        *Metrics
	baseTransport  http.RoundTripper
	jar            http.CookieJar
	refresher      Refresher
	refreshPath    string
	skipPaths      []string
	storageKey     string
	margin         time.Duration
	timeout        time.Duration
	immediateEvery time.Duration
	navigator      Navigator
	realtime       RealtimeConn
}

// Option configures a Session
type Option func(*Session)

// WithClock sets the clock used for expiry arithmetic and the refresh timer
func WithClock(clock clockwork.Clock) Option {
	return func(s *Session) {
		s.clock = clock
	}
}

// WithSafetyMargin sets how long before expiry the proactive refresh fires
func WithSafetyMargin(d time.Duration) Option {
	return func(s *Session) {
		s.margin = d
	}
}

// WithImmediateRefreshLimit bounds how often an already-expiring token may
// trigger an immediate refresh
func WithImmediateRefreshLimit(every time.Duration) Option {
	return func(s *Session) {
		s.immediateEvery = every
	}
}

// WithRefreshTimeout bounds each call to the refresh endpoint
func WithRefreshTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.timeout = d
	}
}

// WithRefreshPath sets a custom refresh endpoint path
func WithRefreshPath(path string) Option {
	return func(s *Session) {
		s.refreshPath = path
	}
}

// WithRefresher replaces the HTTP refresh call entirely
func WithRefresher(r Refresher) Option {
	return func(s *Session) {
		s.refresher = r
	}
}

// WithHTTPClient sets a custom base HTTP client (for timeouts, TLS config, etc.)
// The transport from this client will be wrapped with auth handling.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Session) {
		if client == nil {
			return
		}
		if client.Transport != nil {
			s.baseTransport = client.Transport
		}
		if client.Jar != nil {
			s.jar = client.Jar
		}
		s.httpClient.Timeout = client.Timeout
		s.httpClient.CheckRedirect = client.CheckRedirect
	}
}

// WithTransport sets a custom base transport (for connection pooling, proxies, etc.)
func WithTransport(transport http.RoundTripper) Option {
	return func(s *Session) {
		s.baseTransport = transport
	}
}

// WithCookieJar sets the jar holding the long-lived refresh cookie
func WithCookieJar(jar http.CookieJar) Option {
	return func(s *Session) {
		s.jar = jar
	}
}

// WithSkipPaths replaces the path prefixes whose 401s are never retried
func WithSkipPaths(prefixes ...string) Option {
	return func(s *Session) {
		s.skipPaths = prefixes
	}
}

// WithNavigator sets where teardown sends the user
func WithNavigator(n Navigator) Option {
	return func(s *Session) {
		s.navigator = n
	}
}

// WithRealtime sets the realtime connection dropped on teardown
func WithRealtime(conn RealtimeConn) Option {
	return func(s *Session) {
		s.realtime = conn
	}
}

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithMetrics enables Prometheus metrics
func WithMetrics(m *Metrics) Option {
	return func(s *Session) {
		s.metrics = m
	}
}

// WithStorageKey sets the key the token is persisted under
func WithStorageKey(key string) Option {
	return func(s *Session) {
		s.storageKey = key
	}
}

// NewSession creates a session for serverURL persisting its token in storage.
// Call Start to restore a previously persisted token.
func NewSession(serverURL string, storage Storage, opts ...Option) (*Session, error) {
	// Normalize server URL
	u, err := url.Parse(serverURL)
	if err == nil && u.Scheme != "" && u.Host != "" {
		serverURL = fmt.Sprintf("%s://%s", u.Scheme, u.Host)
	}

	s := &Session{
		serverURL:     serverURL,
		httpClient:    &http.Client{},
		baseTransport: http.DefaultTransport,
		refreshPath:   DefaultRefreshPath,
		clock:         clockwork.NewRealClock(),
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.jar == nil {
		if s.jar, err = cookiejar.New(nil); err != nil {
			return nil, fmt.Errorf("failed to create cookie jar: %w", err)
		}
	}
	if s.skipPaths == nil {
		s.skipPaths = []string{s.refreshPath, DefaultLoginPath}
	}
	if s.refresher == nil {
		s.refresher = &HTTPRefresher{
			URL: s.serverURL + s.refreshPath,
			// Use base transport directly to avoid auth loop
			Client: &http.Client{Transport: s.baseTransport, Jar: s.jar, Timeout: s.httpClient.Timeout},
		}
	}

	s.store = NewCredentialStore(storage, s.storageKey)
	s.coordinator = NewRefreshCoordinator(CoordinatorConfig{
		Refresher: s.refresher,
		Store:     s.store,
		Timeout:   s.timeout,
		Logger:    s.logger,
		Metrics:   s.metrics,
	})
	s.scheduler = NewRefreshScheduler(s.clock, s.margin, s.immediateEvery, s.proactiveRefresh, s.logger)
	s.teardown = NewTeardownHandler(s.store, s.scheduler, s.navigator, s.logger, s.metrics)
	s.teardown.SetRealtime(s.realtime)
	s.coordinator.scheduler = s.scheduler
	s.coordinator.teardown = s.teardown

	s.transport = NewTransport(s.baseTransport, s.store, s.coordinator, s.skipPaths, s.logger, s.metrics)
	s.httpClient.Transport = s.transport
	s.httpClient.Jar = s.jar

	return s, nil
}

// proactiveRefresh is the scheduler's entry into the coordinator. After a
// logout there is nothing left to keep alive.
func (s *Session) proactiveRefresh(ctx context.Context) (*Credential, error) {
	if s.store.Get() == nil {
		return nil, nil
	}
	return s.coordinator.Refresh(ctx)
}

// Start restores the persisted token, if any, and arms the refresh timer.
// A persisted token that cannot be parsed is refreshed immediately.
func (s *Session) Start(ctx context.Context) error {
	cred, err := s.store.Load(ctx)
	if err != nil && !errors.Is(err, ErrMalformedToken) {
		return err
	}
	if cred == nil {
		return nil
	}
	if err != nil {
		s.logger.Warn("persisted token is malformed, refreshing", "error", err)
	}
	s.scheduler.Arm(cred.ExpiresAt)
	return nil
}

// SetCredential installs a token issued by an external login and arms the
// refresh timer. A malformed token is stored as expired, refreshed right
// away, and reported with a *MalformedTokenError. A storage failure is
// returned alongside the credential, which is still in use.
func (s *Session) SetCredential(ctx context.Context, token string) (*Credential, error) {
	// The token is cached even when persisting it fails, so it is armed
	// either way.
	cred, err := s.store.Set(ctx, token)
	s.teardown.Rearm()
	s.scheduler.Arm(cred.ExpiresAt)
	return cred, err
}

// Credential returns the current credential or nil
func (s *Session) Credential() *Credential {
	return s.store.Get()
}

// Refresh forces a refresh, joining one already in flight
func (s *Session) Refresh(ctx context.Context) (*Credential, error) {
	return s.coordinator.Refresh(ctx)
}

// Logout forgets the credential locally. Unlike teardown it does not navigate.
func (s *Session) Logout(ctx context.Context) error {
	s.scheduler.Disarm()
	return s.store.Clear(ctx)
}

// Close stops the refresh timer
func (s *Session) Close() {
	s.scheduler.Disarm()
}

// AttachRealtime registers the realtime connection to drop on teardown
func (s *Session) AttachRealtime(conn RealtimeConn) {
	s.teardown.SetRealtime(conn)
}

// HTTPClient returns the underlying HTTP client with auth handling
func (s *Session) HTTPClient() *http.Client {
	return s.httpClient
}

// ServerURL returns the server URL this session is configured for
func (s *Session) ServerURL() string {
	return s.serverURL
}

// Coordinator exposes the refresh coordinator, mainly for its State
func (s *Session) Coordinator() *RefreshCoordinator {
	return s.coordinator
}
