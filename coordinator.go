package tokenkeeper

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DefaultRefreshTimeout bounds a single call to the refresh endpoint
const DefaultRefreshTimeout = 30 * time.Second

// RefreshState is the coordinator's single-flight state
type RefreshState int

const (
	StateIdle RefreshState = iota
	StateRefreshing
)

func (s RefreshState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRefreshing:
		return "refreshing"
	}
	return "unknown"
}

type refreshResult struct {
	cred *Credential
	err  error
}

// RefreshCoordinator collapses concurrent refresh requests into one call to
// the refresh endpoint and hands the outcome to every caller.
//
// The first caller to find the coordinator idle becomes the leader and starts
// the network call; everyone arriving while it is in flight is queued. The
// check and the state change happen under one lock, so two near-simultaneous
// 401s can never both start a refresh.
type RefreshCoordinator struct {
	mu      sync.Mutex
	state   RefreshState
	waiters []chan refreshResult

	refresher Refresher
	store     *CredentialStore
	scheduler *RefreshScheduler
	teardown  *TeardownHandler
	timeout   time.Duration
	logger    *slog.Logger
	metrics   *Metrics
}

// CoordinatorConfig wires a RefreshCoordinator. Scheduler and Teardown may be
// nil, in which case re-arming and teardown are skipped.
type CoordinatorConfig struct {
	Refresher Refresher
	Store     *CredentialStore
	Scheduler *RefreshScheduler
	Teardown  *TeardownHandler
	Timeout   time.Duration
	Logger    *slog.Logger
	Metrics   *Metrics
}

func NewRefreshCoordinator(cfg CoordinatorConfig) *RefreshCoordinator {
	c := &RefreshCoordinator{
		refresher: cfg.Refresher,
		store:     cfg.Store,
		scheduler: cfg.Scheduler,
		teardown:  cfg.Teardown,
		timeout:   cfg.Timeout,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
	}
	if c.timeout <= 0 {
		c.timeout = DefaultRefreshTimeout
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.store == nil {
		c.store = NewCredentialStore(nil, "")
	}
	return c
}

// Refresh returns a freshly issued credential, starting a refresh only if none
// is in flight. All callers of one refresh cycle get the same credential or
// the same error.
//
// A caller whose ctx ends stops waiting, but the refresh itself carries on
// and still settles for everyone else.
func (c *RefreshCoordinator) Refresh(ctx context.Context) (*Credential, error) {
	ch := make(chan refreshResult, 1)

	c.mu.Lock()
	c.waiters = append(c.waiters, ch)
	leader := c.state == StateIdle
	if leader {
		c.state = StateRefreshing
	}
	c.mu.Unlock()

	if leader {
		c.metrics.refreshStarted()
		go c.run()
	}

	select {
	case res := <-ch:
		return res.cred, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// State reports whether a refresh is in flight
func (c *RefreshCoordinator) State() RefreshState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Waiting returns the number of callers queued on the in-flight refresh
func (c *RefreshCoordinator) Waiting() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

func (c *RefreshCoordinator) run() {
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	cred, err := c.fetch(ctx)
	cancel()

	if err != nil {
		c.logger.Warn("token refresh failed", "error", err)
		if c.teardown != nil {
			c.teardown.Teardown(context.Background())
		}
	} else {
		c.logger.Debug("token refreshed", "expires_at", cred.ExpiresAt)
		if c.teardown != nil {
			c.teardown.Rearm()
		}
		if c.scheduler != nil {
			c.scheduler.Arm(cred.ExpiresAt)
		}
	}

	c.mu.Lock()
	waiters := c.waiters
	c.waiters = nil
	c.state = StateIdle
	c.mu.Unlock()

	c.metrics.refreshFinished(err, len(waiters), time.Since(start))

	res := refreshResult{cred: cred, err: err}
	for _, w := range waiters {
		w <- res
	}
}

// fetch performs the network call and stores the result
func (c *RefreshCoordinator) fetch(ctx context.Context) (*Credential, error) {
	if c.refresher == nil {
		return nil, &RefreshNetworkError{Err: errors.New("no refresher configured")}
	}

	token, err := c.refresher.Refresh(ctx)
	if err != nil {
		var rne *RefreshNetworkError
		if errors.As(err, &rne) {
			return nil, rne
		}
		return nil, &RefreshNetworkError{Err: err}
	}

	// An unparseable token from the refresh endpoint is an unusable payload,
	// not a credential to schedule around.
	if _, err := ParseCredential(token); err != nil {
		return nil, &RefreshNetworkError{Err: err}
	}

	cred, err := c.store.Set(ctx, token)
	if err != nil {
		// The token is cached even when persisting it fails.
		c.logger.Error("failed to persist refreshed credential", "error", err)
	}
	return cred, nil
}
