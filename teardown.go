package tokenkeeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Navigator sends the user to the unauthenticated entry point
type Navigator interface {
	NavigateToLogin(ctx context.Context) error
}

// NavigatorFunc adapts a function to Navigator
type NavigatorFunc func(ctx context.Context) error

func (f NavigatorFunc) NavigateToLogin(ctx context.Context) error { return f(ctx) }

// RealtimeConn is a live push connection that must be dropped on teardown
type RealtimeConn interface {
	Connected() bool
	Disconnect() error
}

// TeardownHandler is the terminal path taken when the credential can no
// longer be refreshed. Its effects run once per invalidation, however many
// failed refreshes report it.
type TeardownHandler struct {
	done atomic.Bool

	mu       sync.Mutex
	realtime RealtimeConn

	scheduler *RefreshScheduler
	store     *CredentialStore
	navigator Navigator
	logger    *slog.Logger
	metrics   *Metrics
}

func NewTeardownHandler(store *CredentialStore, scheduler *RefreshScheduler, navigator Navigator, logger *slog.Logger, metrics *Metrics) *TeardownHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TeardownHandler{
		store:     store,
		scheduler: scheduler,
		navigator: navigator,
		logger:    logger,
		metrics:   metrics,
	}
}

// SetRealtime attaches (or with nil, detaches) the realtime connection
func (t *TeardownHandler) SetRealtime(conn RealtimeConn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.realtime = conn
}

// Done reports whether teardown has run since the last Rearm
func (t *TeardownHandler) Done() bool {
	return t.done.Load()
}

// Rearm allows the next Teardown to run. It is called whenever a new
// credential is established.
func (t *TeardownHandler) Rearm() {
	t.done.Store(false)
}

// Teardown disconnects realtime, cancels the refresh timer, clears the stored
// credential and navigates to login, in that order. Calls after the first (or
// concurrent with it) return immediately. It never fails: every error is logged.
func (t *TeardownHandler) Teardown(ctx context.Context) {
	if !t.done.CompareAndSwap(false, true) {
		return
	}
	t.logger.Info("credential can no longer be refreshed, tearing down session")
	t.metrics.teardown()

	t.mu.Lock()
	conn := t.realtime
	t.mu.Unlock()

	if conn != nil {
		t.guard("disconnect realtime", func() error {
			if !conn.Connected() {
				return nil
			}
			return conn.Disconnect()
		})
	}
	if t.scheduler != nil {
		t.scheduler.Disarm()
	}
	if t.store != nil {
		t.guard("clear credential", func() error { return t.store.Clear(ctx) })
	}
	if t.navigator != nil {
		t.guard("navigate to login", func() error { return t.navigator.NavigateToLogin(ctx) })
	}
}

// guard runs one teardown effect, turning errors and panics into log lines
func (t *TeardownHandler) guard(step string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("teardown step panicked", "step", step, "panic", fmt.Sprint(r))
		}
	}()
	if err := fn(); err != nil {
		t.logger.Warn("teardown step failed", "step", step, "error", err)
	}
}
