package tokenkeeper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// DefaultSafetyMargin is how long before expiry to proactively refresh
const DefaultSafetyMargin = 5 * time.Minute

// DefaultImmediateRefreshInterval bounds how often Arm may refresh
// immediately for tokens already inside the safety margin.
const DefaultImmediateRefreshInterval = 10 * time.Second

// RefreshFunc starts (or joins) a token refresh
type RefreshFunc func(ctx context.Context) (*Credential, error)

// RefreshScheduler owns the single proactive refresh timer.
type RefreshScheduler struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	margin  time.Duration
	limiter *rate.Limiter
	refresh RefreshFunc
	logger  *slog.Logger

	timer   clockwork.Timer
	firesAt time.Time
	// deferred holds the limiter reservation behind a rate limited timer
	deferred *rate.Reservation
	// gen is bumped whenever the armed timer is superseded so a callback
	// that lost the race with Stop does nothing.
	gen uint64
}

// NewRefreshScheduler creates a disarmed scheduler. A zero margin means
// DefaultSafetyMargin; a zero immediateEvery means DefaultImmediateRefreshInterval.
func NewRefreshScheduler(clock clockwork.Clock, margin, immediateEvery time.Duration, refresh RefreshFunc, logger *slog.Logger) *RefreshScheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if margin <= 0 {
		margin = DefaultSafetyMargin
	}
	if immediateEvery <= 0 {
		immediateEvery = DefaultImmediateRefreshInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RefreshScheduler{
		clock:   clock,
		margin:  margin,
		limiter: rate.NewLimiter(rate.Every(immediateEvery), 1),
		refresh: refresh,
		logger:  logger,
	}
}

// SafetyMargin returns how long before expiry the timer fires
func (s *RefreshScheduler) SafetyMargin() time.Duration {
	return s.margin
}

// Arm schedules a refresh SafetyMargin before expiresAt, cancelling any
// previously armed timer. A token already inside the margin (or with a zero
// expiresAt) is refreshed right away instead of through a zero-delay timer.
func (s *RefreshScheduler) Arm(expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
	gen := s.gen

	now := s.clock.Now()
	delay := expiresAt.Sub(now) - s.margin
	if delay <= 0 {
		r := s.limiter.ReserveN(now, 1)
		wait := r.DelayFrom(now)
		if wait <= 0 {
			s.logger.Debug("token inside safety margin, refreshing now",
				"expires_at", expiresAt, "margin", s.margin)
			go s.fire(gen)
			return
		}
		s.logger.Warn("immediate refresh rate limited, deferring", "delay", wait)
		delay = wait
		s.deferred = r
	}

	s.firesAt = now.Add(delay)
	// fire re-enters the clock through the coordinator, so it must not run
	// inside a fake clock's Advance.
	s.timer = s.clock.AfterFunc(delay, func() { go s.fire(gen) })
	s.logger.Debug("refresh timer armed", "fires_at", s.firesAt, "expires_at", expiresAt)
}

// Disarm cancels the armed timer, if any
func (s *RefreshScheduler) Disarm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

// AllowImmediate reports whether a refresh outside the timer may run now,
// and takes the allowance if so. It shares the limiter that throttles
// immediate refreshes in Arm.
func (s *RefreshScheduler) AllowImmediate() bool {
	return s.limiter.AllowN(s.clock.Now(), 1)
}

// Armed reports when the pending timer will fire
func (s *RefreshScheduler) Armed() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firesAt, s.timer != nil
}

func (s *RefreshScheduler) stopLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	// A superseded deferral gives its slot back to the limiter
	if s.deferred != nil {
		s.deferred.CancelAt(s.clock.Now())
		s.deferred = nil
	}
	s.firesAt = time.Time{}
	s.gen++
}

func (s *RefreshScheduler) fire(gen uint64) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.deferred = nil
	s.firesAt = time.Time{}
	s.mu.Unlock()

	// Success re-arms through the coordinator and failure goes to teardown,
	// so there is nothing to do here beyond logging.
	if _, err := s.refresh(context.Background()); err != nil {
		s.logger.Warn("proactive token refresh failed", "error", err)
	}
}
