package tokenkeeper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
)

var testEpoch = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

func newTestClock() clockwork.FakeClock {
	return clockwork.NewFakeClockAt(testEpoch)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// makeToken signs a token expiring at exp. The signature is never checked on
// the client side, so any key works.
func makeToken(t *testing.T, subject string, exp time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(exp.Add(-15 * time.Minute)),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return token
}

// waitFor polls cond until it holds. Fake clock timers run their callbacks
// on separate goroutines, so effects of Advance are observed this way.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// settle gives stray goroutines a moment before asserting something did not happen
func settle() {
	time.Sleep(20 * time.Millisecond)
}

// stubRefresher hands out tokens from next and counts calls. With a non-nil
// release channel every call blocks until it is closed.
type stubRefresher struct {
	calls   atomic.Int32
	release chan struct{}
	next    func(call int32) (string, error)
}

func (r *stubRefresher) Refresh(ctx context.Context) (string, error) {
	n := r.calls.Add(1)
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return r.next(n)
}

func (r *stubRefresher) Calls() int {
	return int(r.calls.Load())
}

// refresherReturning always yields token
func refresherReturning(token string) *stubRefresher {
	return &stubRefresher{next: func(int32) (string, error) { return token, nil }}
}

// refresherFailing always fails with err
func refresherFailing(err error) *stubRefresher {
	return &stubRefresher{next: func(int32) (string, error) { return "", err }}
}

var errRefreshDenied = &RefreshNetworkError{StatusCode: 401, Err: errors.New("refresh session expired")}

// countingNavigator counts NavigateToLogin calls
type countingNavigator struct {
	calls atomic.Int32
}

func (n *countingNavigator) NavigateToLogin(context.Context) error {
	n.calls.Add(1)
	return nil
}

// fakeRealtime records Disconnect calls
type fakeRealtime struct {
	mu           sync.Mutex
	connected    bool
	disconnects  int
	err          error
	onDisconnect func()
}

func (f *fakeRealtime) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeRealtime) Disconnect() error {
	f.mu.Lock()
	f.connected = false
	f.disconnects++
	hook := f.onDisconnect
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return f.err
}

func (f *fakeRealtime) Disconnects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

// recordingStorage wraps MemoryStorage and can fail or observe writes
type recordingStorage struct {
	*MemoryStorage
	saveErr  error
	onDelete func()
}

func newRecordingStorage() *recordingStorage {
	return &recordingStorage{MemoryStorage: NewMemoryStorage()}
}

func (s *recordingStorage) Save(ctx context.Context, key, value string) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	return s.MemoryStorage.Save(ctx, key, value)
}

func (s *recordingStorage) Delete(ctx context.Context, key string) error {
	if s.onDelete != nil {
		s.onDelete()
	}
	return s.MemoryStorage.Delete(ctx, key)
}
