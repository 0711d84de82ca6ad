package tokenkeeper

import "time"

// Debug hooks. None of these are needed for correct operation.

// RemainingLifetime reports how long the current token stays valid.
// ok is false when there is no token.
func (s *Session) RemainingLifetime() (d time.Duration, ok bool) {
	cred := s.store.Get()
	if cred == nil {
		return 0, false
	}
	return cred.RemainingLifetime(s.clock.Now()), true
}

// StartScheduler arms the proactive refresh for the current token.
// It returns false if there is no token to schedule.
func (s *Session) StartScheduler() bool {
	cred := s.store.Get()
	if cred == nil {
		return false
	}
	s.scheduler.Arm(cred.ExpiresAt)
	return true
}

// StopScheduler cancels the proactive refresh. Reactive refresh on 401 keeps working.
func (s *Session) StopScheduler() {
	s.scheduler.Disarm()
}

// NextRefresh reports when the proactive refresh is due
func (s *Session) NextRefresh() (time.Time, bool) {
	return s.scheduler.Armed()
}
