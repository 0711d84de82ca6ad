package tokenkeeper

import (
	"context"
	"errors"

	"golang.org/x/oauth2"
)

var errNoCredential = errors.New("no credential: log in first")

// TokenSource adapts the session to oauth2.TokenSource so that
// oauth2.NewClient, grpc's oauth credentials and similar consumers share the
// same single-flight refresh. ctx bounds the refreshes it triggers.
func (s *Session) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &sessionTokenSource{ctx: ctx, session: s}
}

type sessionTokenSource struct {
	ctx     context.Context
	session *Session
}

// Compile-time check to ensure sessionTokenSource implements oauth2.TokenSource
var _ oauth2.TokenSource = (*sessionTokenSource)(nil)

// Token returns the stored token, refreshing first if it is inside the
// safety margin. A token that is still valid is refreshed at most as often
// as the scheduler allows immediate refreshes, so an authority issuing
// tokens shorter than the margin does not cost a refresh per call.
func (ts *sessionTokenSource) Token() (*oauth2.Token, error) {
	s := ts.session
	cred := s.store.Get()
	if cred == nil {
		return nil, errNoCredential
	}

	now := s.clock.Now()
	if cred.IsExpired(now) || (cred.IsExpiringSoon(now, s.scheduler.SafetyMargin()) && s.scheduler.AllowImmediate()) {
		fresh, err := s.coordinator.Refresh(ts.ctx)
		if err != nil {
			return nil, err
		}
		cred = fresh
	}

	return &oauth2.Token{
		AccessToken: cred.Token,
		TokenType:   "Bearer",
		Expiry:      cred.ExpiresAt,
	}, nil
}
